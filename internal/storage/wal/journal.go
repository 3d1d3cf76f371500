package wal

// ============================================================================
// Journal - 以 WAL 為底層的任務持久化（jobmanager.Sink）
// ============================================================================
//
// 每次 Save 追加一個事件，payload 是完整的任務快照。
// 開啟時重放整個日誌，在記憶體中保留每個任務最新的快照供 Load 使用。
// 追加次數超過 CompactEvery 時重寫日誌，每個任務只留最新一筆。
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// JournalOptions Journal 參數
type JournalOptions struct {
	SyncOnAppend bool // 每次 Save 都 fsync
	CompactEvery int  // 追加這麼多事件後壓縮，0 表示不自動壓縮
	Repair       bool // 開啟時遇到損壞的結尾，截斷到最後一個有效事件
	Logger       *slog.Logger
}

// Journal 任務日誌
type Journal struct {
	mu      sync.RWMutex
	wal     *WAL
	latest  map[types.JobID]types.JobSnapshot
	appends int
	opts    JournalOptions
	log     *slog.Logger
}

var (
	_ jobmanager.Sink   = (*Journal)(nil)
	_ jobmanager.Lister = (*Journal)(nil)
)

// OpenJournal 開啟（或建立）日誌並重放
func OpenJournal(path string, opts JournalOptions) (*Journal, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if _, err := os.Stat(path); err == nil {
		if verr := ValidateWAL(path); verr != nil {
			if !opts.Repair || !(errors.Is(verr, ErrCorruptedWAL) || errors.Is(verr, ErrChecksumMismatch)) {
				return nil, fmt.Errorf("journal %s: %w", path, verr)
			}
			kept, err := RepairWAL(path, path)
			if err != nil {
				return nil, fmt.Errorf("repair journal %s: %w", path, err)
			}
			log.Warn("journal repaired", "path", path, "kept_events", kept, "cause", verr)
		}
	}

	w, err := NewWAL(path, opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &Journal{wal: w, latest: make(map[types.JobID]types.JobSnapshot), opts: opts, log: log}
	events := 0
	err = w.Replay(func(event Event) error {
		var job types.JobSnapshot
		if err := json.Unmarshal(event.Payload, &job); err != nil {
			return &CorruptionError{Seq: event.Seq, Cause: err}
		}
		j.latest[event.JobID] = job
		events++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay journal %s: %w", path, err)
	}
	j.appends = events

	log.Info("journal opened", "path", path, "events", events, "jobs", len(j.latest), "last_seq", w.GetLastSeq())
	return j, nil
}

// Save 追加任務快照
func (j *Journal) Save(_ context.Context, job types.JobSnapshot) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	eventType := EventUpdate
	if _, seen := j.latest[job.ID]; !seen {
		eventType = EventCreate
	}
	if job.Status.Terminal() {
		eventType = EventTerminal
	}

	// 終止事件立即落盤，其餘可以批次寫入
	if err := j.wal.Append(eventType, job.ID, payload, eventType == EventTerminal); err != nil {
		return fmt.Errorf("append job %s: %w", job.ID, err)
	}
	j.latest[job.ID] = job.Clone()
	j.appends++

	if j.opts.CompactEvery > 0 && j.appends >= j.opts.CompactEvery && j.appends > 2*len(j.latest) {
		if err := j.compactLocked(); err != nil {
			j.log.Error("journal compaction failed", "path", j.wal.Path(), "error", err)
		}
	}
	return nil
}

// Load 返回任務最新的快照
func (j *Journal) Load(_ context.Context, id types.JobID) (types.JobSnapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.latest[id]
	if !ok {
		return types.JobSnapshot{}, types.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List 返回所有任務最新的快照，依建立時間排序
func (j *Journal) List(_ context.Context) ([]types.JobSnapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]types.JobSnapshot, 0, len(j.latest))
	for _, job := range j.latest {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out, nil
}

// Compact 重寫日誌，每個任務只保留最新一筆
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked()
}

func (j *Journal) compactLocked() error {
	jobs := make([]types.JobSnapshot, 0, len(j.latest))
	for _, job := range j.latest {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt < jobs[b].CreatedAt })

	events := make([]Event, 0, len(jobs))
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		eventType := EventCreate
		if job.Status.Terminal() {
			eventType = EventTerminal
		}
		events = append(events, Event{Type: eventType, JobID: job.ID, Timestamp: job.UpdatedAt, Payload: payload})
	}

	before := j.appends
	if err := j.wal.Rewrite(events); err != nil {
		return err
	}
	j.appends = len(events)
	j.log.Info("journal compacted", "path", j.wal.Path(), "events_before", before, "events_after", len(events))
	return nil
}

// Close 將緩衝寫入並關閉
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
