package jobmanager

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// Sink 持久化介面。記憶體中的狀態在任務活躍期間是權威來源，
// Load 只用於已經從記憶體移除的任務。
type Sink interface {
	Save(ctx context.Context, job types.JobSnapshot) error
	Load(ctx context.Context, id types.JobID) (types.JobSnapshot, error)
}

// Lister 可選介面：支援列出所有已保存任務的 Sink 可以在啟動時做恢復
type Lister interface {
	List(ctx context.Context) ([]types.JobSnapshot, error)
}

// MemorySink 只存在記憶體的 Sink，測試與 persistence.driver=memory 使用
type MemorySink struct {
	mu   sync.RWMutex
	jobs map[types.JobID]types.JobSnapshot
}

var (
	_ Sink   = (*MemorySink)(nil)
	_ Lister = (*MemorySink)(nil)
)

// NewMemorySink 建立空的 MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{jobs: make(map[types.JobID]types.JobSnapshot)}
}

func (m *MemorySink) Save(_ context.Context, job types.JobSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemorySink) Load(_ context.Context, id types.JobID) (types.JobSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return types.JobSnapshot{}, types.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemorySink) List(_ context.Context) ([]types.JobSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.JobSnapshot, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Len 已保存的任務數
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
