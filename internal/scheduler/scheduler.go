// ============================================================================
// PulmoScan Batch Scheduler - 依大小或等待時間組批
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 收集快取未命中的 WorkItem，湊成批次交給 worker pool
//
// Flush 條件（先到者為準）:
//   1. pending 數量達到 MaxBatchSize           → reason=size
//   2. 最舊的 pending item 已等待 MaxWait       → reason=timeout
//   3. Stop() 時剩餘的 item 分段送出            → reason=drain
//
// 架構:
//   engine ──Submit()──> in (有界 channel, PendingLimit)
//                          │
//                   ┌──────▼──────┐
//                   │ coordinator │  單一 goroutine，擁有 pending slice
//                   └──────┬──────┘
//                          │ Batch
//                          ▼
//                   out (有界 channel, QueueDepth) ──> worker pool
//
// 背壓:
//   out 滿時 coordinator 會阻塞在送出，in 跟著被填滿；
//   in 滿時 Submit 依設定阻塞（尊重 ctx）或回傳 ErrQueueFull。
//
// 跨任務組批:
//   不同 job 的 item 可以在同一批次；每個 item 只帶自己的 JobID/Index。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrQueueFull 背壓：pending 已達上限且設定為不阻塞
	ErrQueueFull = errors.New("scheduler queue is full")
	// ErrSchedulerStopped 排程器已停止
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// FlushReason 批次被送出的原因
type FlushReason string

const (
	FlushSize    FlushReason = "size"
	FlushTimeout FlushReason = "timeout"
	FlushDrain   FlushReason = "drain"
)

// WorkItem 快取未命中後需要計算的單一輸入
type WorkItem struct {
	JobID       types.JobID
	Index       int
	SourceRef   string
	Fingerprint fingerprint.Fingerprint
	Content     []byte
	Token       uint64 // 快取保留的 token
	EnqueuedAt  time.Time
	Seq         uint64
}

// Batch 一組一起送進 executor 的 WorkItem
type Batch struct {
	ID        string
	Items     []WorkItem
	CreatedAt time.Time
	Reason    FlushReason
	Attempt   int
}

// Ticket Submit 的回執
type Ticket struct {
	Seq        uint64
	EnqueuedAt time.Time
}

// Config 排程器參數
type Config struct {
	MaxBatchSize int           // 每批最多 item 數
	MaxWait      time.Duration // 最舊 item 最多等待時間
	PendingLimit int           // Submit 端的緩衝上限
	QueueDepth   int           // 已組好、等待 worker 的批次上限
	BlockOnFull  bool          // true: Submit 阻塞直到有空間；false: 回傳 ErrQueueFull
	OnFlush      func(Batch)   // metrics hook，在 coordinator goroutine 中呼叫
	Logger       *slog.Logger
}

// Scheduler 批次排程器
type Scheduler struct {
	cfg Config
	log *slog.Logger

	in      chan WorkItem
	out     chan Batch
	closing chan struct{} // Stop 開始：拒絕新 item，喚醒阻塞中的 Submit
	stop    chan struct{} // 所有 Submit 都已離開 intake：coordinator 開始 drain
	wg      sync.WaitGroup

	// Submit 持有讀鎖直到 item 進入 intake；Stop 取得寫鎖後才通知 coordinator，
	// 所以 drain 之後不會再有 item 進入 intake
	intake sync.RWMutex

	seq      atomic.Uint64
	pending  atomic.Int64
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New 建立排程器
func New(cfg Config) (*Scheduler, error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("scheduler: max batch size must be > 0")
	}
	if cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("scheduler: max wait must be > 0")
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		log:     logger,
		in:      make(chan WorkItem, cfg.PendingLimit),
		out:     make(chan Batch, cfg.QueueDepth),
		closing: make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

// Start 啟動 coordinator
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop 停止接受新 item，把剩餘 pending 全部送出後關閉 Batches()。
// 呼叫者必須確保有人持續消費 Batches()，否則 Stop 會阻塞。
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		close(s.closing)
		s.intake.Lock()
		close(s.stop)
		s.intake.Unlock()

		if started {
			s.wg.Wait()
		} else {
			close(s.out)
		}
	})
}

// Batches 已組好的批次
func (s *Scheduler) Batches() <-chan Batch { return s.out }

// Pending 已提交但尚未被組進批次的 item 數
func (s *Scheduler) Pending() int { return int(s.pending.Load()) }

// Submit 將 item 加入 pending pool
func (s *Scheduler) Submit(ctx context.Context, item WorkItem) (Ticket, error) {
	s.intake.RLock()
	defer s.intake.RUnlock()

	select {
	case <-s.closing:
		return Ticket{}, ErrSchedulerStopped
	case <-ctx.Done():
		return Ticket{}, ctx.Err()
	default:
	}

	item.Seq = s.seq.Add(1)
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	ticket := Ticket{Seq: item.Seq, EnqueuedAt: item.EnqueuedAt}

	// count before the send so the coordinator never decrements below zero
	s.pending.Add(1)

	if !s.cfg.BlockOnFull {
		select {
		case s.in <- item:
			return ticket, nil
		default:
			s.pending.Add(-1)
			return Ticket{}, ErrQueueFull
		}
	}

	select {
	case s.in <- item:
		return ticket, nil
	case <-s.closing:
		s.pending.Add(-1)
		return Ticket{}, ErrSchedulerStopped
	case <-ctx.Done():
		s.pending.Add(-1)
		return Ticket{}, ctx.Err()
	}
}

// run coordinator 主迴圈
func (s *Scheduler) run() {
	defer close(s.out)

	var (
		pending []WorkItem
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	// armTimer 依最舊 item 的到達時間設定 flush 期限
	armTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		wait := time.Until(pending[0].EnqueuedAt.Add(s.cfg.MaxWait))
		if wait < 0 {
			wait = 0
		}
		timer = time.NewTimer(wait)
		timerC = timer.C
	}

	for {
		select {
		case item := <-s.in:
			pending = append(pending, item)
			flushed := false
			for len(pending) >= s.cfg.MaxBatchSize {
				pending = s.flush(pending, s.cfg.MaxBatchSize, FlushSize)
				flushed = true
			}
			if flushed || timer == nil {
				armTimer()
			}

		case <-timerC:
			timer, timerC = nil, nil
			if len(pending) > 0 {
				pending = s.flush(pending, min(len(pending), s.cfg.MaxBatchSize), FlushTimeout)
			}
			armTimer()

		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			// 把已經進到 channel 的 item 也一起收掉
		drain:
			for {
				select {
				case item := <-s.in:
					pending = append(pending, item)
				default:
					break drain
				}
			}
			for len(pending) > 0 {
				pending = s.flush(pending, min(len(pending), s.cfg.MaxBatchSize), FlushDrain)
			}
			return
		}
	}
}

// flush 送出 pending 前 n 個 item，回傳剩餘部分
func (s *Scheduler) flush(pending []WorkItem, n int, reason FlushReason) []WorkItem {
	items := make([]WorkItem, n)
	copy(items, pending[:n])
	rest := pending[n:]

	batch := Batch{
		ID:        ulid.Make().String(),
		Items:     items,
		CreatedAt: time.Now(),
		Reason:    reason,
		Attempt:   1,
	}
	s.pending.Add(-int64(n))

	s.log.Debug("batch flushed",
		"batch_id", batch.ID, "size", n, "reason", string(reason),
		"oldest_wait_ms", time.Since(items[0].EnqueuedAt).Milliseconds())
	if s.cfg.OnFlush != nil {
		s.cfg.OnFlush(batch)
	}

	// 阻塞送出即背壓
	s.out <- batch

	if len(rest) == 0 {
		return nil
	}
	return rest
}
