// ============================================================================
// PulmoScan Worker Pool - 並發批次執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，消費排程器送出的批次
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 所有 Worker 共享排程器的 Batches() channel（阻塞等待，不輪詢）
//   3. 結果透過 Reporter 回報，快取透過 Publish/Abandon 更新
//
// 架構組件:
//   ┌─────────────┐
//   │  Scheduler  │ ──Batches()──┐
//   └─────────────┘              │
//                         ┌──────▼──────┐
//                         │    Pool     │
//                         │  Worker 1   │──→ executor
//                         │  Worker 2   │──→ cache.Publish / Abandon
//                         │  Worker N   │──→ Reporter.Report
//                         └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(batches) - 啟動 N 個 Worker
//   3. 排程器 Stop() 會關閉 batches channel
//   4. Wait() - 等待所有 Worker 處理完剩餘批次後退出
//
// 並發控制:
//   - WaitGroup: 追蹤所有 Worker
//   - Mutex: 保護 started 狀態
//   - busy: atomic 計數目前正在執行批次的 Worker 數
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/metrics"
	"github.com/ChuLiYu/pulmoscan/internal/retry"
	"github.com/ChuLiYu/pulmoscan/internal/scheduler"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Config Pool 參數
type Config struct {
	Workers     int           // Worker 數量
	Retry       retry.Policy  // 批次層級失敗的重試策略
	ExecTimeout time.Duration // 單次 executor 呼叫逾時
	ResultTTL   time.Duration // 寫入快取的 TTL，<=0 使用快取預設值
}

// Pool 代表 Worker 池
type Pool struct {
	cfg      Config
	exec     executor.Executor
	cache    *cache.Cache
	reporter Reporter
	metrics  *metrics.Collector
	log      *slog.Logger

	workers []*Worker
	wg      sync.WaitGroup
	busy    atomic.Int32
	started bool
	mu      sync.Mutex
}

// NewPool 建立 Worker Pool
func NewPool(exec executor.Executor, c *cache.Cache, reporter Reporter, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		exec:     exec,
		cache:    c,
		reporter: reporter,
		log:      slog.Default(),
	}
}

// WithMetrics attaches a metrics collector. Call before Start.
func (p *Pool) WithMetrics(m *metrics.Collector) *Pool {
	p.metrics = m
	return p
}

// WithLogger replaces the default logger. Call before Start.
func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	if l != nil {
		p.log = l
	}
	return p
}

// Start 啟動 Worker，開始消費 batches
func (p *Pool) Start(batches <-chan scheduler.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p, batches)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", "workers", p.cfg.Workers, "executor", p.exec.Name())
	return nil
}

// Wait 等待 batches channel 關閉且所有 Worker 退出
func (p *Pool) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	p.wg.Wait()
	return nil
}

// Busy 目前正在執行批次的 Worker 數
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// WorkerCount 返回 Worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
