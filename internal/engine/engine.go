// ============================================================================
// PulmoScan Engine - 推論任務協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 把快取、排程器、Worker Pool 與任務狀態機串成一條處理管線
//
// 處理流程（每個 item）:
//   1. fetch      - 從 content.Provider 取得原始位元組（retry.Policy 重試）
//   2. fingerprint - SHA-256
//   3. cache.Get  - 命中直接解決 item，不做任何計算
//   4. TryReserve - 同一指紋只有一個 owner 送進排程器；其他 item 等待 Future
//   5. scheduler  - 依大小或等待時間組成批次
//   6. worker     - 執行批次，結果寫入快取並回報給 Report()
//
// 背景循環:
//   1. Timeout Loop     - 逾時任務的未解決 item 標記為 timeout
//   2. Maintenance Loop - 清除過期快取、移出保留期已過的終止任務、更新 gauge
//
// 取消:
//   任務取消或逾時時，它的 context 被取消，fetch 與等待立即停止；
//   已送進排程器的 item 照常計算並寫入快取，結果到達時被任務丟棄。
//
// 關閉順序 (Stop):
//   停止接受新任務 → 等待所有 item 離開 fetch/等待階段 → 排程器 drain →
//   Worker Pool 處理完剩餘批次 → 停止背景循環
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/content"
	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/export"
	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/internal/metrics"
	"github.com/ChuLiYu/pulmoscan/internal/retry"
	"github.com/ChuLiYu/pulmoscan/internal/scheduler"
	"github.com/ChuLiYu/pulmoscan/internal/worker"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrOverloaded 未解決 item 數將超過 MaxActiveItems
	ErrOverloaded = errors.New("engine overloaded")
	// ErrStopped Engine 已停止或正在停止
	ErrStopped = errors.New("engine stopped")
	// ErrNotStarted Engine 尚未啟動
	ErrNotStarted = errors.New("engine not started")
	// ErrAlreadyStarted Start 被呼叫了兩次
	ErrAlreadyStarted = errors.New("engine already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Engine 配置
type Config struct {
	Workers          int           // Worker 數量
	MaxBatchSize     int           // 每批最多 item 數
	MaxWait          time.Duration // 批次最舊 item 最多等待時間
	QueueDepth       int           // 已組好等待 worker 的批次上限
	PendingLimit     int           // 排程器 pending pool 上限
	BlockOnFull      bool          // pending 滿時阻塞（false 則 item 以 transient 失敗）
	MaxActiveItems   int           // 准入控制：所有任務未解決 item 總數上限，<=0 不限制
	JobTimeout       time.Duration // 任務截止時間，<=0 不設定
	ExecTimeout      time.Duration // 單次 executor 呼叫逾時
	FetchConcurrency int           // 每個任務同時 fetch 的 item 數
	SweepInterval    time.Duration // 逾時與維護循環的間隔
	Retention        time.Duration // 終止任務留在記憶體的時間
	ResultTTL        time.Duration // 寫入快取的 TTL，<=0 使用快取預設
	FetchRetry       retry.Policy  // 原始內容讀取的重試策略
	ExecRetry        retry.Policy  // 批次層級失敗的重試策略
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		MaxBatchSize:     32,
		MaxWait:          50 * time.Millisecond,
		QueueDepth:       16,
		PendingLimit:     1024,
		BlockOnFull:      true,
		MaxActiveItems:   10000,
		JobTimeout:       5 * time.Minute,
		ExecTimeout:      30 * time.Second,
		FetchConcurrency: 8,
		SweepInterval:    time.Second,
		Retention:        10 * time.Minute,
		FetchRetry:       retry.DefaultPolicy(),
		ExecRetry:        retry.DefaultPolicy(),
	}
}

// Deps Engine 的外部依賴。Executor 與 Content 必填，其餘可為 nil。
type Deps struct {
	Executor executor.Executor
	Content  content.Provider
	Cache    *cache.Cache    // nil 時使用記憶體快取
	Sink     jobmanager.Sink // nil 時使用 MemorySink
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Stats Engine 統計（對應 Controller.GetStatus）
type Stats struct {
	UptimeSeconds    float64          `json:"uptime_seconds"`
	Running          bool             `json:"running"`
	Workers          int              `json:"workers"`
	BusyWorkers      int              `json:"busy_workers"`
	SchedulerPending int              `json:"scheduler_pending"`
	Jobs             jobmanager.Stats `json:"jobs"`
	Cache            cache.Stats      `json:"cache"`
}

// Engine 推論任務協調器
type Engine struct {
	cfg     Config
	exec    executor.Executor
	content content.Provider
	cache   *cache.Cache
	jobs    *jobmanager.Manager
	sched   *scheduler.Scheduler
	pool    *worker.Pool
	metrics *metrics.Collector
	log     *slog.Logger

	// rootCtx 只在強制關閉時取消；每個任務的 context 都從它衍生
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex // 保護 started/stopped、准入控制與 jobCtx
	started   bool
	stopped   bool
	jobCtx    map[types.JobID]context.CancelFunc
	startTime time.Time

	itemWg sync.WaitGroup // fetch 中或等待 Future 中的 item
	loopWg sync.WaitGroup // 背景循環
	stopCh chan struct{}
}

// SubmitOption 調整單一任務
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
}

// WithJobTimeout 覆寫這個任務的截止時間，<=0 代表不設定
func WithJobTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// ============================================================================
// 建構與啟動
// ============================================================================

// New 建立 Engine
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}
	if deps.Content == nil {
		return nil, errors.New("engine: content provider is required")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := deps.Cache
	if c == nil {
		store, err := cache.NewMemoryStore(100000, 64)
		if err != nil {
			return nil, fmt.Errorf("engine: default cache: %w", err)
		}
		c = cache.New(store, cache.Config{}, logger)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		exec:       deps.Executor,
		content:    deps.Content,
		cache:      c,
		metrics:    deps.Metrics,
		log:        logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		jobCtx:     make(map[types.JobID]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}

	c.SetHooks(cache.Hooks{
		OnLookup:   e.metrics.RecordCacheLookup,
		OnConflict: func() { e.metrics.RecordAnomaly("reservation_conflict") },
	})

	e.jobs = jobmanager.New(deps.Sink,
		jobmanager.WithLogger(logger),
		jobmanager.WithItemLimit(cfg.MaxActiveItems),
		jobmanager.WithHooks(jobmanager.Hooks{
			OnTerminal: e.onTerminal,
			OnItem:     e.onItem,
			OnAnomaly:  e.metrics.RecordAnomaly,
		}),
	)

	sched, err := scheduler.New(scheduler.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxWait,
		PendingLimit: cfg.PendingLimit,
		QueueDepth:   cfg.QueueDepth,
		BlockOnFull:  cfg.BlockOnFull,
		OnFlush: func(b scheduler.Batch) {
			e.metrics.RecordBatch(string(b.Reason), len(b.Items))
		},
		Logger: logger,
	})
	if err != nil {
		rootCancel()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.sched = sched

	e.pool = worker.NewPool(deps.Executor, c, e, worker.Config{
		Workers:     cfg.Workers,
		Retry:       cfg.ExecRetry,
		ExecTimeout: cfg.ExecTimeout,
		ResultTTL:   cfg.ResultTTL,
	}).WithMetrics(deps.Metrics).WithLogger(logger)

	return e, nil
}

// Start 啟動 Engine
//
// 流程：
//  1. 恢復階段：上一個行程留下的非終止任務標記為失敗
//  2. 啟動排程器、Worker Pool 與兩個背景循環
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	e.startTime = time.Now()

	// 1. 恢復階段
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := e.jobs.RecoverInterrupted(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		e.log.Warn("failed jobs interrupted by previous shutdown", "jobs", recovered)
	}

	// 2. 啟動管線
	e.sched.Start()
	if err := e.pool.Start(e.sched.Batches()); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.loopWg.Add(2)
	go e.timeoutLoop()
	go e.maintenanceLoop()

	e.started = true
	e.log.Info("Engine started",
		"workers", e.pool.WorkerCount(),
		"executor", e.exec.Name(),
		"max_batch_size", e.cfg.MaxBatchSize,
		"max_wait", e.cfg.MaxWait)
	return nil
}

// ============================================================================
// 任務提交
// ============================================================================

// Submit 建立任務並立即返回任務 ID，處理以非同步方式進行
func (e *Engine) Submit(ctx context.Context, refs []string, opts ...SubmitOption) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o := submitOptions{timeout: e.cfg.JobTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return "", ErrNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return "", ErrStopped
	}
	e.itemWg.Add(1)
	e.mu.Unlock()

	// Create 會呼叫 Sink.Save，在 e.mu 之外執行；准入上限由 jobmanager 原子地檢查
	job, err := e.jobs.Create(refs, o.timeout)
	if err != nil {
		e.itemWg.Done()
		if errors.Is(err, jobmanager.ErrItemLimit) {
			return "", fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return "", err
	}

	e.mu.Lock()
	jobCtx, cancel := context.WithCancel(e.rootCtx)
	e.jobCtx[job.ID] = cancel
	e.mu.Unlock()

	// 登記 context 之前任務可能已經逾時，onTerminal 那時找不到它
	if snap, err := e.jobs.Get(ctx, job.ID); err == nil && snap.Status.Terminal() {
		e.releaseJobCtx(job.ID)
	}

	e.metrics.RecordSubmitted()
	e.log.Info("job submitted", "job_id", job.ID, "items", len(refs), "timeout", o.timeout)

	go e.runJob(jobCtx, job.ID, refs)
	return job.ID, nil
}

// SubmitOne 提交只有一個 item 的任務
func (e *Engine) SubmitOne(ctx context.Context, ref string, opts ...SubmitOption) (types.JobID, error) {
	return e.Submit(ctx, []string{ref}, opts...)
}

func (e *Engine) runJob(ctx context.Context, id types.JobID, refs []string) {
	defer e.itemWg.Done()

	var g errgroup.Group
	g.SetLimit(e.cfg.FetchConcurrency)
	for idx, ref := range refs {
		g.Go(func() error {
			e.processItem(ctx, id, idx, ref)
			return nil
		})
	}
	_ = g.Wait()
}

// processItem fetch → fingerprint → 快取 → 保留 → 排程
func (e *Engine) processItem(ctx context.Context, id types.JobID, idx int, ref string) {
	if ctx.Err() != nil {
		e.abort(id, idx)
		return
	}

	data, err := e.fetch(ctx, id, idx, ref)
	if err != nil {
		if ctx.Err() != nil {
			e.abort(id, idx)
			return
		}
		e.resolve(id, idx, jobmanager.Outcome{Err: err})
		return
	}

	fp := fingerprint.Of(data)
	if entry, ok := e.cache.Get(ctx, fp); ok {
		e.resolve(id, idx, hit(fp, entry.Result))
		return
	}

	if err := e.jobs.MarkDispatched(id, idx, fp.String()); err != nil {
		// 任務在 fetch 期間被取消或逾時
		e.log.Debug("item not dispatched", "job_id", id, "item", idx, "error", err)
		return
	}

	res := e.cache.TryReserve(fp)
	if res.AlreadyComputing {
		e.itemWg.Add(1)
		go func() {
			defer e.itemWg.Done()
			e.await(ctx, id, idx, fp, res.Future)
		}()
		return
	}

	// 在 Get 與 TryReserve 之間，前一個 owner 可能剛好發布了結果
	if entry, ok := e.cache.Peek(ctx, fp); ok {
		if err := e.cache.Publish(ctx, fp, res.Token, entry.Result, entry.TTL); err != nil {
			e.log.Warn("republish failed", "fingerprint", fp.Short(), "error", err)
		}
		e.resolve(id, idx, hit(fp, entry.Result))
		return
	}

	// 使用 rootCtx：已派發的 item 不受任務取消影響
	_, err = e.sched.Submit(e.rootCtx, scheduler.WorkItem{
		JobID:       id,
		Index:       idx,
		SourceRef:   ref,
		Fingerprint: fp,
		Content:     data,
		Token:       res.Token,
	})
	if err != nil {
		var cause error
		if e.rootCtx.Err() != nil {
			cause = fmt.Errorf("%w: engine stopped", errdefs.ErrCancelled)
		} else {
			cause = errdefs.Transient("schedule", err)
		}
		_ = e.cache.Abandon(fp, res.Token, cause)
		e.resolve(id, idx, jobmanager.Outcome{Err: cause, Fingerprint: fp.String()})
	}
}

func (e *Engine) fetch(ctx context.Context, id types.JobID, idx int, ref string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, e.cfg.FetchRetry, func(ctx context.Context, attempt int) error {
		b, err := e.content.Fetch(ctx, ref)
		if err != nil {
			e.log.Debug("fetch failed", "job_id", id, "item", idx, "ref", ref, "attempt", attempt, "error", err)
			return err
		}
		data = b
		return nil
	})
	return data, err
}

// await 等待其他 item 的計算結果
func (e *Engine) await(ctx context.Context, id types.JobID, idx int, fp fingerprint.Fingerprint, fut *cache.Future) {
	res, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.jobs.Release(id, idx)
		e.abort(id, idx)
		return
	}
	if err != nil {
		e.resolve(id, idx, jobmanager.Outcome{Err: err, Fingerprint: fp.String()})
		return
	}
	// 這個 item 沒有觸發任何計算
	e.resolve(id, idx, hit(fp, res))
}

// abort 任務 context 已取消時呼叫。任務取消或逾時時 item 已經被解決，
// 只有 Engine 強制關閉時需要在這裡標記。
func (e *Engine) abort(id types.JobID, idx int) {
	if e.rootCtx.Err() == nil {
		return
	}
	e.resolve(id, idx, jobmanager.Outcome{Err: fmt.Errorf("%w: engine stopped", errdefs.ErrCancelled)})
}

func (e *Engine) resolve(id types.JobID, idx int, out jobmanager.Outcome) {
	err := e.jobs.Resolve(id, idx, out)
	switch {
	case err == nil:
	case errors.Is(err, jobmanager.ErrJobTerminal), errors.Is(err, jobmanager.ErrItemResolved):
		// jobmanager 已經記錄
	default:
		e.log.Error("failed to resolve item", "job_id", id, "item", idx, "error", err)
	}
}

func hit(fp fingerprint.Fingerprint, r cache.Result) jobmanager.Outcome {
	return jobmanager.Outcome{
		Label:       r.Label,
		Confidence:  r.Confidence,
		FromCache:   true,
		Fingerprint: fp.String(),
	}
}

// Report 實作 worker.Reporter，把批次結果交給任務狀態機
func (e *Engine) Report(item scheduler.WorkItem, out worker.Outcome) {
	e.resolve(item.JobID, item.Index, jobmanager.Outcome{
		Label:       out.Result.Label,
		Confidence:  out.Result.Confidence,
		Fingerprint: item.Fingerprint.String(),
		Err:         out.Err,

		ProcessingTime: out.Duration,
		BatchID:        out.BatchID,
		Attempts:       out.Attempts,
	})
}

// ============================================================================
// Hooks
// ============================================================================

func (e *Engine) onTerminal(job types.JobSnapshot) {
	e.metrics.RecordJobTerminal(string(job.Status))
	e.releaseJobCtx(job.ID)
}

func (e *Engine) releaseJobCtx(id types.JobID) {
	e.mu.Lock()
	cancel, ok := e.jobCtx[id]
	delete(e.jobCtx, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) onItem(item types.ItemResult) {
	source := "executor"
	switch item.Status {
	case types.ItemSucceeded:
		if item.FromCache {
			source = "cache"
		}
	case types.ItemFailed, types.ItemCancelled:
		source = "error"
	case types.ItemPending, types.ItemProcessing:
	default:
	}
	e.metrics.RecordItemResolved(string(item.Status), source)
}

// ============================================================================
// 查詢與操作
// ============================================================================

// Cancel 取消任務
func (e *Engine) Cancel(id types.JobID) (types.JobSnapshot, error) {
	return e.jobs.Cancel(id)
}

// Get 返回任務快照
func (e *Engine) Get(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	return e.jobs.Get(ctx, id)
}

// Wait 阻塞直到任務終止
func (e *Engine) Wait(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	return e.jobs.Wait(ctx, id)
}

// Export 把終止任務以 CSV 寫出
func (e *Engine) Export(ctx context.Context, id types.JobID, w io.Writer) error {
	job, err := e.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, job)
}

// Running Engine 是否正在接受任務
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// Stats 返回系統狀態
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	start, running := e.startTime, e.started && !e.stopped
	e.mu.Unlock()

	st := Stats{
		Running:          running,
		Workers:          e.pool.WorkerCount(),
		BusyWorkers:      e.pool.Busy(),
		SchedulerPending: e.sched.Pending(),
		Jobs:             e.jobs.Stats(),
		Cache:            e.cache.Stats(),
	}
	if !start.IsZero() {
		st.UptimeSeconds = time.Since(start).Seconds()
	}
	return st
}

// ============================================================================
// 背景循環
// ============================================================================

// timeoutLoop 定期把逾時任務的未解決 item 標記為 timeout
func (e *Engine) timeoutLoop() {
	defer e.loopWg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			if expired := e.jobs.ExpireOverdue(now); len(expired) > 0 {
				e.log.Warn("jobs timed out", "count", len(expired))
			}
		}
	}
}

// maintenanceLoop 清除過期快取、移出舊任務並更新 gauge
func (e *Engine) maintenanceLoop() {
	defer e.loopWg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if n := e.cache.Sweep(e.rootCtx); n > 0 {
				e.log.Debug("expired cache entries removed", "count", n)
			}
			if e.cfg.Retention > 0 {
				e.jobs.Evict(e.cfg.Retention)
			}
			e.publishGauges()
		}
	}
}

func (e *Engine) publishGauges() {
	e.metrics.UpdateEngineStats(e.jobs.Active(), e.sched.Pending(), e.cache.InFlight(), e.pool.Busy())
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉：已提交的任務處理完畢後返回。
// ctx 結束時改為強制關閉，尚未派發的 item 以 cancelled 失敗，已派發的批次仍會執行完。
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.log.Info("Stopping engine...")

	// 1. 等待 fetch 與等待中的 item
	drained := make(chan struct{})
	go func() {
		e.itemWg.Wait()
		close(drained)
	}()

	var stopErr error
	select {
	case <-drained:
	case <-ctx.Done():
		stopErr = ctx.Err()
		e.log.Warn("graceful stop interrupted, cancelling remaining items", "error", stopErr)
		e.rootCancel()
		<-drained
	}

	// 2. drain 排程器並等待 Worker 處理完
	e.sched.Stop()
	if err := e.pool.Wait(); err != nil {
		e.log.Error("worker pool wait failed", "error", err)
	}

	// 3. 停止背景循環
	close(e.stopCh)
	e.loopWg.Wait()
	e.rootCancel()
	e.publishGauges()

	st := e.jobs.Stats()
	e.log.Info("Engine stopped",
		"uptime", time.Since(e.startTime),
		"jobs", st.Jobs,
		"unresolved_items", st.UnresolvedItems)
	return stopErr
}
