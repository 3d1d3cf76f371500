// ============================================================================
// PulmoScan 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理推論任務（一組 item）的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 任務的單一真實來源 (Single Source of Truth)
//   2. 任務狀態永遠由 Aggregate(items) 推導，從不單獨指定
//   3. 每個任務有自己的 mutex；manager 的 map 鎖只保護查找，
//      不同任務之間的狀態轉換互不阻塞
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ MarkDispatched() / Resolve()
//   Processing (處理中)
//      ↓ 所有 item 解決
//   Completed / PartiallyFailed / Failed
//
//   任何非終止狀態 ── Cancel() ──→ Cancelled
//   任何非終止狀態 ── ExpireOverdue() ──→ 未解決 item 以 timeout 失敗
//
// Item 狀態轉換:
//   Pending → Processing → Succeeded / Failed
//   Pending / Processing → Cancelled (任務取消)
//
// 終止狀態不可變:
//   - 終止任務收到結果 → ErrJobTerminal，狀態不變；除了因取消或逾時而關閉的 item，
//     其餘都記錄為 anomaly
//   - 已解決 item 再收到結果 → ErrItemResolved，記錄 anomaly，狀態不變
//
// 持久化:
//   每次狀態轉換（建立、派發、解決、取消、逾時）都在任務鎖內呼叫 Sink.Save，
//   保證同一任務的保存順序與轉換順序一致。Save 失敗只記錄錯誤。
//
// 記憶體回收:
//   Evict() 只移除「已終止且沒有尚未回報的派發 item」的任務。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrEmptyJob 提交的任務沒有任何 item
	ErrEmptyJob = errors.New("job has no items")
	// ErrJobTerminal 任務已經是終止狀態
	ErrJobTerminal = errors.New("job already terminal")
	// ErrItemResolved item 已經解決
	ErrItemResolved = errors.New("item already resolved")
	// ErrItemIndex item 索引超出範圍
	ErrItemIndex = errors.New("item index out of range")
	// ErrNotDispatchable item 不在 pending 狀態，不能派發
	ErrNotDispatchable = errors.New("item not pending")
	// ErrItemLimit 未解決 item 數將超過 WithItemLimit 設定的上限
	ErrItemLimit = errors.New("unresolved item limit reached")
)

// Anomaly 種類，透過 Hooks.OnAnomaly 回報
const (
	AnomalyLateResult      = "late_result"
	AnomalyDuplicateResult = "duplicate_result"
)

// Outcome 一個 item 的解決結果
type Outcome struct {
	Label       string
	Confidence  float64
	FromCache   bool   // 沒有為這個 item 觸發任何計算
	Fingerprint string // 非空時寫入 item（快取命中時 item 沒有經過 MarkDispatched）
	Err         error  // nil 代表成功

	// 執行資訊，只有經過 worker 的 item 才有
	ProcessingTime time.Duration
	BatchID        string
	Attempts       int
}

// Hooks 讓 engine 接上 metrics 與任務 context 的取消，全部可為 nil。
// 在任務鎖外呼叫。
type Hooks struct {
	OnTerminal func(job types.JobSnapshot)
	OnItem     func(item types.ItemResult)
	OnAnomaly  func(kind string)
}

// Stats 任務統計
type Stats struct {
	Jobs            int                     `json:"jobs"`
	ByStatus        map[types.JobStatus]int `json:"by_status"`
	UnresolvedItems int64                   `json:"unresolved_items"`
	Outstanding     int                     `json:"outstanding_items"`
}

// Manager 代表任務管理器
type Manager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*jobEntry

	sink        Sink
	saveTimeout time.Duration
	hooks       Hooks
	now         func() time.Time
	log         *slog.Logger

	unresolved atomic.Int64 // 所有任務中尚未解決的 item 總數
	itemLimit  int64        // 0 代表不限制
}

// jobEntry 單一任務的記憶體狀態
type jobEntry struct {
	mu          sync.Mutex
	job         types.JobSnapshot
	done        chan struct{}
	outstanding map[int]bool // 已派發但 worker 尚未回報的 item
}

// Option 設定 Manager
type Option func(*Manager)

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger 替換 logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithHooks 設定回呼
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithSaveTimeout 每次 Sink.Save 的逾時
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithItemLimit 限制所有任務中未解決 item 的總數，Create 超過時回傳 ErrItemLimit
func WithItemLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.itemLimit = int64(n)
		}
	}
}

// New 建立任務管理器；sink 為 nil 時使用 MemorySink
func New(sink Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = NewMemorySink()
	}
	m := &Manager{
		jobs:        make(map[types.JobID]*jobEntry),
		sink:        sink,
		saveTimeout: 5 * time.Second,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sink 返回持久化層
func (m *Manager) Sink() Sink { return m.sink }

// ============================================================================
// 狀態轉換
// ============================================================================

// Create 建立新任務，所有 item 為 Pending。timeout > 0 時設定截止時間。
func (m *Manager) Create(refs []string, timeout time.Duration) (types.JobSnapshot, error) {
	if len(refs) == 0 {
		return types.JobSnapshot{}, ErrEmptyJob
	}
	if err := m.admit(int64(len(refs))); err != nil {
		return types.JobSnapshot{}, err
	}

	now := m.now().UnixMilli()
	job := types.JobSnapshot{
		ID:        types.JobID(uuid.NewString()),
		Items:     make([]types.ItemResult, len(refs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, ref := range refs {
		job.Items[i] = types.ItemResult{Index: i, SourceRef: ref, Status: types.ItemPending, UpdatedAt: now}
	}
	if timeout > 0 {
		d := m.now().Add(timeout).UnixMilli()
		job.Deadline = &d
	}
	recount(&job)

	e := &jobEntry{job: job, done: make(chan struct{}), outstanding: make(map[int]bool)}

	m.mu.Lock()
	m.jobs[job.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.save(e)
	snap := e.job.Clone()
	e.mu.Unlock()

	m.log.Debug("job created", "job_id", job.ID, "items", len(refs), "timeout", timeout)
	return snap, nil
}

// admit 在 unresolved 上佔住 n 個名額；檢查與增加是同一個 CAS，
// 並發的 Create 不會一起超過上限
func (m *Manager) admit(n int64) error {
	for {
		cur := m.unresolved.Load()
		if m.itemLimit > 0 && cur+n > m.itemLimit {
			return fmt.Errorf("%w: %d unresolved, %d requested, limit %d", ErrItemLimit, cur, n, m.itemLimit)
		}
		if m.unresolved.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// MarkDispatched 將 item 標記為處理中：已送往排程器或正在等待同指紋的計算
func (m *Manager) MarkDispatched(id types.JobID, idx int, fp string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, e.job.Status)
	}
	if idx < 0 || idx >= len(e.job.Items) {
		return fmt.Errorf("%w: %d", ErrItemIndex, idx)
	}

	it := &e.job.Items[idx]
	switch it.Status {
	case types.ItemPending:
	case types.ItemProcessing, types.ItemSucceeded, types.ItemFailed, types.ItemCancelled:
		return fmt.Errorf("%w: item %d is %s", ErrNotDispatchable, idx, it.Status)
	default:
		return fmt.Errorf("%w: item %d has unknown status %q", ErrNotDispatchable, idx, it.Status)
	}

	it.Status = types.ItemProcessing
	it.Fingerprint = fp
	it.UpdatedAt = m.now().UnixMilli()
	e.outstanding[idx] = true
	m.touch(e)
	m.save(e)
	return nil
}

// Resolve 記錄 item 的最終結果。
// 終止任務或已解決 item 收到的結果會被丟棄並記錄為 anomaly。
func (m *Manager) Resolve(id types.JobID, idx int, out Outcome) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if idx < 0 || idx >= len(e.job.Items) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrItemIndex, idx)
	}
	delete(e.outstanding, idx)

	if e.job.Status.Terminal() {
		status := e.job.Status
		expected := discardedByJob(e.job.Items[idx])
		e.mu.Unlock()
		if expected {
			// 取消或逾時前已派發的批次，結果照常丟棄
			m.log.Debug("discarding result for closed item", "job_id", id, "item", idx, "status", status)
		} else {
			m.anomaly(AnomalyLateResult, id, idx, out)
		}
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, status)
	}

	it := &e.job.Items[idx]
	switch it.Status {
	case types.ItemPending, types.ItemProcessing:
	case types.ItemSucceeded, types.ItemFailed, types.ItemCancelled:
		e.mu.Unlock()
		m.anomaly(AnomalyDuplicateResult, id, idx, out)
		return fmt.Errorf("%w: %s[%d]", ErrItemResolved, id, idx)
	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: item %d has unknown status %q", ErrItemResolved, idx, it.Status)
	}

	now := m.now().UnixMilli()
	if out.Fingerprint != "" {
		it.Fingerprint = out.Fingerprint
	}
	it.ProcessingTimeMS = out.ProcessingTime.Milliseconds()
	it.BatchID = out.BatchID
	it.Attempts = out.Attempts
	if out.Err != nil {
		it.Status = types.ItemFailed
		it.ErrorKind = errdefs.KindOf(out.Err)
		it.Error = out.Err.Error()
	} else {
		it.Status = types.ItemSucceeded
		it.Label = out.Label
		it.Confidence = out.Confidence
		it.FromCache = out.FromCache
	}
	it.UpdatedAt = now
	item := *it
	m.unresolved.Add(-1)

	terminal := m.touch(e)
	m.save(e)
	snap := e.job.Clone()
	e.mu.Unlock()

	if m.hooks.OnItem != nil {
		m.hooks.OnItem(item)
	}
	if terminal {
		m.finished(snap)
	}
	return nil
}

// Release 清除 item 的派發標記但不解決它。
// 等待其他任務計算結果的 item 在自己的任務結束後放棄等待時使用。
func (m *Manager) Release(id types.JobID, idx int) {
	e, err := m.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.outstanding, idx)
	e.mu.Unlock()
}

// discardedByJob item 是否因任務取消或逾時而被關閉
func discardedByJob(it types.ItemResult) bool {
	switch it.ErrorKind {
	case types.KindCancelled, types.KindTimeout:
		return true
	case types.KindNone, types.KindCorruptInput, types.KindModelInference, types.KindTransientIO,
		types.KindNotFound, types.KindInternal:
		return false
	default:
		return false
	}
}

// Cancel 取消任務：未解決的 item 標記為 Cancelled。
// 已派發的批次不受影響，它們的結果之後到達時會被丟棄。
func (m *Manager) Cancel(id types.JobID) (types.JobSnapshot, error) {
	e, err := m.entry(id)
	if err != nil {
		return types.JobSnapshot{}, err
	}

	e.mu.Lock()
	if e.job.Status.Terminal() {
		snap := e.job.Clone()
		e.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, snap.Status)
	}

	n := m.resolveUnresolved(e, types.ItemCancelled, types.KindCancelled, errdefs.ErrCancelled)
	terminal := m.touch(e)
	m.save(e)
	snap := e.job.Clone()
	e.mu.Unlock()

	m.log.Info("job cancelled", "job_id", id, "cancelled_items", n)
	if terminal {
		m.finished(snap)
	}
	return snap, nil
}

// ExpireOverdue 將超過截止時間的任務中未解決的 item 以 timeout 失敗
func (m *Manager) ExpireOverdue(now time.Time) []types.JobID {
	nowMs := now.UnixMilli()

	var expired []types.JobID
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.job.Status.Terminal() || e.job.Deadline == nil || *e.job.Deadline > nowMs {
			e.mu.Unlock()
			continue
		}

		n := m.resolveUnresolved(e, types.ItemFailed, types.KindTimeout, errdefs.ErrTimeout)
		terminal := m.touch(e)
		m.save(e)
		snap := e.job.Clone()
		e.mu.Unlock()

		m.log.Warn("job deadline exceeded", "job_id", snap.ID, "timed_out_items", n, "status", snap.Status)
		expired = append(expired, snap.ID)
		if terminal {
			m.finished(snap)
		}
	}
	return expired
}

// resolveUnresolved 將所有未解決 item 設為指定狀態，回傳數量。需持有 e.mu。
func (m *Manager) resolveUnresolved(e *jobEntry, status types.ItemStatus, kind types.ErrorKind, cause error) int {
	now := m.now().UnixMilli()
	n := 0
	for i := range e.job.Items {
		it := &e.job.Items[i]
		if it.Status.Terminal() {
			continue
		}
		it.Status = status
		it.ErrorKind = kind
		it.Error = cause.Error()
		it.UpdatedAt = now
		n++
	}
	m.unresolved.Add(-int64(n))
	return n
}

// touch 重新計算統計並更新時間戳，回傳任務是否剛進入終止狀態。需持有 e.mu。
func (m *Manager) touch(e *jobEntry) bool {
	was := e.job.Status
	recount(&e.job)
	e.job.UpdatedAt = m.now().UnixMilli()
	if !was.Terminal() && e.job.Status.Terminal() {
		close(e.done)
		return true
	}
	return false
}

func (m *Manager) save(e *jobEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()
	if err := m.sink.Save(ctx, e.job.Clone()); err != nil {
		m.log.Error("failed to persist job", "job_id", e.job.ID, "status", e.job.Status, "error", err)
	}
}

func (m *Manager) finished(snap types.JobSnapshot) {
	m.log.Info("job finished",
		"job_id", snap.ID,
		"status", snap.Status,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"cached", snap.Cached,
		"duration_ms", snap.UpdatedAt-snap.CreatedAt)
	if m.hooks.OnTerminal != nil {
		m.hooks.OnTerminal(snap)
	}
}

func (m *Manager) anomaly(kind string, id types.JobID, idx int, out Outcome) {
	m.log.Warn("result discarded",
		"anomaly", kind, "job_id", id, "item", idx,
		"label", out.Label, "error", out.Err)
	if m.hooks.OnAnomaly != nil {
		m.hooks.OnAnomaly(kind)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// entries 複製目前的任務列表；之後逐一取任務鎖時不持有 map 鎖，
// 正在寫入 Sink 的任務不會擋住 Create
func (m *Manager) entries() []*jobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e)
	}
	return out
}

func (m *Manager) entry(id types.JobID) (*jobEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return e, nil
}

// Get 返回任務快照；不在記憶體中時從 Sink 載入
func (m *Manager) Get(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	if e, err := m.entry(id); err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.Clone(), nil
	}

	job, err := m.sink.Load(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrJobNotFound) {
			return types.JobSnapshot{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
		}
		return types.JobSnapshot{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// Wait 阻塞直到任務進入終止狀態或 ctx 結束
func (m *Manager) Wait(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	e, err := m.entry(id)
	if err != nil {
		// 已移出記憶體的任務一定是終止狀態
		return m.Get(ctx, id)
	}

	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.Clone(), nil
	case <-ctx.Done():
		return types.JobSnapshot{}, ctx.Err()
	}
}

// Evict 移除終止超過 olderThan 且沒有待回報派發 item 的任務，回傳移除數量
func (m *Manager) Evict(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan).UnixMilli()

	var evictable []*jobEntry
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.job.Status.Terminal() && len(e.outstanding) == 0 && e.job.UpdatedAt <= cutoff {
			evictable = append(evictable, e)
		}
		e.mu.Unlock()
	}

	// 終止任務不會再變回非終止，只需確認 map 裡還是同一個 entry
	n := 0
	m.mu.Lock()
	for _, e := range evictable {
		if m.jobs[e.job.ID] == e {
			delete(m.jobs, e.job.ID)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.log.Debug("evicted terminal jobs", "count", n)
	}
	return n
}

// Active 非終止任務數
func (m *Manager) Active() int {
	n := 0
	for _, e := range m.entries() {
		e.mu.Lock()
		if !e.job.Status.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// UnresolvedItems 所有任務中尚未解決的 item 數，用於准入控制
func (m *Manager) UnresolvedItems() int64 { return m.unresolved.Load() }

// Stats 返回統計
func (m *Manager) Stats() Stats {
	entries := m.entries()
	st := Stats{
		Jobs:            len(entries),
		ByStatus:        make(map[types.JobStatus]int),
		UnresolvedItems: m.unresolved.Load(),
	}
	for _, e := range entries {
		e.mu.Lock()
		st.ByStatus[e.job.Status]++
		st.Outstanding += len(e.outstanding)
		e.mu.Unlock()
	}
	return st
}

// ============================================================================
// 恢復
// ============================================================================

// RecoverInterrupted 處理上一個行程留下的非終止任務：
// 原始內容已不在記憶體中，未解決 item 以 internal 錯誤失敗並寫回 Sink。
// 回傳處理的任務數。
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	lister, ok := m.sink.(Lister)
	if !ok {
		return 0, nil
	}
	jobs, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted jobs: %w", err)
	}

	interrupted := errors.New("interrupted by restart")
	n := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		now := m.now().UnixMilli()
		for i := range job.Items {
			it := &job.Items[i]
			if it.Status.Terminal() {
				continue
			}
			it.Status = types.ItemFailed
			it.ErrorKind = types.KindInternal
			it.Error = interrupted.Error()
			it.UpdatedAt = now
		}
		recount(&job)
		job.UpdatedAt = now
		if err := m.sink.Save(ctx, job); err != nil {
			return n, fmt.Errorf("save recovered job %s: %w", job.ID, err)
		}
		m.log.Warn("recovered interrupted job", "job_id", job.ID, "status", job.Status)
		n++
	}
	return n, nil
}
