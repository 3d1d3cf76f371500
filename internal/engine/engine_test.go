package engine

// ============================================================================
// Engine Integration Test File
// Purpose: End-to-end pipeline behaviour: caching, dedup, batching, failure
// isolation, cancellation, timeout, admission control and shutdown
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/internal/metrics"
	"github.com/ChuLiYu/pulmoscan/internal/retry"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// memProvider 以 map 提供原始內容；block 非 nil 時 Fetch 等待它關閉
type memProvider struct {
	data    map[string][]byte
	block   chan struct{}
	fetches atomic.Int32
}

func (p *memProvider) Fetch(ctx context.Context, ref string) ([]byte, error) {
	p.fetches.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b, ok := p.data[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, ref)
	}
	return b, nil
}

// fakeExec 依內容決定分類；"bad" 開頭的內容回報單一 item 錯誤
type fakeExec struct {
	gate  chan struct{} // 非 nil 時 Predict 等待它關閉
	delay time.Duration

	calls  atomic.Int32
	inputs atomic.Int32

	mu    sync.Mutex
	sizes []int
}

func (f *fakeExec) Name() string { return "fake" }

func (f *fakeExec) Predict(ctx context.Context, inputs [][]byte) ([]executor.Prediction, error) {
	f.calls.Add(1)
	f.inputs.Add(int32(len(inputs)))
	f.mu.Lock()
	f.sizes = append(f.sizes, len(inputs))
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	out := make([]executor.Prediction, len(inputs))
	for i, in := range inputs {
		if bytes.HasPrefix(in, []byte("bad")) {
			out[i] = executor.Prediction{Err: errdefs.Corrupt("cannot decode image", nil)}
			continue
		}
		sum := 0
		for _, b := range in {
			sum += int(b)
		}
		out[i] = executor.Prediction{Label: executor.Classes[sum%len(executor.Classes)], Confidence: 0.9}
	}
	return out, nil
}

func (f *fakeExec) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.MaxBatchSize = 8
	cfg.MaxWait = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.ExecTimeout = 5 * time.Second
	cfg.FetchRetry = fastRetry(2)
	cfg.ExecRetry = fastRetry(2)
	return cfg
}

func scans(n int) map[string][]byte {
	data := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		data[fmt.Sprintf("scan-%02d.png", i)] = []byte(fmt.Sprintf("pixels-%02d", i))
	}
	return data
}

func refsOf(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("scan-%02d.png", i)
	}
	return out
}

type harness struct {
	engine *Engine
	cache  *cache.Cache
	exec   *fakeExec
	prov   *memProvider
	reg    *prometheus.Registry
}

func newHarness(t testing.TB, cfg Config, exec *fakeExec, prov *memProvider, store cache.Store) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if store == nil {
		mem, err := cache.NewMemoryStore(1024, 4)
		require.NoError(t, err)
		store = mem
	}
	c := cache.New(store, cache.Config{Shards: 8}, logger)
	reg := prometheus.NewRegistry()

	e, err := New(cfg, Deps{
		Executor: exec,
		Content:  prov,
		Cache:    c,
		Metrics:  metrics.NewCollector(reg),
		Logger:   logger,
	})
	require.NoError(t, err)
	return &harness{engine: e, cache: c, exec: exec, prov: prov, reg: reg}
}

func startHarness(t testing.TB, cfg Config, exec *fakeExec, prov *memProvider, store cache.Store) *harness {
	t.Helper()
	h := newHarness(t, cfg, exec, prov, store)
	require.NoError(t, h.engine.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
	})
	return h
}

func waitJob(t testing.TB, e *Engine, id types.JobID) types.JobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

// counter 從 registry 讀取 counter 值，labels 必須完全符合
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), Deps{Content: &memProvider{}})
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{Executor: &fakeExec{}})
	assert.Error(t, err)
}

func TestSubmitLifecycleErrors(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeExec{}, &memProvider{data: scans(1)}, nil)
	e := h.engine
	ctx := context.Background()

	_, err := e.Submit(ctx, refsOf(1))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, e.Stop(ctx), ErrNotStarted)

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)
	assert.True(t, e.Running())

	_, err = e.Submit(ctx, nil)
	assert.Error(t, err)

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.Running())

	_, err = e.Submit(ctx, refsOf(1))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopDrainsSubmittedJobs(t *testing.T) {
	exec := &fakeExec{delay: 10 * time.Millisecond}
	h := newHarness(t, testConfig(), exec, &memProvider{data: scans(12)}, nil)
	e := h.engine
	require.NoError(t, e.Start())

	var ids []types.JobID
	for i := 0; i < 4; i++ {
		id, err := e.Submit(context.Background(), refsOf(12)[i*3:i*3+3])
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	for _, id := range ids {
		job, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.JobCompleted, job.Status, "job %s", id)
	}
	assert.Equal(t, int32(12), exec.inputs.Load())
}

func TestHardStopCancelsUnfetchedItems(t *testing.T) {
	prov := &memProvider{data: scans(2), block: make(chan struct{})}
	h := newHarness(t, testConfig(), &fakeExec{}, prov, nil)
	e := h.engine
	require.NoError(t, e.Start())

	id, err := e.Submit(context.Background(), refsOf(2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return prov.fetches.Load() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Stop(ctx), context.DeadlineExceeded)

	job, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	for _, it := range job.Items {
		assert.Equal(t, types.KindCancelled, it.ErrorKind)
	}
}

// ============================================================================
// Pipeline properties
// ============================================================================

func TestDeterminismAndCacheReuse(t *testing.T) {
	exec := &fakeExec{}
	h := startHarness(t, testConfig(), exec, &memProvider{data: scans(3)}, nil)
	e := h.engine

	first, err := e.Submit(context.Background(), refsOf(3))
	require.NoError(t, err)
	a := waitJob(t, e, first)
	require.Equal(t, types.JobCompleted, a.Status)
	assert.Equal(t, 0, a.Cached)

	second, err := e.Submit(context.Background(), refsOf(3))
	require.NoError(t, err)
	b := waitJob(t, e, second)
	require.Equal(t, types.JobCompleted, b.Status)

	for i := range a.Items {
		assert.Equal(t, a.Items[i].Label, b.Items[i].Label)
		assert.Equal(t, a.Items[i].Confidence, b.Items[i].Confidence)
		assert.Equal(t, a.Items[i].Fingerprint, b.Items[i].Fingerprint)
		assert.True(t, b.Items[i].FromCache)
	}
	assert.Equal(t, 3, b.Cached)
	assert.InDelta(t, 1.0, b.CacheHitRate, 1e-9)
	assert.Equal(t, int32(3), exec.inputs.Load(), "second job must not reach the executor")

	assert.Equal(t, float64(3), counter(t, h.reg, "pulmoscan_cache_lookups_total", map[string]string{"result": "hit"}))
	assert.Equal(t, float64(2), counter(t, h.reg, "pulmoscan_jobs_terminal_total", map[string]string{"status": "completed"}))
}

func TestItemProvenance(t *testing.T) {
	exec := &fakeExec{delay: 20 * time.Millisecond}
	h := startHarness(t, testConfig(), exec, &memProvider{data: scans(2)}, nil)
	e := h.engine

	id, err := e.Submit(context.Background(), refsOf(2))
	require.NoError(t, err)
	computed := waitJob(t, e, id)
	require.Equal(t, types.JobCompleted, computed.Status)
	for _, it := range computed.Items {
		assert.GreaterOrEqual(t, it.ProcessingTimeMS, int64(20), "item %d", it.Index)
		assert.NotEmpty(t, it.BatchID)
		assert.Equal(t, 1, it.Attempts)
	}

	id, err = e.Submit(context.Background(), refsOf(2))
	require.NoError(t, err)
	cached := waitJob(t, e, id)
	for _, it := range cached.Items {
		assert.True(t, it.FromCache)
		assert.Zero(t, it.ProcessingTimeMS, "cache hits cost no processing time")
		assert.Empty(t, it.BatchID)
		assert.Zero(t, it.Attempts)
	}
}

func TestDedupUnderConcurrency(t *testing.T) {
	exec := &fakeExec{delay: 30 * time.Millisecond}
	prov := &memProvider{data: map[string][]byte{"same.png": []byte("identical pixels")}}
	h := startHarness(t, testConfig(), exec, prov, nil)
	e := h.engine

	const jobs = 10
	ids := make([]types.JobID, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := e.Submit(context.Background(), []string{"same.png", "same.png"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	label := ""
	cached := 0
	for _, id := range ids {
		job := waitJob(t, e, id)
		require.Equal(t, types.JobCompleted, job.Status)
		for _, it := range job.Items {
			if label == "" {
				label = it.Label
			}
			assert.Equal(t, label, it.Label)
		}
		cached += job.Cached
	}

	assert.Equal(t, int32(1), exec.inputs.Load(), "identical content must be computed once")
	assert.Equal(t, 2*jobs-1, cached)
	assert.Equal(t, 0, h.cache.InFlight())
}

func TestBatchBounds(t *testing.T) {
	exec := &fakeExec{}
	cfg := testConfig()
	cfg.MaxBatchSize = 8
	cfg.MaxWait = 50 * time.Millisecond
	h := startHarness(t, cfg, exec, &memProvider{data: scans(20)}, nil)

	id, err := h.engine.Submit(context.Background(), refsOf(20))
	require.NoError(t, err)
	job := waitJob(t, h.engine, id)
	require.Equal(t, types.JobCompleted, job.Status)

	sizes := exec.batchSizes()
	assert.GreaterOrEqual(t, len(sizes), 3)
	total := 0
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 8)
		total += n
	}
	assert.Equal(t, 20, total)
}

func TestSingleItemFlushedByTimeout(t *testing.T) {
	exec := &fakeExec{}
	cfg := testConfig()
	cfg.MaxBatchSize = 32
	cfg.MaxWait = 50 * time.Millisecond
	h := startHarness(t, cfg, exec, &memProvider{data: scans(1)}, nil)

	start := time.Now()
	id, err := h.engine.SubmitOne(context.Background(), "scan-00.png")
	require.NoError(t, err)
	job := waitJob(t, h.engine, id)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []int{1}, exec.batchSizes())
	assert.Equal(t, float64(1), counter(t, h.reg, "pulmoscan_batches_total", map[string]string{"reason": "timeout"}))
}

func TestPartialFailureIsolation(t *testing.T) {
	prov := &memProvider{data: map[string][]byte{
		"good-1.png":  []byte("good one"),
		"corrupt.png": []byte("bad bytes"),
		"good-2.png":  []byte("good two"),
	}}
	h := startHarness(t, testConfig(), &fakeExec{}, prov, nil)

	id, err := h.engine.Submit(context.Background(), []string{"good-1.png", "corrupt.png", "missing.png", "good-2.png"})
	require.NoError(t, err)
	job := waitJob(t, h.engine, id)

	assert.Equal(t, types.JobPartiallyFailed, job.Status)
	assert.Equal(t, 2, job.Succeeded)
	assert.Equal(t, 2, job.Failed)
	assert.Equal(t, types.ItemSucceeded, job.Items[0].Status)
	assert.Equal(t, types.KindCorruptInput, job.Items[1].ErrorKind)
	assert.Equal(t, types.KindNotFound, job.Items[2].ErrorKind)
	assert.Equal(t, types.ItemSucceeded, job.Items[3].Status)

	// 失敗的結果不會寫入快取
	_, ok := h.cache.Peek(context.Background(), fingerprint.Of([]byte("bad bytes")))
	assert.False(t, ok)
}

func TestCacheBypassStillCompletes(t *testing.T) {
	exec := &fakeExec{}
	h := startHarness(t, testConfig(), exec, &memProvider{data: scans(3)}, cache.DisabledStore{})

	for round := 0; round < 2; round++ {
		id, err := h.engine.Submit(context.Background(), refsOf(3))
		require.NoError(t, err)
		job := waitJob(t, h.engine, id)
		assert.Equal(t, types.JobCompleted, job.Status)
		assert.Equal(t, 0, job.Cached)
	}

	assert.Equal(t, int32(6), exec.inputs.Load())
	assert.Equal(t, uint64(6), h.cache.Stats().Bypassed)
	assert.Equal(t, float64(6), counter(t, h.reg, "pulmoscan_cache_lookups_total", map[string]string{"result": "bypass"}))
}

func TestCancelledJobIsImmutableAndResultsStillCached(t *testing.T) {
	gate := make(chan struct{})
	exec := &fakeExec{gate: gate}
	prov := &memProvider{data: scans(2)}
	h := startHarness(t, testConfig(), exec, prov, nil)
	e := h.engine

	id, err := e.Submit(context.Background(), refsOf(2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.inputs.Load() == 2 }, time.Second, 5*time.Millisecond)

	snap, err := e.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, snap.Status)

	close(gate)
	for _, data := range prov.data {
		fp := fingerprint.Of(data)
		require.Eventually(t, func() bool {
			_, ok := h.cache.Peek(context.Background(), fp)
			return ok
		}, time.Second, 5*time.Millisecond)
	}

	got, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
	assert.Equal(t, snap.Items, got.Items)

	_, err = e.Cancel(id)
	assert.Error(t, err)
	assert.Zero(t, counter(t, h.reg, "pulmoscan_anomalies_total", map[string]string{"kind": "late_result"}))
}

func TestJobTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := startHarness(t, testConfig(), &fakeExec{gate: gate}, &memProvider{data: scans(1)}, nil)

	id, err := h.engine.SubmitOne(context.Background(), "scan-00.png", WithJobTimeout(50*time.Millisecond))
	require.NoError(t, err)
	job := waitJob(t, h.engine, id)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, types.KindTimeout, job.Items[0].ErrorKind)
	require.NotNil(t, job.Deadline)
}

func TestAdmissionControl(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	cfg := testConfig()
	cfg.MaxActiveItems = 2
	h := startHarness(t, cfg, &fakeExec{gate: gate}, &memProvider{data: scans(3)}, nil)
	e := h.engine

	first, err := e.Submit(context.Background(), refsOf(2))
	require.NoError(t, err)

	_, err = e.SubmitOne(context.Background(), "scan-02.png")
	assert.ErrorIs(t, err, ErrOverloaded)

	_, err = e.Cancel(first)
	require.NoError(t, err)

	_, err = e.SubmitOne(context.Background(), "scan-02.png")
	assert.NoError(t, err)
}

// gatedSink 第一次 Save 阻塞到 gate 關閉，模擬慢速的持久化
type gatedSink struct {
	*jobmanager.MemorySink
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedSink) Save(ctx context.Context, job types.JobSnapshot) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.MemorySink.Save(ctx, job)
}

func TestSlowSinkDoesNotBlockOtherSubmissions(t *testing.T) {
	sink := &gatedSink{MemorySink: jobmanager.NewMemorySink(), gate: make(chan struct{}), entered: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxActiveItems = 3
	e, err := New(cfg, Deps{
		Executor: &fakeExec{},
		Content:  &memProvider{data: scans(4)},
		Sink:     sink,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop(context.Background())

	type submitted struct {
		id  types.JobID
		err error
	}
	slow := make(chan submitted, 1)
	go func() {
		id, err := e.Submit(context.Background(), refsOf(2))
		slow <- submitted{id, err}
	}()
	<-sink.entered

	fast := make(chan submitted, 1)
	go func() {
		id, err := e.SubmitOne(context.Background(), "scan-02.png")
		fast <- submitted{id, err}
	}()
	var second submitted
	select {
	case second = <-fast:
		require.NoError(t, second.err)
	case <-time.After(2 * time.Second):
		t.Fatal("submission waited on another job's persistence")
	}

	// 建立中的任務也佔用准入容量
	_, err = e.Submit(context.Background(), []string{"scan-02.png", "scan-03.png"})
	assert.ErrorIs(t, err, ErrOverloaded)

	close(sink.gate)
	first := <-slow
	require.NoError(t, first.err)
	assert.Equal(t, types.JobCompleted, waitJob(t, e, first.id).Status)
	assert.Equal(t, types.JobCompleted, waitJob(t, e, second.id).Status)
}

func TestSubmitHonoursCancelledContext(t *testing.T) {
	h := startHarness(t, testConfig(), &fakeExec{}, &memProvider{data: scans(1)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Submit(ctx, refsOf(1))
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Query surface
// ============================================================================

func TestExportAndStats(t *testing.T) {
	h := startHarness(t, testConfig(), &fakeExec{}, &memProvider{data: scans(3)}, nil)
	e := h.engine

	id, err := e.Submit(context.Background(), refsOf(3))
	require.NoError(t, err)
	waitJob(t, e, id)

	var buf bytes.Buffer
	require.NoError(t, e.Export(context.Background(), id, &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, string(id), rows[1][0])
	assert.Equal(t, "scan-00.png", rows[1][2])
	assert.Equal(t, "succeeded", rows[1][5])

	_, err = e.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	st := e.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 1, st.Jobs.Jobs)
	assert.Equal(t, 1, st.Jobs.ByStatus[types.JobCompleted])
	assert.Equal(t, uint64(3), st.Cache.Misses)
	assert.Greater(t, st.UptimeSeconds, 0.0)
}

func TestExportRejectsActiveJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := startHarness(t, testConfig(), &fakeExec{gate: gate}, &memProvider{data: scans(1)}, nil)

	id, err := h.engine.SubmitOne(context.Background(), "scan-00.png")
	require.NoError(t, err)
	var buf bytes.Buffer
	assert.Error(t, h.engine.Export(context.Background(), id, &buf))
}
