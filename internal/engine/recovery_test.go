package engine

// ============================================================================
// Restart & Throughput Tests
// Purpose: jobs interrupted by a crash are closed on the next start, cached
// results outlive the process, and the pipeline sustains batched throughput
// ============================================================================

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/storage/wal"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

func TestRestartFailsInterruptedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	ctx := context.Background()

	// 模擬崩潰：任務停在處理中就沒有後續記錄
	j, err := wal.OpenJournal(path, wal.JournalOptions{})
	require.NoError(t, err)
	crashed := types.JobSnapshot{
		ID:     "crashed-job",
		Status: types.JobProcessing,
		Items: []types.ItemResult{
			{Index: 0, SourceRef: "scan-00.png", Status: types.ItemSucceeded, Label: "Normal", Confidence: 0.9},
			{Index: 1, SourceRef: "scan-01.png", Status: types.ItemProcessing},
		},
		Total: 2, Succeeded: 1,
	}
	require.NoError(t, j.Save(ctx, crashed))
	require.NoError(t, j.Close())

	j, err = wal.OpenJournal(path, wal.JournalOptions{})
	require.NoError(t, err)
	defer j.Close()

	e, err := New(testConfig(), Deps{
		Executor: &fakeExec{},
		Content:  &memProvider{data: scans(2)},
		Sink:     j,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop(ctx)

	got, err := e.Get(ctx, "crashed-job")
	require.NoError(t, err)
	assert.Equal(t, types.JobPartiallyFailed, got.Status)
	assert.Equal(t, types.ItemSucceeded, got.Items[0].Status, "resolved items are kept")
	assert.Equal(t, types.ItemFailed, got.Items[1].Status)
	assert.Equal(t, types.KindInternal, got.Items[1].ErrorKind)

	// 恢復後的任務可以正常匯出
	var buf bytes.Buffer
	require.NoError(t, e.Export(ctx, "crashed-job", &buf))
	assert.Contains(t, buf.String(), "scan-01.png")
}

func TestCachedResultsSurviveRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	refs := refsOf(4)

	run := func() (*fakeExec, types.JobSnapshot) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store := cache.NewRedisStore(client, cache.DefaultKeyPrefix)
		defer store.Close()

		exec := &fakeExec{}
		h := newHarness(t, cfg, exec, &memProvider{data: scans(4)}, store)
		require.NoError(t, h.engine.Start())

		id, err := h.engine.Submit(context.Background(), refs)
		require.NoError(t, err)
		job := waitJob(t, h.engine, id)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.engine.Stop(ctx))
		return exec, job
	}

	firstExec, first := run()
	require.Equal(t, types.JobCompleted, first.Status)
	assert.Equal(t, int32(4), firstExec.inputs.Load())
	assert.Zero(t, first.Cached)

	secondExec, second := run()
	require.Equal(t, types.JobCompleted, second.Status)
	assert.Zero(t, secondExec.calls.Load(), "a restarted engine reuses results from the shared cache")
	assert.Equal(t, 4, second.Cached)
	for i := range refs {
		assert.Equal(t, first.Items[i].Label, second.Items[i].Label)
		assert.True(t, second.Items[i].FromCache)
	}
}

// ============================================================================
// Throughput
// ============================================================================

// TestSystemThroughput 提交 50 個任務共 500 個不同 item，確認全部完成且有實際組批
func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("throughput test skipped in -short mode")
	}

	const jobs, perJob = 50, 10
	data := make(map[string][]byte, jobs*perJob)
	refs := make([][]string, jobs)
	for j := 0; j < jobs; j++ {
		for i := 0; i < perJob; i++ {
			ref := fmt.Sprintf("job-%02d/scan-%02d.png", j, i)
			data[ref] = []byte(ref)
			refs[j] = append(refs[j], ref)
		}
	}

	cfg := testConfig()
	cfg.Workers = 4
	cfg.MaxBatchSize = 32
	cfg.MaxWait = 5 * time.Millisecond
	exec := &fakeExec{delay: 5 * time.Millisecond}
	h := startHarness(t, cfg, exec, &memProvider{data: data}, nil)

	start := time.Now()
	ids := make([]types.JobID, jobs)
	for j := range refs {
		id, err := h.engine.Submit(context.Background(), refs[j])
		require.NoError(t, err)
		ids[j] = id
	}
	for _, id := range ids {
		job := waitJob(t, h.engine, id)
		require.Equal(t, types.JobCompleted, job.Status)
	}
	elapsed := time.Since(start)

	sizes := exec.batchSizes()
	total := 0
	for _, n := range sizes {
		total += n
	}
	assert.Equal(t, jobs*perJob, total, "every distinct item is computed exactly once")

	mean := float64(total) / float64(len(sizes))
	t.Logf("items=%d batches=%d mean_batch=%.1f elapsed=%v throughput=%.0f items/s",
		total, len(sizes), mean, elapsed, float64(total)/elapsed.Seconds())
	assert.Greater(t, mean, 1.0, "items should be batched together")
}

func BenchmarkEngineThroughput(b *testing.B) {
	cfg := testConfig()
	cfg.Workers = 8
	cfg.MaxBatchSize = 32
	cfg.MaxWait = 2 * time.Millisecond
	cfg.MaxActiveItems = 0

	const perJob = 100
	prov := &memProvider{data: make(map[string][]byte, b.N*perJob)}
	refs := make([][]string, b.N)
	for n := 0; n < b.N; n++ {
		for i := 0; i < perJob; i++ {
			ref := fmt.Sprintf("bench-%d-%d", n, i)
			prov.data[ref] = []byte(ref)
			refs[n] = append(refs[n], ref)
		}
	}
	h := startHarness(b, cfg, &fakeExec{}, prov, nil)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		id, err := h.engine.Submit(context.Background(), refs[n])
		require.NoError(b, err)
		waitJob(b, h.engine, id)
	}
	b.StopTimer()
	b.ReportMetric(float64(b.N*perJob)/b.Elapsed().Seconds(), "items/s")
}
