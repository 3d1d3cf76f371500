package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

func item(job string, idx int) WorkItem {
	content := []byte(fmt.Sprintf("%s-%d", job, idx))
	return WorkItem{
		JobID:       types.JobID(job),
		Index:       idx,
		SourceRef:   string(content),
		Fingerprint: fingerprint.Of(content),
		Content:     content,
	}
}

// collect 讀取所有批次直到 channel 關閉
func collect(s *Scheduler) <-chan []Batch {
	done := make(chan []Batch, 1)
	go func() {
		var out []Batch
		for b := range s.Batches() {
			out = append(out, b)
		}
		done <- out
	}()
	return done
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{MaxBatchSize: 0, MaxWait: time.Millisecond})
	assert.Error(t, err)
	_, err = New(Config{MaxBatchSize: 1, MaxWait: 0})
	assert.Error(t, err)
}

func TestBatchSizeBound(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 8, MaxWait: time.Hour, BlockOnFull: true})
	require.NoError(t, err)
	s.Start()
	result := collect(s)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.Submit(ctx, item("job-a", i))
		require.NoError(t, err)
	}
	s.Stop()

	batches := <-result
	require.GreaterOrEqual(t, len(batches), 3)

	total := 0
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.Items), 8)
		assert.NotEmpty(t, b.ID)
		total += len(b.Items)
	}
	assert.Equal(t, 20, total)

	// 20 is not a multiple of 8, the remainder leaves on Stop
	assert.Equal(t, FlushDrain, batches[len(batches)-1].Reason)
	assert.Equal(t, 0, s.Pending())
}

func TestTimeoutFlushesSingleItem(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 8, MaxWait: 50 * time.Millisecond, BlockOnFull: true})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	start := time.Now()
	_, err = s.Submit(context.Background(), item("job-t", 0))
	require.NoError(t, err)

	select {
	case b := <-s.Batches():
		elapsed := time.Since(start)
		assert.Len(t, b.Items, 1)
		assert.Equal(t, FlushTimeout, b.Reason)
		assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("single item was never flushed")
	}
}

func TestTimeoutIsMeasuredFromOldestItem(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 100, MaxWait: 60 * time.Millisecond, BlockOnFull: true})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	start := time.Now()
	_, err = s.Submit(ctx, item("job-o", 0))
	require.NoError(t, err)

	// later arrivals must not push the deadline back
	for i := 1; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		_, err = s.Submit(ctx, item("job-o", i))
		require.NoError(t, err)
	}

	b := <-s.Batches()
	assert.Len(t, b.Items, 5)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestCrossJobBatchingPreservesArrivalOrder(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxWait: time.Hour, BlockOnFull: true})
	require.NoError(t, err)
	s.Start()
	result := collect(s)

	ctx := context.Background()
	submitted := []WorkItem{item("job-1", 0), item("job-2", 0), item("job-1", 1), item("job-3", 0)}
	for _, it := range submitted {
		_, err := s.Submit(ctx, it)
		require.NoError(t, err)
	}
	s.Stop()

	batches := <-result
	require.Len(t, batches, 1)
	b := batches[0]
	require.Len(t, b.Items, 4)
	for i, it := range b.Items {
		assert.Equal(t, submitted[i].JobID, it.JobID)
		assert.Equal(t, submitted[i].Index, it.Index)
		if i > 0 {
			assert.Greater(t, it.Seq, b.Items[i-1].Seq)
		}
	}
}

func TestRejectsWhenFull(t *testing.T) {
	// not started: nothing drains the intake, so the limit is exact
	s, err := New(Config{MaxBatchSize: 4, MaxWait: time.Second, PendingLimit: 2})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Submit(ctx, item("job", 0))
	require.NoError(t, err)
	_, err = s.Submit(ctx, item("job", 1))
	require.NoError(t, err)

	_, err = s.Submit(ctx, item("job", 2))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, s.Pending())

	s.Stop()
}

func TestBlockingSubmitHonoursContext(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxWait: time.Second, PendingLimit: 1, BlockOnFull: true})
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Submit(context.Background(), item("job", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Submit(ctx, item("job", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Pending())
}

func TestSubmitAfterStop(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxWait: time.Second})
	require.NoError(t, err)
	s.Start()
	result := collect(s)
	s.Stop()
	<-result

	_, err = s.Submit(context.Background(), item("job", 0))
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	// idempotent
	assert.NotPanics(t, s.Stop)
}

// 與 Stop 競爭的阻塞 Submit：成功的 item 一定出現在某個批次中
func TestStopRacingBlockedSubmitters(t *testing.T) {
	for round := 0; round < 20; round++ {
		s, err := New(Config{MaxBatchSize: 4, MaxWait: time.Hour, PendingLimit: 2, QueueDepth: 1, BlockOnFull: true})
		require.NoError(t, err)
		s.Start()
		result := collect(s)

		const submitters = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted = make(map[uint64]bool)
		)
		for i := 0; i < submitters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ticket, err := s.Submit(context.Background(), item("job", i))
				if err != nil {
					assert.ErrorIs(t, err, ErrSchedulerStopped)
					return
				}
				mu.Lock()
				accepted[ticket.Seq] = true
				mu.Unlock()
			}(i)
		}

		s.Stop()
		wg.Wait()
		batches := <-result

		seen := 0
		for _, b := range batches {
			for _, it := range b.Items {
				assert.True(t, accepted[it.Seq], "batched item %d was never accepted", it.Seq)
				seen++
			}
		}
		assert.Equal(t, len(accepted), seen, "round %d: accepted items stranded", round)
		assert.Zero(t, s.Pending())
	}
}

func TestOnFlushHook(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	s, err := New(Config{
		MaxBatchSize: 3,
		MaxWait:      time.Hour,
		BlockOnFull:  true,
		OnFlush: func(b Batch) {
			mu.Lock()
			sizes = append(sizes, len(b.Items))
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	s.Start()
	result := collect(s)

	for i := 0; i < 7; i++ {
		_, err := s.Submit(context.Background(), item("job", i))
		require.NoError(t, err)
	}
	s.Stop()
	<-result

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 3, 1}, sizes)
}
