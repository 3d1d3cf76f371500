package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

func TestJournalSaveLoadReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.journal")
	ctx := context.Background()

	j, err := OpenJournal(path, JournalOptions{})
	require.NoError(t, err)

	job := types.JobSnapshot{ID: "job-1", Status: types.JobPending, CreatedAt: 1,
		Items: []types.ItemResult{{Index: 0, SourceRef: "a.png", Status: types.ItemPending}}}
	require.NoError(t, j.Save(ctx, job))

	job.Status = types.JobCompleted
	job.Items[0].Status = types.ItemSucceeded
	job.Items[0].Label = "Normal"
	require.NoError(t, j.Save(ctx, job))

	got, err := j.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)

	_, err = j.Load(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(path, JournalOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err = reopened.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, "Normal", got.Items[0].Label)

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventTypes[EventCreate])
	assert.Equal(t, 1, stats.EventTypes[EventTerminal])
}

func TestJournalCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compact.journal")
	ctx := context.Background()

	j, err := OpenJournal(path, JournalOptions{CompactEvery: 20})
	require.NoError(t, err)
	defer j.Close()

	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			job := types.JobSnapshot{ID: types.JobID(fmt.Sprintf("job-%d", i)), Status: types.JobProcessing, CreatedAt: int64(i)}
			require.NoError(t, j.Save(ctx, job))
		}
	}
	require.NoError(t, j.wal.Flush())

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Less(t, stats.TotalEvents, 30, "log should have been compacted")
	assert.Equal(t, 3, stats.DistinctJobs)

	require.NoError(t, j.Compact())
	stats, err = GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)

	jobs, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobID("job-0"), jobs[0].ID)
}

func TestJournalRepairOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.journal")
	ctx := context.Background()

	j, err := OpenJournal(path, JournalOptions{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx, types.JobSnapshot{ID: "keep", Status: types.JobCompleted}))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenJournal(path, JournalOptions{})
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	repaired, err := OpenJournal(path, JournalOptions{Repair: true})
	require.NoError(t, err)
	defer repaired.Close()

	got, err := repaired.Load(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func TestJournalAsJobSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.journal")
	j, err := OpenJournal(path, JournalOptions{})
	require.NoError(t, err)
	defer j.Close()

	jm := jobmanager.New(j)
	job, err := jm.Create([]string{"a.png", "b.png"}, 0)
	require.NoError(t, err)
	require.NoError(t, jm.MarkDispatched(job.ID, 0, "fp"))
	require.NoError(t, jm.Resolve(job.ID, 0, jobmanager.Outcome{Label: "Normal", Confidence: 0.6}))
	require.NoError(t, jm.Resolve(job.ID, 1, jobmanager.Outcome{Label: "COVID", Confidence: 0.8}))

	got, err := j.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)

	// create + dispatch + 2 resolves
	require.NoError(t, j.wal.Flush())
	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEvents)
}
