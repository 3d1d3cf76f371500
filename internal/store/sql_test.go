package store

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

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(id string, created int64, status types.JobStatus) types.JobSnapshot {
	return types.JobSnapshot{
		ID: types.JobID(id), Status: status, CreatedAt: created, UpdatedAt: created,
		Items: []types.ItemResult{
			{Index: 0, SourceRef: "a.png", Status: types.ItemSucceeded, Label: "COVID", Confidence: 0.97, FromCache: true},
		},
		Total: 1, Succeeded: 1, Cached: 1, CacheHitRate: 1,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestSaveLoadUpsert(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	deadline := int64(9999)
	job := sampleJob("job-1", 100, types.JobProcessing)
	job.Deadline = &deadline
	require.NoError(t, s.Save(ctx, job))

	got, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	job.Status = types.JobCompleted
	job.UpdatedAt = 200
	job.Deadline = nil
	require.NoError(t, s.Save(ctx, job))

	got, err = s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, int64(200), got.UpdatedAt)
	assert.Nil(t, got.Deadline)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestListAndCounts(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleJob("c", 300, types.JobFailed)))
	require.NoError(t, s.Save(ctx, sampleJob("a", 100, types.JobCompleted)))
	require.NoError(t, s.Save(ctx, sampleJob("b", 200, types.JobCompleted)))

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobID("a"), jobs[0].ID)
	assert.Equal(t, types.JobID("c"), jobs[2].ID)

	completed, err := s.ListByStatus(ctx, types.JobCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, types.JobID("b"), completed[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.JobCompleted])
	assert.Equal(t, 1, counts[types.JobFailed])

	n, err := s.DeleteBefore(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInMemorySQLite(t *testing.T) {
	s, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Save(context.Background(), sampleJob("m", 1, types.JobCompleted)))
	_, err = s.Load(context.Background(), "m")
	require.NoError(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "WHERE a = $1 AND b = $2", pg.rebind("WHERE a = ? AND b = ?"))

	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "WHERE a = ?", lite.rebind("WHERE a = ?"))
}

func TestAsJobSink(t *testing.T) {
	s := openSQLite(t)
	jm := jobmanager.New(s)

	job, err := jm.Create([]string{"x.png", "y.png", "z.png"}, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, jm.Resolve(job.ID, i, jobmanager.Outcome{Label: "Normal", Confidence: 0.5}))
	}

	got, err := s.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, 3, got.Succeeded)
}

// TestPostgres runs against a real server when PULMOSCAN_TEST_POSTGRES_DSN is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("PULMOSCAN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PULMOSCAN_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(DriverPostgres, dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id := fmt.Sprintf("pg-test-%d", os.Getpid())
	require.NoError(t, s.Save(ctx, sampleJob(id, 1, types.JobCompleted)))
	got, err := s.Load(ctx, types.JobID(id))
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}
