// Package store persists job snapshots in a SQL database (SQLite or
// PostgreSQL). It implements jobmanager.Sink and jobmanager.Lister.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names.
var ErrUnsupportedDriver = errors.New("unsupported sql driver")

const createJobsTable = `
CREATE TABLE IF NOT EXISTS inference_jobs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    created_at     BIGINT NOT NULL,
    updated_at     BIGINT NOT NULL,
    deadline_ms    BIGINT,
    total          INTEGER NOT NULL,
    succeeded      INTEGER NOT NULL,
    failed         INTEGER NOT NULL,
    cached         INTEGER NOT NULL,
    cache_hit_rate DOUBLE PRECISION NOT NULL,
    items          TEXT NOT NULL
)`

const createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_inference_jobs_status ON inference_jobs (status)`

const upsertJob = `
INSERT INTO inference_jobs (
    id, status, created_at, updated_at, deadline_ms,
    total, succeeded, failed, cached, cache_hit_rate, items
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at,
    deadline_ms = EXCLUDED.deadline_ms,
    total = EXCLUDED.total,
    succeeded = EXCLUDED.succeeded,
    failed = EXCLUDED.failed,
    cached = EXCLUDED.cached,
    cache_hit_rate = EXCLUDED.cache_hit_rate,
    items = EXCLUDED.items`

const selectJobColumns = `
SELECT id, status, created_at, updated_at, deadline_ms,
    total, succeeded, failed, cached, cache_hit_rate, items
FROM inference_jobs`

// Compile-time interface satisfaction check.
var (
	_ jobmanager.Sink   = (*SQLStore)(nil)
	_ jobmanager.Lister = (*SQLStore)(nil)
)

// SQLStore implements jobmanager.Sink on database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and runs migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// an in-memory database exists per connection
		if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	for _, stmt := range []string{createJobsTable, createStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate inference_jobs: %w", err)
		}
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save upserts a job snapshot.
func (s *SQLStore) Save(ctx context.Context, job types.JobSnapshot) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	var deadline sql.NullInt64
	if job.Deadline != nil {
		deadline = sql.NullInt64{Int64: *job.Deadline, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(upsertJob),
		string(job.ID), string(job.Status), job.CreatedAt, job.UpdatedAt, deadline,
		job.Total, job.Succeeded, job.Failed, job.Cached, job.CacheHitRate, string(items),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (types.JobSnapshot, error) {
	var (
		job      types.JobSnapshot
		id       string
		status   string
		deadline sql.NullInt64
		items    string
	)
	if err := row.Scan(&id, &status, &job.CreatedAt, &job.UpdatedAt, &deadline,
		&job.Total, &job.Succeeded, &job.Failed, &job.Cached, &job.CacheHitRate, &items); err != nil {
		return types.JobSnapshot{}, err
	}
	job.ID = types.JobID(id)
	job.Status = types.JobStatus(status)
	if deadline.Valid {
		d := deadline.Int64
		job.Deadline = &d
	}
	if err := json.Unmarshal([]byte(items), &job.Items); err != nil {
		return types.JobSnapshot{}, fmt.Errorf("decode items of job %s: %w", id, err)
	}
	return job, nil
}

// Load retrieves a job by ID.
func (s *SQLStore) Load(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectJobColumns+" WHERE id = ?"), string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobSnapshot{}, types.ErrJobNotFound
	}
	if err != nil {
		return types.JobSnapshot{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns every stored job ordered by created_at.
func (s *SQLStore) List(ctx context.Context) ([]types.JobSnapshot, error) {
	return s.query(ctx, selectJobColumns+" ORDER BY created_at ASC")
}

// ListByStatus returns up to limit jobs with the given status, newest first.
func (s *SQLStore) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]types.JobSnapshot, error) {
	return s.query(ctx, selectJobColumns+" WHERE status = ? ORDER BY created_at DESC LIMIT ?", string(status), limit)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]types.JobSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.JobSnapshot
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of stored jobs per status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM inference_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[types.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// DeleteBefore removes terminal jobs last updated before cutoffMs.
func (s *SQLStore) DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM inference_jobs WHERE updated_at < ? AND status IN (?, ?, ?, ?)"),
		cutoffMs,
		string(types.JobCompleted), string(types.JobPartiallyFailed),
		string(types.JobFailed), string(types.JobCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}
