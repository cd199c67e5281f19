package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// PgStore is the postgres-backed job store. Progress and the error log
// are stored as JSONB; everything the resume path needs is one row.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects and migrates the ingest_jobs table.
func NewPgStore(ctx context.Context, connURL string, maxConns int) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("job store config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("job store connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("job store ping: %w", err)
	}

	s := &PgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("job store migrate: %w", err)
	}
	log.Info().Msg("postgres job store initialized")
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			job_id       TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			platform     TEXT NOT NULL,
			scope        TEXT NOT NULL,
			since        TIMESTAMPTZ,
			cursor       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			progress     JSONB NOT NULL DEFAULT '{}',
			error_log    JSONB NOT NULL DEFAULT '[]',
			heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ingest_jobs_tenant ON ingest_jobs (tenant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs (status);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgStore) Create(ctx context.Context, job *models.IngestJob) error {
	progress, errLog, err := marshalState(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (job_id, tenant_id, platform, scope, since, cursor, status, progress, error_log, heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		job.JobID, job.TenantID, job.Platform, string(job.Scope), job.Since, job.Cursor,
		string(job.Status), progress, errLog, job.HeartbeatAt, job.CreatedAt)
	if err != nil {
		return faults.Wrap(faults.Internal, "create job", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, tenantID, jobID string) (*models.IngestJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, tenant_id, platform, scope, since, cursor, status, progress, error_log, heartbeat_at, created_at, updated_at
		FROM ingest_jobs WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.Newf(faults.NotFound, "job %s not found", jobID)
	}
	return job, err
}

func (s *PgStore) Update(ctx context.Context, job *models.IngestJob) error {
	progress, errLog, err := marshalState(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET cursor = $2, status = $3, progress = $4, error_log = $5, updated_at = NOW()
		WHERE job_id = $1`,
		job.JobID, job.Cursor, string(job.Status), progress, errLog)
	if err != nil {
		return faults.Wrap(faults.Internal, "update job", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Newf(faults.NotFound, "job %s not found", job.JobID)
	}
	return nil
}

func (s *PgStore) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE ingest_jobs SET heartbeat_at = $2 WHERE job_id = $1`, jobID, at)
	if err != nil {
		return faults.Wrap(faults.Internal, "heartbeat", err)
	}
	return nil
}

func (s *PgStore) List(ctx context.Context, tenantID string, limit int) ([]*models.IngestJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, tenant_id, platform, scope, since, cursor, status, progress, error_log, heartbeat_at, created_at, updated_at
		FROM ingest_jobs WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PgStore) Runnable(ctx context.Context, limit int) ([]*models.IngestJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, tenant_id, platform, scope, since, cursor, status, progress, error_log, heartbeat_at, created_at, updated_at
		FROM ingest_jobs WHERE status = $1
		ORDER BY created_at ASC LIMIT $2`, string(models.JobCreated), limit)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "runnable jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PgStore) LastCompleted(ctx context.Context, tenantID, platform string) (*models.IngestJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, tenant_id, platform, scope, since, cursor, status, progress, error_log, heartbeat_at, created_at, updated_at
		FROM ingest_jobs WHERE tenant_id = $1 AND platform = $2 AND status = $3
		ORDER BY updated_at DESC LIMIT 1`,
		tenantID, platform, string(models.JobCompleted))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "last completed job", err)
	}
	return job, nil
}

func (s *PgStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = $1, updated_at = NOW()
		WHERE status = $2 AND heartbeat_at < $3`,
		string(models.JobCreated), string(models.JobRunning), cutoff)
	if err != nil {
		return 0, faults.Wrap(faults.Internal, "reclaim stale jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) Close() { s.pool.Close() }

// ── Row plumbing ─────────────────────────────────────────────

func marshalState(job *models.IngestJob) (progress, errLog []byte, err error) {
	progress, err = json.Marshal(job.Progress)
	if err != nil {
		return nil, nil, faults.Wrap(faults.Internal, "marshal progress", err)
	}
	if job.ErrorLog == nil {
		errLog = []byte("[]")
	} else if errLog, err = json.Marshal(job.ErrorLog); err != nil {
		return nil, nil, faults.Wrap(faults.Internal, "marshal error log", err)
	}
	return progress, errLog, nil
}

func scanJob(row pgx.Row) (*models.IngestJob, error) {
	var job models.IngestJob
	var scope, status string
	var progress, errLog []byte
	err := row.Scan(&job.JobID, &job.TenantID, &job.Platform, &scope, &job.Since, &job.Cursor,
		&status, &progress, &errLog, &job.HeartbeatAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Scope = models.JobScope(scope)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return nil, faults.Wrap(faults.Internal, "decode progress", err)
	}
	if err := json.Unmarshal(errLog, &job.ErrorLog); err != nil {
		return nil, faults.Wrap(faults.Internal, "decode error log", err)
	}
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*models.IngestJob, error) {
	var out []*models.IngestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "scan job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
