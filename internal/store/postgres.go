package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/docsight/docsight/internal/db"
	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/trace"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
// Round appends dominate write traffic, one insert per engine round.
var preparedStatements = map[string]string{
	"insert_job":        `INSERT INTO jobs (id, document_path, schema_path, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"update_job_status": `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_job":           `SELECT id, document_path, schema_path, status, final_accuracy, achieved_target, rounds_completed, final_record, error, created_at, updated_at FROM jobs WHERE id = $1`,
	"insert_round":      `INSERT INTO job_rounds (id, job_id, round_number, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"list_rounds":       `SELECT payload FROM job_rounds WHERE job_id = $1 ORDER BY round_number`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_path    TEXT NOT NULL,
	schema_path      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	final_accuracy   DOUBLE PRECISION NOT NULL DEFAULT 0,
	achieved_target  BOOLEAN NOT NULL DEFAULT false,
	rounds_completed INTEGER NOT NULL DEFAULT 0,
	final_record     JSONB,
	error            TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_rounds (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	round_number INTEGER NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(job_id, round_number)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	document_path  TEXT NOT NULL,
	schema_path    TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_job_rounds_job_id ON job_rounds(job_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, documentPath, schemaPath string) (*Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, document_path, schema_path, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, documentPath, schemaPath, string(JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &Job{
		ID:           id,
		DocumentPath: documentPath,
		SchemaPath:   schemaPath,
		Status:       JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result JobResult) error {
	var record []byte
	if len(result.FinalRecord) > 0 {
		record = result.FinalRecord
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, final_accuracy = $2, achieved_target = $3, rounds_completed = $4, final_record = $5, error = $6, updated_at = $7 WHERE id = $8`,
		string(result.Status), result.FinalAccuracy, result.AchievedTarget,
		result.RoundsCompleted, record, result.Error, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	var record []byte
	var errMsg *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, document_path, schema_path, status, final_accuracy, achieved_target, rounds_completed, final_record, error, created_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.DocumentPath, &j.SchemaPath, &j.Status, &j.FinalAccuracy,
		&j.AchievedTarget, &j.RoundsCompleted, &record, &errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}

	if len(record) > 0 {
		j.FinalRecord = json.RawMessage(record)
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT id, document_path, schema_path, status, final_accuracy, achieved_target, rounds_completed, final_record, error, created_at, updated_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var record []byte
		var errMsg *string

		if err := rows.Scan(&j.ID, &j.DocumentPath, &j.SchemaPath, &j.Status, &j.FinalAccuracy,
			&j.AchievedTarget, &j.RoundsCompleted, &record, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if len(record) > 0 {
			j.FinalRecord = json.RawMessage(record)
		}
		if errMsg != nil {
			j.Error = *errMsg
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) AppendRound(ctx context.Context, jobID string, round trace.ValidationRound) error {
	payload, err := json.Marshal(round)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal round")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_rounds (id, job_id, round_number, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), jobID, round.RoundNumber, payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert round %d for job %s", round.RoundNumber, jobID)
}

func (s *PostgresStore) ListRounds(ctx context.Context, jobID string) ([]trace.ValidationRound, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM job_rounds WHERE job_id = $1 ORDER BY round_number`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list rounds for job %s", jobID)
	}
	defer rows.Close()

	var rounds []trace.ValidationRound
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan round")
		}
		var r trace.ValidationRound
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal round")
		}
		rounds = append(rounds, r)
	}
	return rounds, eris.Wrap(rows.Err(), "postgres: list rounds iterate")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, document_path, schema_path, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		 error = EXCLUDED.error, error_type = EXCLUDED.error_type, failed_stage = EXCLUDED.failed_stage,
		 retry_count = EXCLUDED.retry_count, next_retry_at = EXCLUDED.next_retry_at, last_failed_at = EXCLUDED.last_failed_at`,
		entry.ID, entry.DocumentPath, entry.SchemaPath, entry.Error, entry.ErrorType,
		entry.FailedStage, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, document_path, schema_path, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM dead_letter_queue
		WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += ` ORDER BY next_retry_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var stage *string
		if err := rows.Scan(&e.ID, &e.DocumentPath, &e.SchemaPath, &e.Error, &e.ErrorType,
			&stage, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if stage != nil {
			e.FailedStage = *stage
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = $3
		 WHERE id = $4`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}
