package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/trace"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	document_path    TEXT NOT NULL,
	schema_path      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	final_accuracy   REAL NOT NULL DEFAULT 0,
	achieved_target  INTEGER NOT NULL DEFAULT 0,
	rounds_completed INTEGER NOT NULL DEFAULT 0,
	final_record     TEXT,
	error            TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_rounds (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	round_number INTEGER NOT NULL,
	payload      TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
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
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_job_rounds_job_id ON job_rounds(job_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, documentPath, schemaPath string) (*Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, document_path, schema_path, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, documentPath, schemaPath, string(JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
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

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result JobResult) error {
	var record sql.NullString
	if len(result.FinalRecord) > 0 {
		record = sql.NullString{String: string(result.FinalRecord), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, final_accuracy = ?, achieved_target = ?, rounds_completed = ?, final_record = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(result.Status), result.FinalAccuracy, result.AchievedTarget,
		result.RoundsCompleted, record, result.Error, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_path, schema_path, status, final_accuracy, achieved_target, rounds_completed, final_record, error, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT id, document_path, schema_path, status, final_accuracy, achieved_target, rounds_completed, final_record, error, created_at, updated_at
		FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) AppendRound(ctx context.Context, jobID string, round trace.ValidationRound) error {
	payload, err := json.Marshal(round)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal round")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_rounds (id, job_id, round_number, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), jobID, round.RoundNumber, string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert round %d for job %s", round.RoundNumber, jobID)
}

func (s *SQLiteStore) ListRounds(ctx context.Context, jobID string) ([]trace.ValidationRound, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM job_rounds WHERE job_id = ? ORDER BY round_number`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list rounds for job %s", jobID)
	}
	defer rows.Close()

	var rounds []trace.ValidationRound
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan round")
		}
		var r trace.ValidationRound
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal round")
		}
		rounds = append(rounds, r)
	}
	return rounds, eris.Wrap(rows.Err(), "sqlite: list rounds iterate")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letter_queue
		 (id, document_path, schema_path, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DocumentPath, entry.SchemaPath, entry.Error, entry.ErrorType,
		entry.FailedStage, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, document_path, schema_path, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM dead_letter_queue
		WHERE next_retry_at <= datetime('now') AND retry_count < max_retries`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var stage sql.NullString
		if err := rows.Scan(&e.ID, &e.DocumentPath, &e.SchemaPath, &e.Error, &e.ErrorType,
			&stage, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedStage = stage.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove dlq %s", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var record, errMsg sql.NullString

	err := row.Scan(&j.ID, &j.DocumentPath, &j.SchemaPath, &j.Status, &j.FinalAccuracy,
		&j.AchievedTarget, &j.RoundsCompleted, &record, &errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("job not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if record.Valid {
		j.FinalRecord = json.RawMessage(record.String)
	}
	j.Error = errMsg.String
	return &j, nil
}
