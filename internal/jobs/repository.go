package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the jobs table if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS proxy_jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	rfc TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	files INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	objects TEXT[] NOT NULL DEFAULT '{}',
	messages TEXT[] NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proxy_jobs_status ON proxy_jobs(status);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a queued job.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.Status = StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO proxy_jobs (id, type, status, rfc, request_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, job.ID, job.Type, job.Status, job.RFC, job.RequestID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, status, rfc, request_id, files, failures, objects, messages, error_message, created_at, updated_at
		FROM proxy_jobs WHERE id=$1
	`, id)
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.RFC, &job.RequestID, &job.Files, &job.Failures,
		&job.Objects, &job.Messages, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return &job, nil
}

func (r *Repository) MarkRunning(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE proxy_jobs SET status=$1, updated_at=$2 WHERE id=$3`,
		StatusRunning, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (r *Repository) Finish(ctx context.Context, id string, status Status, res Result, errMsg string) error {
	objects, messages := res.Objects, res.Messages
	if objects == nil {
		objects = []string{}
	}
	if messages == nil {
		messages = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE proxy_jobs
		SET status=$1, files=$2, failures=$3, objects=$4, messages=$5, error_message=$6, updated_at=$7
		WHERE id=$8
	`, status, res.Files, res.Failures, objects, messages, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}
