// Package sqldb is the SQL implementation of the webhook job store. SQLite is
// the default; the dialect layer keeps queries portable.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/storage"
	"github.com/tjfontaine/resilient-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of storage.JobStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.JobStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.SingleWriter() {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite-backed store at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	text, bigint := s.dialect.TextType(), s.dialect.BigIntType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS webhook_jobs (
id TEXT PRIMARY KEY,
consumer_id TEXT NOT NULL,
operation_id TEXT NOT NULL,
webhook_url TEXT NOT NULL,
payload ` + text + ` NOT NULL,
secret_ref TEXT NOT NULL,
attempt_count INTEGER NOT NULL DEFAULT 0,
max_attempts INTEGER NOT NULL,
next_attempt_at ` + bigint + ` NOT NULL,
status TEXT NOT NULL,
last_error ` + text + ` NOT NULL DEFAULT '',
last_status_code INTEGER NOT NULL DEFAULT 0,
lease_until ` + bigint + ` NOT NULL DEFAULT 0,
created_at ` + bigint + ` NOT NULL,
updated_at ` + bigint + ` NOT NULL,
delivered_at ` + bigint + `,
dead_lettered_at ` + bigint + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_jobs_due ON webhook_jobs(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_jobs_consumer ON webhook_jobs(consumer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_jobs_updated ON webhook_jobs(status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// jobRow is the persisted form of a job. Times are stored as UTC
// nanoseconds so comparisons are plain integer comparisons on every dialect.
type jobRow struct {
	ID             string        `db:"id"`
	ConsumerID     string        `db:"consumer_id"`
	OperationID    string        `db:"operation_id"`
	WebhookURL     string        `db:"webhook_url"`
	Payload        string        `db:"payload"`
	SecretRef      string        `db:"secret_ref"`
	AttemptCount   int           `db:"attempt_count"`
	MaxAttempts    int           `db:"max_attempts"`
	NextAttemptAt  int64         `db:"next_attempt_at"`
	Status         string        `db:"status"`
	LastError      string        `db:"last_error"`
	LastStatusCode int           `db:"last_status_code"`
	LeaseUntil     int64         `db:"lease_until"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
	DeliveredAt    sql.NullInt64 `db:"delivered_at"`
	DeadAt         sql.NullInt64 `db:"dead_lettered_at"`
}

const jobColumns = `id, consumer_id, operation_id, webhook_url, payload, secret_ref, attempt_count, max_attempts,
next_attempt_at, status, last_error, last_status_code, lease_until, created_at, updated_at, delivered_at, dead_lettered_at`

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func toRow(job *domain.WebhookDeliveryJob) jobRow {
	return jobRow{
		ID:             job.ID,
		ConsumerID:     job.ConsumerID,
		OperationID:    job.OperationID,
		WebhookURL:     job.WebhookURL,
		Payload:        string(job.Payload),
		SecretRef:      job.SecretRef,
		AttemptCount:   job.AttemptCount,
		MaxAttempts:    job.MaxAttempts,
		NextAttemptAt:  toNanos(job.NextAttemptAt),
		Status:         string(job.Status),
		LastError:      job.LastError,
		LastStatusCode: job.LastStatus,
		LeaseUntil:     toNanos(job.LeaseUntil),
		CreatedAt:      toNanos(job.CreatedAt),
		UpdatedAt:      toNanos(job.UpdatedAt),
		DeliveredAt:    nullNanos(job.DeliveredAt),
		DeadAt:         nullNanos(job.DeadAt),
	}
}

func (r jobRow) toJob() *domain.WebhookDeliveryJob {
	return &domain.WebhookDeliveryJob{
		ID:            r.ID,
		ConsumerID:    r.ConsumerID,
		OperationID:   r.OperationID,
		WebhookURL:    r.WebhookURL,
		Payload:       []byte(r.Payload),
		SecretRef:     r.SecretRef,
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		NextAttemptAt: fromNanos(r.NextAttemptAt),
		Status:        domain.JobStatus(r.Status),
		LastError:     r.LastError,
		LastStatus:    r.LastStatusCode,
		LeaseUntil:    fromNanos(r.LeaseUntil),
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
		DeliveredAt:   nullTime(r.DeliveredAt),
		DeadAt:        nullTime(r.DeadAt),
	}
}

// CreateJob inserts a new job. Inserting an existing ID fails.
func (s *Store) CreateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error {
	query := `INSERT INTO webhook_jobs (` + jobColumns + `) VALUES (
:id, :consumer_id, :operation_id, :webhook_url, :payload, :secret_ref, :attempt_count, :max_attempts,
:next_attempt_at, :status, :last_error, :last_status_code, :lease_until, :created_at, :updated_at, :delivered_at, :dead_lettered_at)`

	if _, err := s.db.NamedExecContext(ctx, query, toRow(job)); err != nil {
		return fmt.Errorf("failed to create webhook job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	var row jobRow
	query := s.dialect.Rebind(`SELECT ` + jobColumns + ` FROM webhook_jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get webhook job: %w", err)
	}
	return row.toJob(), nil
}

// UpdateJob overwrites the mutable fields of an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error {
	query := `UPDATE webhook_jobs SET
attempt_count = :attempt_count, max_attempts = :max_attempts, next_attempt_at = :next_attempt_at,
status = :status, last_error = :last_error, last_status_code = :last_status_code, lease_until = :lease_until,
updated_at = :updated_at, delivered_at = :delivered_at, dead_lettered_at = :dead_lettered_at
WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, toRow(job))
	if err != nil {
		return fmt.Errorf("failed to update webhook job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update webhook job: %w", err)
	}
	if n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// ClaimDueJobs leases due jobs. Each lease is taken with a conditional update
// so concurrent claimers on other connections or hosts never share a job.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookDeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	nowN := now.UnixNano()
	var rows []jobRow
	selectQuery := s.dialect.Rebind(`SELECT ` + jobColumns + ` FROM webhook_jobs
WHERE status = ? AND next_attempt_at <= ? AND lease_until <= ?
ORDER BY next_attempt_at ASC, id ASC LIMIT ?`)
	if err := tx.SelectContext(ctx, &rows, selectQuery, string(domain.JobPending), nowN, nowN, limit); err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	leaseUntil := now.Add(lease).UnixNano()
	updateQuery := s.dialect.Rebind(`UPDATE webhook_jobs SET lease_until = ? WHERE id = ? AND status = ? AND lease_until <= ?`)

	claimed := make([]*domain.WebhookDeliveryJob, 0, len(rows))
	for _, row := range rows {
		result, err := tx.ExecContext(ctx, updateQuery, leaseUntil, row.ID, string(domain.JobPending), nowN)
		if err != nil {
			return nil, fmt.Errorf("failed to lease job %s: %w", row.ID, err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			continue
		}
		row.LeaseUntil = leaseUntil
		claimed = append(claimed, row.toJob())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.WebhookDeliveryJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ConsumerID != "" {
		where = append(where, "consumer_id = ?")
		args = append(args, filter.ConsumerID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM webhook_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook jobs: %w", err)
	}

	jobs := make([]*domain.WebhookDeliveryJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toJob())
	}
	return jobs, nil
}

// PurgeJobs deletes jobs in status last updated before the cutoff.
func (s *Store) PurgeJobs(ctx context.Context, status domain.JobStatus, before time.Time) (int64, error) {
	query := s.dialect.Rebind(`DELETE FROM webhook_jobs WHERE status = ? AND updated_at < ?`)
	result, err := s.db.ExecContext(ctx, query, string(status), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook jobs: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
