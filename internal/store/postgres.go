package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techubos/techubagent-sub003/internal/models"
)

// ErrAlreadyExists reports that an enqueue hit the dedup-key uniqueness
// constraint. Callers treat it as "already recorded", not as a fault.
var ErrAlreadyExists = errors.New("queue item already exists")

// ErrNotFound reports that no row matched the requested id.
var ErrNotFound = errors.New("queue item not found")

// Store wraps pgxpool for Postgres persistence. It owns the two durable
// queue tables: inbound webhook events and internal background jobs.
type Store struct {
	pool   *pgxpool.Pool
	events *Queue
	jobs   *Queue
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:   pool,
		events: &Queue{pool: pool, table: "webhook_events"},
		jobs:   &Queue{pool: pool, table: "jobs"},
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Events returns the inbound webhook event queue.
func (s *Store) Events() *Queue { return s.events }

// Jobs returns the internal background job queue.
func (s *Store) Jobs() *Queue { return s.jobs }

// Queue is the persisted state machine over one queue table. All mutation
// goes through single-row UPDATEs; the table is the sole synchronization
// point, so concurrent sweeps racing on one row are safe (last writer wins
// and the terminal-state guard keeps completed/failed absorbing).
type Queue struct {
	pool  *pgxpool.Pool
	table string
}

const itemColumns = `id, organization_id, job_type, payload, status, attempts, dedup_key, error_log, metadata, next_retry_at, created_at, started_at, completed_at, updated_at`

// terminalGuard keeps completed and failed absorbing: a transition UPDATE
// matching a terminal row affects zero rows instead of rewriting it.
const terminalGuard = `AND status NOT IN ('completed', 'failed')`

// EnqueueParams collects inputs required to insert a queue item.
type EnqueueParams struct {
	OrganizationID string
	JobType        string
	Payload        map[string]any
	DedupKey       string
	NextRetryAt    *time.Time
}

// Enqueue inserts a new item in pending. A dedup-key collision returns
// ErrAlreadyExists so the producer can treat the enqueue as a no-op.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.QueueItem, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, organization_id, job_type, payload, status, attempts, dedup_key, metadata, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, 0, NULLIF($6, ''), '{}'::jsonb, $7, $8, $8)
	`, q.table), id, p.OrganizationID, p.JobType, payloadJSON, models.StatusPending, p.DedupKey, p.NextRetryAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QueueItem{}, ErrAlreadyExists
		}
		return models.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}

	item := models.QueueItem{
		ID:             id,
		OrganizationID: p.OrganizationID,
		JobType:        p.JobType,
		Payload:        p.Payload,
		Status:         models.StatusPending,
		NextRetryAt:    p.NextRetryAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.DedupKey != "" {
		item.DedupKey = &p.DedupKey
	}
	return item, nil
}

// Get fetches a queue item by id.
func (q *Queue) Get(ctx context.Context, id string) (models.QueueItem, error) {
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1
	`, itemColumns, q.table), id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	return item, err
}

// FetchBatch returns the oldest pending items with attempts below cap,
// bounded by limit. FIFO holds within the returned batch only.
func (q *Queue) FetchBatch(ctx context.Context, limit, attemptCap int) ([]models.QueueItem, error) {
	rows, err := q.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, itemColumns, q.table), models.StatusPending, attemptCap, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending batch: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// FindStale returns non-terminal items created longer ago than olderThan,
// oldest first. This is the query behind the recovery sweeper.
func (q *Queue) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.QueueItem, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := q.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, itemColumns, q.table), []string{models.StatusPending, models.StatusProcessing}, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// MarkProcessing transitions a row to processing and stamps started_at.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 %s
	`, q.table, terminalGuard), id, models.StatusProcessing)
	return err
}

// MarkCompleted transitions a row to completed, stamps completed_at, and
// clears the error log.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, completed_at = NOW(), error_log = NULL, updated_at = NOW()
		WHERE id = $1 %s
	`, q.table, terminalGuard), id, models.StatusCompleted)
	return err
}

// MarkFailed dead-letters a row. Attempts are not touched here; attempt
// accounting happens in MarkPendingWithError, once per dispatch attempt.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, error_log = $3, updated_at = NOW()
		WHERE id = $1 %s
	`, q.table, terminalGuard), id, models.StatusFailed, reason)
	return err
}

// MarkPendingWithError records a failed attempt: attempts+1, error_log set,
// status back to pending so a later sweep retries. Returns the new attempt
// count, or 0 if the row was already terminal.
func (q *Queue) MarkPendingWithError(ctx context.Context, id, reason string) (int, error) {
	var attempts int
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, error_log = $3, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 %s
		RETURNING attempts
	`, q.table, terminalGuard), id, models.StatusPending, reason).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return attempts, err
}

// BumpRecovery merges the recovery counter and timestamp into metadata. The
// canonical attempts column stays untouched; recovery bookkeeping is kept
// separate so business retries and rescues are never conflated.
func (q *Queue) BumpRecovery(ctx context.Context, id string, retryCount int, at time.Time) error {
	patch, err := json.Marshal(models.Metadata{RetryCount: retryCount, RecoveredAt: &at})
	if err != nil {
		return fmt.Errorf("marshal recovery metadata: %w", err)
	}
	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1 %s
	`, q.table, terminalGuard), id, patch)
	return err
}

// PendingDepth counts rows waiting for a sweep.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status = $1
	`, q.table), models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanItems(rows pgx.Rows) ([]models.QueueItem, error) {
	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (models.QueueItem, error) {
	var (
		item         models.QueueItem
		jobType      pgtype.Text
		payloadJSON  []byte
		metadataJSON []byte
		dedup        pgtype.Text
		errLog       pgtype.Text
		nextRetry    pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&item.ID, &item.OrganizationID, &jobType, &payloadJSON, &item.Status,
		&item.Attempts, &dedup, &errLog, &metadataJSON, &nextRetry,
		&item.CreatedAt, &startedAt, &completedAt, &item.UpdatedAt); err != nil {
		return models.QueueItem{}, err
	}
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &item.Metadata); err != nil {
			return models.QueueItem{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	item.JobType = jobType.String
	item.DedupKey = textPtr(dedup)
	item.ErrorLog = textPtr(errLog)
	item.NextRetryAt = timePtr(nextRetry)
	item.StartedAt = timePtr(startedAt)
	item.CompletedAt = timePtr(completedAt)
	return item, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
