// Package store persists events to PostgreSQL. Processing runs inside
// a single transaction: the insert, the handler dispatch, and the
// status flip either all land or none do.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

// ErrDuplicate is returned when an insert collides on the idempotency
// key unique constraint.
var ErrDuplicate = errors.New("duplicate event")

// Store wraps the connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to the database and verifies reachability.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	logger.Info("connected to database")
	return &Store{pool: pool, logger: logger}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id              UUID PRIMARY KEY,
    user_id         UUID NOT NULL,
    event_type      VARCHAR(64) NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL,
    payload         JSONB NOT NULL DEFAULT '{}',
    metadata        JSONB,
    priority        SMALLINT NOT NULL DEFAULT 1,
    idempotency_key VARCHAR(64),
    source          VARCHAR(16),
    status          VARCHAR(16) NOT NULL DEFAULT 'pending',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    processed_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type_processed ON events (event_type, processed_at);
CREATE INDEX IF NOT EXISTS idx_events_status_priority ON events (status, priority);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency_key ON events (idempotency_key)
    WHERE idempotency_key IS NOT NULL;
`

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("schema applied")
	return nil
}

const insertSQL = `
INSERT INTO events (id, user_id, event_type, timestamp, payload, metadata,
                    priority, idempotency_key, source, status, retry_count, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''))`

const markProcessedSQL = `
UPDATE events SET status = $1, processed_at = $2, updated_at = now() WHERE id = $3`

const markFailedSQL = `
UPDATE events SET status = $1, last_error = $2, retry_count = $3, updated_at = now() WHERE id = $4`

// ProcessInTx inserts the event as processing, runs dispatch, and marks
// it processed, all in one transaction. A dispatch error rolls the
// whole thing back so the retry path sees a clean slate.
func (s *Store) ProcessInTx(ctx context.Context, ev *event.Event, dispatch func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertSQL,
		ev.ID, ev.UserID, string(ev.Type), ev.Timestamp, ev.Payload, ev.Metadata,
		ev.Priority, ev.IdempotencyKey, string(ev.Source), string(event.StatusProcessing),
		ev.RetryCount, ev.LastError)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}

	if dispatch != nil {
		if err := dispatch(ctx); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, markProcessedSQL, string(event.StatusProcessed), now, ev.ID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	ev.Status = event.StatusProcessed
	ev.ProcessedAt = &now
	return nil
}

// EmergencyPersist stores an event that could not reach either queue
// back-end, so intake still returns success and the event survives for
// later replay.
func (s *Store) EmergencyPersist(ctx context.Context, ev *event.Event, reason string) error {
	_, err := s.pool.Exec(ctx, insertSQL,
		ev.ID, ev.UserID, string(ev.Type), ev.Timestamp, ev.Payload, ev.Metadata,
		ev.Priority, ev.IdempotencyKey, string(ev.Source), string(event.StatusFailed),
		ev.RetryCount, reason)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("emergency persist: %w", err)
	}
	s.logger.Warn("event persisted without queueing",
		zap.String("event_id", ev.ID.String()),
		zap.String("reason", reason))
	return nil
}

// MarkFailed records a terminal failure on an already-stored event.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryCount int) error {
	tag, err := s.pool.Exec(ctx, markFailedSQL,
		string(event.StatusFailed), reason, retryCount, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectSQL = `
SELECT id, user_id, event_type, timestamp, payload, metadata,
       priority, COALESCE(idempotency_key, ''), COALESCE(source, ''),
       status, retry_count, COALESCE(last_error, ''), processed_at
FROM events`

// GetByID fetches one event.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, selectSQL+` WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// CountByStatus returns per-status event counts.
func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[event.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[event.Status(status)] = n
	}
	return counts, rows.Err()
}

// Ping reports database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func scanEvent(row pgx.Row) (*event.Event, error) {
	var ev event.Event
	var typ, src, status string
	err := row.Scan(&ev.ID, &ev.UserID, &typ, &ev.Timestamp, &ev.Payload, &ev.Metadata,
		&ev.Priority, &ev.IdempotencyKey, &src, &status, &ev.RetryCount, &ev.LastError,
		&ev.ProcessedAt)
	if err != nil {
		return nil, err
	}
	ev.Type = event.Type(typ)
	ev.Source = event.Source(src)
	ev.Status = event.Status(status)
	return &ev, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
