package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
)

var _ repository.RecordStore = (*pgRecordStore)(nil)

// Schema is the event_locks table definition. The UPDATE in
// ConditionalReplace relies on event_id being the primary key so the guarded
// write touches exactly one row.
const Schema = `
CREATE TABLE IF NOT EXISTS event_locks (
	event_id                TEXT PRIMARY KEY,
	event_type              TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	processing_started_at   TIMESTAMPTZ NOT NULL,
	processing_completed_at TIMESTAMPTZ,
	retry_count             INT NOT NULL DEFAULT 0,
	result                  JSONB,
	last_error              TEXT NOT NULL DEFAULT '',
	ttl_expiry              TIMESTAMPTZ NOT NULL,
	correlation_id          TEXT NOT NULL DEFAULT '',
	source                  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_event_locks_ttl ON event_locks (ttl_expiry);
`

type pgRecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a PostgreSQL-backed record store.
func NewRecordStore(pool *pgxpool.Pool) repository.RecordStore {
	return &pgRecordStore{pool: pool}
}

// EnsureSchema creates the event_locks table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *pgRecordStore) CreateIfAbsent(ctx context.Context, rec *domain.EventLockRecord) error {
	query := `
		INSERT INTO event_locks (
			event_id, event_type, status, processing_started_at, processing_completed_at,
			retry_count, result, last_error, ttl_expiry, correlation_id, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		rec.EventID, rec.EventType, rec.Status, rec.ProcessingStartedAt, rec.ProcessingCompletedAt,
		rec.RetryCount, rec.Result, rec.Error, rec.TTLExpiry, rec.CorrelationID, rec.Source,
	)
	if err != nil {
		return fmt.Errorf("postgres: create record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrAlreadyExists
	}
	return nil
}

// ConditionalReplace issues a single UPDATE carrying the guard in its WHERE
// clause, so the predicate check and the write are one atomic statement at
// the store.
func (s *pgRecordStore) ConditionalReplace(ctx context.Context, rec *domain.EventLockRecord, guard repository.Guard) error {
	args := []any{
		rec.EventType, rec.Status, rec.ProcessingStartedAt, rec.ProcessingCompletedAt,
		rec.RetryCount, rec.Result, rec.Error, rec.TTLExpiry, rec.CorrelationID, rec.Source,
		rec.EventID,
	}
	where := []string{"event_id = $11"}

	if len(guard.ExpectStatus) > 0 {
		statuses := make([]string, len(guard.ExpectStatus))
		for i, st := range guard.ExpectStatus {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if guard.ExpectRetryCount != nil {
		args = append(args, *guard.ExpectRetryCount)
		where = append(where, fmt.Sprintf("retry_count = $%d", len(args)))
	}
	if guard.StartedBefore != nil {
		args = append(args, *guard.StartedBefore)
		where = append(where, fmt.Sprintf("processing_started_at < $%d", len(args)))
	}

	query := `
		UPDATE event_locks
		SET event_type = $1, status = $2, processing_started_at = $3,
		    processing_completed_at = $4, retry_count = $5, result = $6,
		    last_error = $7, ttl_expiry = $8, correlation_id = $9, source = $10
		WHERE ` + strings.Join(where, " AND ")

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: conditional replace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrPredicateFailed
	}
	return nil
}

func (s *pgRecordStore) Get(ctx context.Context, eventID string) (*domain.EventLockRecord, error) {
	query := `
		SELECT event_id, event_type, status, processing_started_at, processing_completed_at,
		       retry_count, result, last_error, ttl_expiry, correlation_id, source
		FROM event_locks WHERE event_id = $1`

	var rec domain.EventLockRecord
	err := s.pool.QueryRow(ctx, query, eventID).Scan(
		&rec.EventID, &rec.EventType, &rec.Status, &rec.ProcessingStartedAt, &rec.ProcessingCompletedAt,
		&rec.RetryCount, &rec.Result, &rec.Error, &rec.TTLExpiry, &rec.CorrelationID, &rec.Source,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record: %w", err)
	}
	return &rec, nil
}

func (s *pgRecordStore) Delete(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM event_locks WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("postgres: delete record: %w", err)
	}
	return nil
}

func (s *pgRecordStore) DeleteExpired(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error) {
	query := `
		DELETE FROM event_locks
		WHERE ttl_expiry < $1
		  AND NOT (status = $2 AND processing_started_at >= $3)`

	tag, err := s.pool.Exec(ctx, query, cutoff, domain.StatusProcessing, leaseCutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
