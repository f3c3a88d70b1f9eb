package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
)

var (
	// ErrAlreadyExists is returned by CreateIfAbsent when a concurrent
	// creator won the race for the event id.
	ErrAlreadyExists = errors.New("repository: record already exists")

	// ErrPredicateFailed is returned by ConditionalReplace when the guard no
	// longer matches the persisted record (or the record is gone).
	ErrPredicateFailed = errors.New("repository: predicate failed")
)

// Guard is the predicate a ConditionalReplace is gated on. It is declarative
// so each backend can evaluate it atomically against the persisted record:
// Postgres compiles it into the UPDATE's WHERE clause, Redis checks it inside
// a Lua script, and the in-memory store calls Admits under its lock. A
// zero-value Guard only requires that the record exists.
type Guard struct {
	// ExpectStatus requires the stored status to be one of these values.
	// Empty means any status is acceptable.
	ExpectStatus []domain.Status

	// ExpectRetryCount, when non-nil, requires the stored retry count to
	// equal this value. Pins the record version observed at read time so two
	// racing takeovers cannot both win.
	ExpectRetryCount *int

	// StartedBefore, when non-nil, requires processingStartedAt to be
	// strictly earlier than this instant. Used for stale-lease takeover.
	StartedBefore *time.Time
}

// Admits reports whether the guard holds for the given record.
func (g Guard) Admits(rec *domain.EventLockRecord) bool {
	if rec == nil {
		return false
	}
	if len(g.ExpectStatus) > 0 {
		match := false
		for _, s := range g.ExpectStatus {
			if rec.Status == s {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if g.ExpectRetryCount != nil && rec.RetryCount != *g.ExpectRetryCount {
		return false
	}
	if g.StartedBefore != nil && !rec.ProcessingStartedAt.Before(*g.StartedBefore) {
		return false
	}
	return true
}

// RecordStore is the thin client over a key-value store with atomic,
// conditional single-row writes. It holds no business logic and performs no
// retries; both belong to the caller.
type RecordStore interface {
	// CreateIfAbsent atomically creates the record, failing with
	// ErrAlreadyExists if any record is present for the event id.
	CreateIfAbsent(ctx context.Context, rec *domain.EventLockRecord) error

	// ConditionalReplace atomically replaces the stored record iff the guard
	// holds against its current persisted state. Fails with
	// ErrPredicateFailed otherwise.
	ConditionalReplace(ctx context.Context, rec *domain.EventLockRecord, guard Guard) error

	// Get returns the record for the event id, or (nil, nil) when absent.
	Get(ctx context.Context, eventID string) (*domain.EventLockRecord, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, eventID string) error

	// DeleteExpired removes records whose ttlExpiry is before cutoff, except
	// PROCESSING records whose lease is still live (processingStartedAt at or
	// after leaseCutoff). Returns the number of records removed.
	DeleteExpired(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error)
}
