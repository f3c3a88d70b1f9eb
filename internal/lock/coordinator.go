// Package lock implements the event deduplication and distributed-lock
// coordinator. Many stateless invocations with no shared memory agree on a
// single winner per event id using only the record store's atomic conditional
// writes; there is no lock server and no heartbeat. A PROCESSING record older
// than the lease duration is never assumed alive and may be taken over.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/metrics"
	"github.com/hooklock/hooklock/internal/repository"
	"github.com/hooklock/hooklock/internal/signature"
)

// DenyReason explains why Acquire returned without the lock. Contention and
// exhaustion are expected outcomes, not errors.
type DenyReason string

const (
	DenyAlreadyCompleted DenyReason = "already_completed"
	DenyInFlight         DenyReason = "in_flight"
	DenyRetriesExhausted DenyReason = "retries_exhausted"
	DenyContended        DenyReason = "contended"
)

// Config carries the coordinator's tunables. A Coordinator is cheap to
// construct, so tests build several against distinct in-memory stores.
type Config struct {
	// LeaseDuration is how long a PROCESSING record is treated as actively
	// held. Default 30s.
	LeaseDuration time.Duration

	// MaxRetries is the number of FAILED transitions after which an event is
	// permanently denied. Default 3.
	MaxRetries int

	// Retention is how long finished records are kept for dedup before the
	// sweeper may purge them. Must be materially larger than LeaseDuration.
	// Default 30 days.
	Retention time.Duration

	// SigningSecret, when set, makes Acquire verify the delivery signature
	// before touching the record store.
	SigningSecret string

	// SignatureTolerance bounds the replay window for signed deliveries.
	SignatureTolerance time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.SignatureTolerance <= 0 {
		c.SignatureTolerance = signature.DefaultTolerance
	}
	return c
}

// AcquireRequest identifies the delivery attempting to take the event lock.
type AcquireRequest struct {
	EventID       string
	EventType     string
	Source        string
	CorrelationID string

	// Payload and SignatureHeader are consulted only when the coordinator is
	// configured with a signing secret.
	Payload         []byte
	SignatureHeader string
}

// Result is the tagged outcome of an Acquire call. Exactly one invocation
// observes Acquired=true for a given event id at a given instant.
type Result struct {
	Acquired bool
	Reason   DenyReason

	// Record is the freshly written record on success, or the existing record
	// explaining the denial (best effort for DenyContended).
	Record *domain.EventLockRecord
}

// Coordinator decides lock acquisition, stale-lock takeover, and terminal
// transitions. It is a value around an injected store and clock with no
// hidden mutable state.
type Coordinator struct {
	store    repository.RecordStore
	cfg      Config
	verifier signature.Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Coordinator. Zero-value config fields fall back to the
// documented defaults.
func New(store repository.RecordStore, cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		verifier: signature.Verifier{Tolerance: cfg.SignatureTolerance},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the coordinator's clock. Test helper; returns the
// coordinator for chaining.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// MaxRetries exposes the configured retry budget so callers can decide
// whether a just-failed event is still retryable.
func (c *Coordinator) MaxRetries() int {
	return c.cfg.MaxRetries
}

// Acquire decides whether this invocation may process the event. It never
// blocks waiting for another invocation: the answer is always an immediate
// Acquired or Denied, and Denied callers must not poll; they return an
// idempotent response and rely on redelivery.
func (c *Coordinator) Acquire(ctx context.Context, req AcquireRequest) (Result, error) {
	if req.EventID == "" {
		return Result{}, domain.ErrMissingEventID
	}
	if c.cfg.SigningSecret != "" {
		if err := c.verifier.Verify(req.Payload, req.SignatureHeader, c.cfg.SigningSecret); err != nil {
			metrics.SignatureFailures.Inc()
			return Result{}, err
		}
	}

	cur, err := c.store.Get(ctx, req.EventID)
	if err != nil {
		return Result{}, c.storeErr("get record", req.EventID, err)
	}

	if cur == nil {
		rec := c.newRecord(req)
		err := c.store.CreateIfAbsent(ctx, rec)
		if err == nil {
			metrics.AcquiresTotal.WithLabelValues("acquired").Inc()
			return Result{Acquired: true, Record: rec}, nil
		}
		if !errors.Is(err, repository.ErrAlreadyExists) {
			return Result{}, c.storeErr("create record", req.EventID, err)
		}
		// A concurrent creator won the race; evaluate the record it wrote.
		cur, err = c.store.Get(ctx, req.EventID)
		if err != nil {
			return Result{}, c.storeErr("get record", req.EventID, err)
		}
		if cur == nil {
			metrics.AcquiresTotal.WithLabelValues("contended").Inc()
			return Result{Reason: DenyContended}, nil
		}
	}

	return c.evaluate(ctx, req, cur)
}

// evaluate applies the status branching against an existing record,
// attempting a guarded takeover where the record is stale or retryable.
func (c *Coordinator) evaluate(ctx context.Context, req AcquireRequest, cur *domain.EventLockRecord) (Result, error) {
	now := c.now()

	switch cur.Status {
	case domain.StatusCompleted, domain.StatusSkipped:
		metrics.AcquiresTotal.WithLabelValues("already_completed").Inc()
		return Result{Reason: DenyAlreadyCompleted, Record: cur}, nil

	case domain.StatusFailed:
		if cur.RetryCount >= c.cfg.MaxRetries {
			metrics.AcquiresTotal.WithLabelValues("retries_exhausted").Inc()
			return Result{Reason: DenyRetriesExhausted, Record: cur}, nil
		}
		guard := repository.Guard{
			ExpectStatus:     []domain.Status{domain.StatusFailed},
			ExpectRetryCount: intPtr(cur.RetryCount),
		}
		return c.takeover(ctx, req, cur, guard, now)

	case domain.StatusProcessing:
		staleCutoff := now.Add(-c.cfg.LeaseDuration)
		if !cur.ProcessingStartedAt.Before(staleCutoff) {
			metrics.AcquiresTotal.WithLabelValues("in_flight").Inc()
			return Result{Reason: DenyInFlight, Record: cur}, nil
		}
		guard := repository.Guard{
			ExpectStatus:     []domain.Status{domain.StatusProcessing},
			ExpectRetryCount: intPtr(cur.RetryCount),
			StartedBefore:    &staleCutoff,
		}
		return c.takeover(ctx, req, cur, guard, now)
	}

	return Result{}, fmt.Errorf("lock: record %s has unknown status %q", cur.EventID, cur.Status)
}

func (c *Coordinator) takeover(ctx context.Context, req AcquireRequest, cur *domain.EventLockRecord, guard repository.Guard, now time.Time) (Result, error) {
	next := *cur
	next.Status = domain.StatusProcessing
	next.ProcessingStartedAt = now
	next.ProcessingCompletedAt = nil
	next.Result = nil
	next.TTLExpiry = now.Add(c.cfg.Retention)
	if req.EventType != "" {
		next.EventType = req.EventType
	}
	if req.CorrelationID != "" {
		next.CorrelationID = req.CorrelationID
	}

	err := c.store.ConditionalReplace(ctx, &next, guard)
	if err == nil {
		c.logger.Info("Took over event lock",
			zap.String("event_id", next.EventID),
			zap.String("prior_status", string(cur.Status)),
			zap.Int("retry_count", next.RetryCount),
		)
		metrics.AcquiresTotal.WithLabelValues("takeover").Inc()
		return Result{Acquired: true, Record: &next}, nil
	}
	if errors.Is(err, repository.ErrPredicateFailed) {
		// Another invocation won the race. Re-read for the caller's benefit.
		latest, getErr := c.store.Get(ctx, req.EventID)
		if getErr != nil {
			latest = cur
		}
		metrics.AcquiresTotal.WithLabelValues("contended").Inc()
		return Result{Reason: DenyContended, Record: latest}, nil
	}
	return Result{}, c.storeErr("takeover", req.EventID, err)
}

// MarkCompleted transitions the record to COMPLETED with an optional business
// result snapshot. The guard requires status=PROCESSING, so a late completion
// from a stale holder fails with ErrLockContention once another party has
// taken over or finished.
func (c *Coordinator) MarkCompleted(ctx context.Context, eventID string, result json.RawMessage) error {
	return c.finish(ctx, eventID, domain.StatusCompleted, result, "")
}

// MarkSkipped records that the lock holder deliberately ignored the event
// (e.g. an unhandled event type). Terminal like COMPLETED.
func (c *Coordinator) MarkSkipped(ctx context.Context, eventID string) error {
	return c.finish(ctx, eventID, domain.StatusSkipped, nil, "")
}

func (c *Coordinator) finish(ctx context.Context, eventID string, status domain.Status, result json.RawMessage, errMsg string) error {
	cur, err := c.store.Get(ctx, eventID)
	if err != nil {
		return c.storeErr("get record", eventID, err)
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, eventID)
	}

	now := c.now()
	next := *cur
	next.Status = status
	next.ProcessingCompletedAt = &now
	next.Result = result
	if errMsg != "" {
		next.Error = errMsg
	}

	guard := repository.Guard{ExpectStatus: []domain.Status{domain.StatusProcessing}}
	err = c.store.ConditionalReplace(ctx, &next, guard)
	if errors.Is(err, repository.ErrPredicateFailed) {
		c.logger.Info("Stale completion rejected",
			zap.String("event_id", eventID),
			zap.String("intended_status", string(status)),
		)
		return fmt.Errorf("%w: %s no longer held", domain.ErrLockContention, eventID)
	}
	if err != nil {
		return c.storeErr("mark "+string(status), eventID, err)
	}
	return nil
}

// MarkFailed records a failed attempt: status=FAILED, retryCount+1, and the
// failure reason. The guard only requires the record to exist; a failure is
// always worth recording, even across takeovers. Whether another attempt is
// allowed is decided by the next Acquire, not here.
func (c *Coordinator) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	cur, err := c.store.Get(ctx, eventID)
	if err != nil {
		return c.storeErr("get record", eventID, err)
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, eventID)
	}

	now := c.now()
	next := *cur
	next.Status = domain.StatusFailed
	next.RetryCount = cur.RetryCount + 1
	next.ProcessingCompletedAt = &now
	next.Error = errMsg

	err = c.store.ConditionalReplace(ctx, &next, repository.Guard{})
	if errors.Is(err, repository.ErrPredicateFailed) {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, eventID)
	}
	if err != nil {
		return c.storeErr("mark failed", eventID, err)
	}
	return nil
}

// GetRecord returns the record for the event id, or nil when absent.
func (c *Coordinator) GetRecord(ctx context.Context, eventID string) (*domain.EventLockRecord, error) {
	rec, err := c.store.Get(ctx, eventID)
	if err != nil {
		return nil, c.storeErr("get record", eventID, err)
	}
	return rec, nil
}

// IsProcessed reports whether the event has reached a terminal handled state
// (COMPLETED or SKIPPED).
func (c *Coordinator) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	rec, err := c.GetRecord(ctx, eventID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status.IsTerminal(), nil
}

func (c *Coordinator) newRecord(req AcquireRequest) *domain.EventLockRecord {
	now := c.now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		id, _ := uuid.NewV7()
		correlationID = id.String()
	}
	return &domain.EventLockRecord{
		EventID:             req.EventID,
		EventType:           req.EventType,
		Status:              domain.StatusProcessing,
		ProcessingStartedAt: now,
		RetryCount:          0,
		TTLExpiry:           now.Add(c.cfg.Retention),
		CorrelationID:       correlationID,
		Source:              req.Source,
	}
}

func (c *Coordinator) storeErr(op, eventID string, err error) error {
	metrics.StoreErrors.Inc()
	c.logger.Error("Record store failure",
		zap.String("op", op),
		zap.String("event_id", eventID),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s %s: %v", domain.ErrStoreUnavailable, op, eventID, err)
}

func intPtr(v int) *int { return &v }
