package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/lock"
	"github.com/hooklock/hooklock/internal/metrics"
	"github.com/hooklock/hooklock/internal/redelivery"
)

// ErrSkipEvent is returned by handlers that recognise an event type they
// deliberately do not process. The record is marked SKIPPED, which is
// terminal: later deliveries of the same event are denied as already handled.
var ErrSkipEvent = errors.New("event skipped by handler")

// Handler executes the business effect for an event once the lock is held.
// It runs at most once per event id (absent lease-expiry takeover).
type Handler interface {
	Handle(ctx context.Context, evt *domain.InboundEvent) (json.RawMessage, error)
}

// Outcome describes what a delivery attempt resulted in. Every outcome maps
// to an idempotent response for the sender.
type Outcome struct {
	// Status is one of processed, skipped, duplicate, failed.
	Status string

	// DenyReason is set when Status is duplicate.
	DenyReason lock.DenyReason

	// Record is the event's lock record after the attempt, when known.
	Record *domain.EventLockRecord

	// RetryScheduled reports whether a failed attempt was republished to the
	// retry topic. When false, the caller should surface a retryable error so
	// the sender's own redelivery drives the next attempt.
	RetryScheduled bool
}

// ProcessEventUsecase runs the full pipeline for one delivery:
// acquire → handle → markCompleted/markFailed/markSkipped → maybe schedule a
// retry. Both the HTTP receiver and the redelivery consumer share it.
type ProcessEventUsecase struct {
	coord   *lock.Coordinator
	handler Handler
	retry   redelivery.Publisher // nil disables the retry topic
	logger  *zap.Logger
}

// NewProcessEventUsecase creates the pipeline. retry may be nil.
func NewProcessEventUsecase(coord *lock.Coordinator, handler Handler, retry redelivery.Publisher, logger *zap.Logger) *ProcessEventUsecase {
	return &ProcessEventUsecase{
		coord:   coord,
		handler: handler,
		retry:   retry,
		logger:  logger,
	}
}

// Execute processes a single delivery. A non-nil error means the attempt
// could not be safely resolved (store outage, handler failure with no retry
// scheduled) and the sender should see a retryable response; every other
// path yields a fast idempotent outcome.
func (uc *ProcessEventUsecase) Execute(ctx context.Context, evt *domain.InboundEvent) (Outcome, error) {
	res, err := uc.coord.Acquire(ctx, lock.AcquireRequest{
		EventID:       evt.ID,
		EventType:     evt.Type,
		Source:        evt.Source,
		CorrelationID: evt.CorrelationID,
	})
	if err != nil {
		return Outcome{}, err
	}

	if !res.Acquired {
		uc.logger.Info("Duplicate delivery denied",
			zap.String("event_id", evt.ID),
			zap.String("reason", string(res.Reason)),
		)
		return Outcome{Status: "duplicate", DenyReason: res.Reason, Record: res.Record}, nil
	}

	start := time.Now()
	result, handleErr := uc.handler.Handle(ctx, evt)
	metrics.HandlerDuration.WithLabelValues(evt.Type).Observe(time.Since(start).Seconds())

	if errors.Is(handleErr, ErrSkipEvent) {
		if err := uc.coord.MarkSkipped(ctx, evt.ID); err != nil && !errors.Is(err, domain.ErrLockContention) {
			return Outcome{}, err
		}
		return Outcome{Status: "skipped", Record: res.Record}, nil
	}

	if handleErr != nil {
		if err := uc.coord.MarkFailed(ctx, evt.ID, handleErr.Error()); err != nil && !errors.Is(err, domain.ErrLockContention) {
			return Outcome{}, err
		}

		outcome := Outcome{Status: "failed", Record: res.Record}
		// The record held retryCount from before this failure; the attempt we
		// just recorded pushed it one higher.
		retryable := res.Record.RetryCount+1 < uc.coord.MaxRetries()
		if retryable && uc.retry != nil {
			if pubErr := uc.retry.Publish(ctx, evt); pubErr != nil {
				uc.logger.Warn("Failed to schedule redelivery",
					zap.String("event_id", evt.ID),
					zap.Error(pubErr),
				)
			} else {
				outcome.RetryScheduled = true
			}
		}

		uc.logger.Error("Handler failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Bool("retry_scheduled", outcome.RetryScheduled),
			zap.Error(handleErr),
		)
		return outcome, handleErr
	}

	if err := uc.coord.MarkCompleted(ctx, evt.ID, result); err != nil {
		if errors.Is(err, domain.ErrLockContention) {
			// A takeover raced our completion; the business effect already
			// ran here, so surface it instead of pretending success.
			uc.logger.Warn("Completion lost to takeover",
				zap.String("event_id", evt.ID),
			)
		}
		return Outcome{}, err
	}

	uc.logger.Info("Event processed",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("source", evt.Source),
	)
	return Outcome{Status: "processed", Record: res.Record}, nil
}
