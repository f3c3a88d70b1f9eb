package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/metrics"
	"github.com/hooklock/hooklock/internal/repository"
)

// Sweeper removes event records past their retention horizon, out of band
// from request handling. It is the only component allowed to delete records.
type Sweeper struct {
	store    repository.RecordStore
	lease    time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates a Sweeper. lease must match the coordinator's lease duration:
// a PROCESSING record inside its lease is never deleted, even if its
// ttlExpiry has somehow passed (defense against clock skew between the sweep
// and lease horizons).
func New(store repository.RecordStore, lease, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		lease:    lease,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the sweeper's clock. Test helper.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepOnce deletes all records whose ttlExpiry has passed, sparing
// PROCESSING records still inside their lease. Returns the deleted count.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := s.now()
	removed, err := s.store.DeleteExpired(ctx, now, now.Add(-s.lease))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		metrics.SweptRecords.Add(float64(removed))
		s.logger.Info("Swept expired event records", zap.Int64("removed", removed))
	}
	return removed, nil
}

// Start launches the background sweep loop. Call Stop to wait for it to exit
// after cancelling the context.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("Retention sweeper started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("Sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop waits for the sweep loop to finish.
func (s *Sweeper) Stop() {
	s.wg.Wait()
}
