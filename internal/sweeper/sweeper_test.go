package sweeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository/memory"
	"github.com/hooklock/hooklock/internal/repository/mock"
	"github.com/hooklock/hooklock/internal/sweeper"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.Store, id string, status domain.Status, startedAt, expiry time.Time) {
	t.Helper()
	err := store.CreateIfAbsent(context.Background(), &domain.EventLockRecord{
		EventID:             id,
		Status:              status,
		ProcessingStartedAt: startedAt,
		TTLExpiry:           expiry,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSweepOnce_RemovesExpired(t *testing.T) {
	store := memory.New()
	now := base.Add(31 * 24 * time.Hour)

	seed(t, store, "evt_old_done", domain.StatusCompleted, base, base.Add(30*24*time.Hour))
	seed(t, store, "evt_old_failed", domain.StatusFailed, base, base.Add(30*24*time.Hour))
	seed(t, store, "evt_fresh", domain.StatusCompleted, now, now.Add(30*24*time.Hour))

	sw := sweeper.New(store, 30*time.Second, time.Hour, zap.NewNop()).
		WithClock(func() time.Time { return now })

	removed, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if rec, _ := store.Get(context.Background(), "evt_fresh"); rec == nil {
		t.Error("unexpired record must survive")
	}
}

func TestSweepOnce_SparesInLeaseProcessing(t *testing.T) {
	store := memory.New()
	now := base.Add(31 * 24 * time.Hour)

	// Expired by ttl but still inside its lease: the holder may yet finish.
	seed(t, store, "evt_inflight", domain.StatusProcessing, now.Add(-5*time.Second), base)
	// Expired and the lease has long passed: abandoned, sweepable.
	seed(t, store, "evt_abandoned", domain.StatusProcessing, base, base)

	sw := sweeper.New(store, 30*time.Second, time.Hour, zap.NewNop()).
		WithClock(func() time.Time { return now })

	removed, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if rec, _ := store.Get(context.Background(), "evt_inflight"); rec == nil {
		t.Error("in-lease PROCESSING record must survive the sweep")
	}
	if rec, _ := store.Get(context.Background(), "evt_abandoned"); rec != nil {
		t.Error("abandoned PROCESSING record should be swept")
	}
}

func TestSweepOnce_StoreError(t *testing.T) {
	boom := errors.New("connection refused")
	store := &mock.RecordStore{
		DeleteExpiredFn: func(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error) {
			return 0, boom
		},
	}

	sw := sweeper.New(store, 30*time.Second, time.Hour, zap.NewNop())
	if _, err := sw.SweepOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	sw := sweeper.New(store, 30*time.Second, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	sw.Stop() // must return promptly once the context is cancelled
}
