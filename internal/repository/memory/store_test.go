package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
	"github.com/hooklock/hooklock/internal/repository/memory"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func processingRec(id string, startedAt time.Time) *domain.EventLockRecord {
	return &domain.EventLockRecord{
		EventID:             id,
		Status:              domain.StatusProcessing,
		ProcessingStartedAt: startedAt,
		TTLExpiry:           startedAt.Add(30 * 24 * time.Hour),
	}
}

func TestCreateIfAbsent_Duplicate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if err := store.CreateIfAbsent(ctx, processingRec("evt_1", base)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := store.CreateIfAbsent(ctx, processingRec("evt_1", base))
	if !errors.Is(err, repository.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateIfAbsent_Concurrent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created int

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CreateIfAbsent(ctx, processingRec("evt_1", base)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly 1 successful create, got %d", created)
	}
}

func TestConditionalReplace_GuardMismatch(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if err := store.CreateIfAbsent(ctx, processingRec("evt_1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := processingRec("evt_1", base.Add(time.Minute))
	guard := repository.Guard{ExpectStatus: []domain.Status{domain.StatusFailed}}
	err := store.ConditionalReplace(ctx, next, guard)
	if !errors.Is(err, repository.ErrPredicateFailed) {
		t.Fatalf("expected ErrPredicateFailed, got %v", err)
	}

	// Stored record is untouched after a failed replace.
	got, _ := store.Get(ctx, "evt_1")
	if !got.ProcessingStartedAt.Equal(base) {
		t.Error("failed replace must not mutate the record")
	}
}

func TestConditionalReplace_MissingRecord(t *testing.T) {
	store := memory.New()

	err := store.ConditionalReplace(context.Background(), processingRec("evt_x", base), repository.Guard{})
	if !errors.Is(err, repository.ErrPredicateFailed) {
		t.Fatalf("expected ErrPredicateFailed, got %v", err)
	}
}

func TestConditionalReplace_RetryCountPin(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec := processingRec("evt_1", base)
	rec.Status = domain.StatusFailed
	rec.RetryCount = 2
	if err := store.CreateIfAbsent(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	one := 1
	stalePin := repository.Guard{
		ExpectStatus:     []domain.Status{domain.StatusFailed},
		ExpectRetryCount: &one,
	}
	if err := store.ConditionalReplace(ctx, processingRec("evt_1", base), stalePin); !errors.Is(err, repository.ErrPredicateFailed) {
		t.Fatalf("expected stale pin to fail, got %v", err)
	}

	two := 2
	freshPin := repository.Guard{
		ExpectStatus:     []domain.Status{domain.StatusFailed},
		ExpectRetryCount: &two,
	}
	if err := store.ConditionalReplace(ctx, processingRec("evt_1", base), freshPin); err != nil {
		t.Fatalf("expected fresh pin to succeed, got %v", err)
	}
}

func TestGet_Absent(t *testing.T) {
	store := memory.New()

	rec, err := store.Get(context.Background(), "evt_missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if err := store.CreateIfAbsent(ctx, processingRec("evt_1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.Get(ctx, "evt_1")
	got.Status = domain.StatusCompleted

	again, _ := store.Get(ctx, "evt_1")
	if again.Status != domain.StatusProcessing {
		t.Error("mutating a returned record must not affect the store")
	}
}

func TestDelete_Absent(t *testing.T) {
	store := memory.New()
	if err := store.Delete(context.Background(), "evt_missing"); err != nil {
		t.Fatalf("deleting an absent record should not error: %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := base.Add(31 * 24 * time.Hour)

	// Expired and finished: eligible.
	done := processingRec("evt_done", base)
	done.Status = domain.StatusCompleted
	store.CreateIfAbsent(ctx, done)

	// Expired but PROCESSING inside its lease: protected.
	inflight := processingRec("evt_inflight", now.Add(-10*time.Second))
	inflight.TTLExpiry = base // somehow already past retention
	store.CreateIfAbsent(ctx, inflight)

	// Not yet expired: kept.
	fresh := processingRec("evt_fresh", now)
	store.CreateIfAbsent(ctx, fresh)

	removed, err := store.DeleteExpired(ctx, now, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if rec, _ := store.Get(ctx, "evt_done"); rec != nil {
		t.Error("expired completed record should be gone")
	}
	if rec, _ := store.Get(ctx, "evt_inflight"); rec == nil {
		t.Error("in-lease PROCESSING record must survive the sweep")
	}
	if rec, _ := store.Get(ctx, "evt_fresh"); rec == nil {
		t.Error("unexpired record must survive the sweep")
	}
}
