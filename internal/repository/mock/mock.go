package mock

import (
	"context"
	"sync"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
)

var _ repository.RecordStore = (*RecordStore)(nil)

// RecordStore is a test double for repository.RecordStore. Unset functions
// fall back to a real in-memory map so tests only stub what they care about.
type RecordStore struct {
	mu sync.Mutex

	CreateIfAbsentFn     func(ctx context.Context, rec *domain.EventLockRecord) error
	ConditionalReplaceFn func(ctx context.Context, rec *domain.EventLockRecord, guard repository.Guard) error
	GetFn                func(ctx context.Context, eventID string) (*domain.EventLockRecord, error)
	DeleteFn             func(ctx context.Context, eventID string) error
	DeleteExpiredFn      func(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error)

	// Recorded calls for assertions.
	CreateCalls  []domain.EventLockRecord
	ReplaceCalls []ReplaceCall
	GetCalls     []string
	DeleteCalls  []string

	records map[string]domain.EventLockRecord
}

type ReplaceCall struct {
	Record domain.EventLockRecord
	Guard  repository.Guard
}

func (m *RecordStore) CreateIfAbsent(ctx context.Context, rec *domain.EventLockRecord) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, *rec)
	m.mu.Unlock()
	if m.CreateIfAbsentFn != nil {
		return m.CreateIfAbsentFn(ctx, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]domain.EventLockRecord)
	}
	if _, ok := m.records[rec.EventID]; ok {
		return repository.ErrAlreadyExists
	}
	m.records[rec.EventID] = *rec
	return nil
}

func (m *RecordStore) ConditionalReplace(ctx context.Context, rec *domain.EventLockRecord, guard repository.Guard) error {
	m.mu.Lock()
	m.ReplaceCalls = append(m.ReplaceCalls, ReplaceCall{Record: *rec, Guard: guard})
	m.mu.Unlock()
	if m.ConditionalReplaceFn != nil {
		return m.ConditionalReplaceFn(ctx, rec, guard)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.EventID]
	if !ok || !guard.Admits(&cur) {
		return repository.ErrPredicateFailed
	}
	m.records[rec.EventID] = *rec
	return nil
}

func (m *RecordStore) Get(ctx context.Context, eventID string) (*domain.EventLockRecord, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, eventID)
	m.mu.Unlock()
	if m.GetFn != nil {
		return m.GetFn(ctx, eventID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *RecordStore) Delete(ctx context.Context, eventID string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, eventID)
	m.mu.Unlock()
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, eventID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, eventID)
	return nil
}

func (m *RecordStore) DeleteExpired(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error) {
	if m.DeleteExpiredFn != nil {
		return m.DeleteExpiredFn(ctx, cutoff, leaseCutoff)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, rec := range m.records {
		if !rec.TTLExpiry.Before(cutoff) {
			continue
		}
		if rec.Status == domain.StatusProcessing && !rec.ProcessingStartedAt.Before(leaseCutoff) {
			continue
		}
		delete(m.records, id)
		removed++
	}
	return removed, nil
}

// Seed places a record directly into the backing map. Test helper.
func (m *RecordStore) Seed(rec domain.EventLockRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]domain.EventLockRecord)
	}
	m.records[rec.EventID] = rec
}
