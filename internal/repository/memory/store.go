package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
)

var _ repository.RecordStore = (*Store)(nil)

// Store is a mutex-guarded in-memory RecordStore. Every operation holds the
// lock for its full duration, so predicate evaluation and replacement are
// atomic, matching the contract the real backends provide.
type Store struct {
	mu      sync.Mutex
	records map[string]domain.EventLockRecord
}

// New creates an empty in-memory record store.
func New() *Store {
	return &Store{records: make(map[string]domain.EventLockRecord)}
}

func (s *Store) CreateIfAbsent(ctx context.Context, rec *domain.EventLockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.EventID]; ok {
		return repository.ErrAlreadyExists
	}
	s.records[rec.EventID] = *rec
	return nil
}

func (s *Store) ConditionalReplace(ctx context.Context, rec *domain.EventLockRecord, guard repository.Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.EventID]
	if !ok || !guard.Admits(&cur) {
		return repository.ErrPredicateFailed
	}
	s.records[rec.EventID] = *rec
	return nil
}

func (s *Store) Get(ctx context.Context, eventID string) (*domain.EventLockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[eventID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, eventID)
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if !rec.TTLExpiry.Before(cutoff) {
			continue
		}
		if rec.Status == domain.StatusProcessing && !rec.ProcessingStartedAt.Before(leaseCutoff) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}

// Len reports the number of stored records. Test helper.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
