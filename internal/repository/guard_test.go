package repository_test

import (
	"testing"
	"time"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
)

func rec(status domain.Status, retry int, startedAt time.Time) *domain.EventLockRecord {
	return &domain.EventLockRecord{
		EventID:             "evt_1",
		Status:              status,
		RetryCount:          retry,
		ProcessingStartedAt: startedAt,
	}
}

func TestGuard_ZeroValueOnlyRequiresExistence(t *testing.T) {
	g := repository.Guard{}
	if !g.Admits(rec(domain.StatusFailed, 5, time.Now())) {
		t.Error("zero guard should admit any record")
	}
	if g.Admits(nil) {
		t.Error("no guard admits a missing record")
	}
}

func TestGuard_ExpectStatus(t *testing.T) {
	g := repository.Guard{ExpectStatus: []domain.Status{domain.StatusProcessing, domain.StatusFailed}}
	if !g.Admits(rec(domain.StatusFailed, 0, time.Time{})) {
		t.Error("expected FAILED to be admitted")
	}
	if g.Admits(rec(domain.StatusCompleted, 0, time.Time{})) {
		t.Error("COMPLETED must not be admitted")
	}
}

func TestGuard_ExpectRetryCount(t *testing.T) {
	one := 1
	g := repository.Guard{ExpectRetryCount: &one}
	if !g.Admits(rec(domain.StatusFailed, 1, time.Time{})) {
		t.Error("matching retry count should be admitted")
	}
	if g.Admits(rec(domain.StatusFailed, 2, time.Time{})) {
		t.Error("a bumped retry count pins out the stale observer")
	}
}

func TestGuard_StartedBefore(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := repository.Guard{StartedBefore: &cutoff}

	if !g.Admits(rec(domain.StatusProcessing, 0, cutoff.Add(-time.Millisecond))) {
		t.Error("record started before the cutoff should be admitted")
	}
	if g.Admits(rec(domain.StatusProcessing, 0, cutoff)) {
		t.Error("record started exactly at the cutoff is not stale")
	}
	if g.Admits(rec(domain.StatusProcessing, 0, cutoff.Add(time.Millisecond))) {
		t.Error("record started after the cutoff is not stale")
	}
}
