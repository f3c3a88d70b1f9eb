package domain

import "errors"

var (
	// ErrStoreUnavailable marks a transient record-store failure. Callers must
	// treat it as "lock state unknown" and fail the request so the sender
	// redelivers; proceeding without a confirmed lock breaks at-most-once.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrSignatureInvalid covers both authentication and replay-window
	// failures. Raised before the lock store is ever touched.
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrLockContention is returned by Mark* calls whose guard no longer
	// matches: another invocation took over or already finished the record.
	// Expected under concurrent delivery, not an infrastructure error.
	ErrLockContention = errors.New("lock contention")

	// ErrRecordNotFound is returned when a record is expected to exist.
	ErrRecordNotFound = errors.New("event record not found")

	// ErrMissingEventID rejects deliveries whose envelope carries no id.
	ErrMissingEventID = errors.New("event id missing from payload")
)
