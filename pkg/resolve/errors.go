package resolve

import (
	"github.com/pkg/errors"
)

var (
	// ErrValidation means the request was rejected before any state mutation.
	ErrValidation = errors.New("invalid resolve request")

	// ErrNoActiveSet is returned by a ParameterProvider when the tenant has
	// never published a parameter set. Store outages are reported as their
	// own errors, not as this sentinel.
	ErrNoActiveSet = errors.New("no active parameter set")

	// ErrParameterUnavailable means no match parameter set is loaded for the
	// tenant. Scoring fails closed: the record is neither created nor linked.
	ErrParameterUnavailable = errors.New("no match parameters available")

	// ErrConcurrencyConflict means lock or transaction contention persisted
	// through the bounded retries. The call is safe to retry; the fast path
	// makes retries idempotent.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPersistence means the durable store rejected a write or was
	// unreachable. No partial mutation is retained.
	ErrPersistence = errors.New("persistence failure")
)
