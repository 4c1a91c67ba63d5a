// Package coreerr defines the sentinel error kinds surfaced by the hub's
// core engines to callers and to events, mirroring the teacher's
// sentinel-plus-wrap discipline for ledger errors.
package coreerr

import "errors"

// Sentinel error kinds. Call sites wrap these with context via
// fmt.Errorf("...: %w", ErrX) so errors.Is still matches.
var (
	// ErrInvalidRequest: malformed input, unknown participant/equivalent,
	// self-payment, amount <= 0.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoPath: routing found no connected path.
	ErrNoPath = errors.New("no path")

	// ErrInsufficientCapacity: path(s) exist but residual capacity too small.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrConflict: lock conflict or state raced under us.
	ErrConflict = errors.New("conflict")

	// ErrFrozen: participant or edge became non-active mid-operation.
	ErrFrozen = errors.New("frozen")

	// ErrTimeout: deadline exceeded before commit.
	ErrTimeout = errors.New("timeout")

	// ErrNotEmpty: trying to close a TrustLine with non-zero debt.
	ErrNotEmpty = errors.New("not empty")

	// ErrAlreadyExists: idempotent create with conflicting state.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInProgress: idempotency key reused while in-flight.
	ErrInProgress = errors.New("in progress")
)

// Kind returns the stable error-kind label for metrics and event payloads.
// Returns "Unknown" for errors that don't wrap one of the sentinels above.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrNoPath):
		return "NoPath"
	case errors.Is(err, ErrInsufficientCapacity):
		return "InsufficientCapacity"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrFrozen):
		return "Frozen"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNotEmpty):
		return "NotEmpty"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrInProgress):
		return "InProgress"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether the PaymentEngine/ClearingEngine may recover
// from this error by skipping the affected payment or cycle and continuing
// the tick, rather than failing the whole operation.
func Recoverable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrFrozen)
}
