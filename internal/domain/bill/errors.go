package bill

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no bill matches the lookup.
	ErrNotFound = errors.New("bill not found")

	// ErrStale is returned when an optimistic-concurrency update matched no
	// row: another writer advanced the bill's version or status first.
	ErrStale = errors.New("bill was modified concurrently")
)

// ValidationError reports a caller-supplied value that violates a bill
// invariant. No partial writes occur.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateTransitionError reports an attempted transition the state
// machine forbids.
type InvalidStateTransitionError struct {
	BillID uuid.UUID
	From   Status
	To     Status
	Reason string
}

func (e *InvalidStateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("bill %s: cannot transition %s -> %s: %s", e.BillID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("bill %s: cannot transition %s -> %s", e.BillID, e.From, e.To)
}
