package replay

import (
	"fmt"
	"math/big"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
)

// ToleranceError reports a replayed quantity outside the run's tolerance.
// For swap prices it is raised only after the recovery retry also failed.
type ToleranceError struct {
	GlobalIndex int64
	Kind        eventlog.Kind
	Field       string
	Expected    *big.Int
	Actual      *big.Int
	Fraction    float64
	Retried     bool
}

func (e *ToleranceError) Error() string {
	msg := fmt.Sprintf("event %d (%s): %s outside tolerance %g: expected %s, got %s",
		e.GlobalIndex, e.Kind, e.Field, e.Fraction, e.Expected, e.Actual)
	if e.Retried {
		msg += " after recovery retry"
	}
	return msg
}

// InvariantError reports a quantity that must match exactly and did not.
type InvariantError struct {
	GlobalIndex int64
	Kind        eventlog.Kind
	Field       string
	Expected    *big.Int
	Actual      *big.Int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("event %d (%s): %s mismatch: expected %s, got %s",
		e.GlobalIndex, e.Kind, e.Field, e.Expected, e.Actual)
}

// MissingResultError reports a pool operation that produced no extractable
// result: a failed submission, an absent receipt or a missing emitted event.
type MissingResultError struct {
	GlobalIndex int64
	Kind        eventlog.Kind
	Op          string
	Err         error
}

func (e *MissingResultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %d (%s): %s produced no result: %v", e.GlobalIndex, e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("event %d (%s): %s produced no result", e.GlobalIndex, e.Kind, e.Op)
}

func (e *MissingResultError) Unwrap() error {
	return e.Err
}
