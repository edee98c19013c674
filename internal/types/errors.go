package types

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleUpdate is returned when an update's sequence number is not
	// newer than the stored one. It is non-fatal.
	ErrStaleUpdate = errors.New("stale update")
	// ErrComputationTimeout is reported when a cycle overruns its deadline.
	ErrComputationTimeout = errors.New("computation timeout")
	// ErrResolutionInfeasible means no maneuver validated for a conflict.
	ErrResolutionInfeasible = errors.New("resolution infeasible")
)

// ValidationError describes malformed or out-of-range input
type ValidationError struct {
	Entity string
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s %s", e.Entity, e.ID, e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
