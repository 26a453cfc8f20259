package locate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord reports a malformed reference tree.
	ErrInvalidRecord = errors.New("invalid reference record")
	// ErrEmptyDatabase reports that there are no reference trees to match against.
	ErrEmptyDatabase = errors.New("reference database is empty")
	// ErrInvalidObservation reports an empty batch or a malformed observation.
	ErrInvalidObservation = errors.New("invalid observation")
	// ErrInvalidConfig reports a noise or optimizer parameter out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNotConverged is a warning: the optimizer stopped on its budget and the
	// reported reference is the best candidate seen, not a verified optimum.
	ErrNotConverged = errors.New("optimizer did not converge")
)

// RecordError describes which database row failed validation.
type RecordError struct {
	Row    int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%v: row %d: %s", ErrInvalidRecord, e.Row, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrInvalidRecord }

// ObservationError describes which observation failed validation.
// Index is -1 when the batch as a whole is rejected.
type ObservationError struct {
	Index  int
	Reason string
}

func (e *ObservationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidObservation, e.Reason)
	}
	return fmt.Sprintf("%v: observation %d: %s", ErrInvalidObservation, e.Index, e.Reason)
}

func (e *ObservationError) Unwrap() error { return ErrInvalidObservation }
