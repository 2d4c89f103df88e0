package recurrence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotDue is returned by Plan when the rule has no run at or before asOf.
	ErrNotDue = errors.New("recurring invoice is not due")
	// ErrConcurrentModification means a write lost a race against another writer.
	// Callers re-read the rule and retry.
	ErrConcurrentModification = errors.New("recurring invoice was modified concurrently")
	// ErrNotFound is returned when a recurring invoice does not exist.
	ErrNotFound = errors.New("recurring invoice not found")
	// ErrValidation matches any *ValidationError through errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError lists every problem found in a rule. It is never partially applied.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid recurring invoice: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// PersistenceError wraps a store failure during materialization. The rule is left untouched.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
