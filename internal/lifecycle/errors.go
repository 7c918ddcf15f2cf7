package lifecycle

import "fmt"

// ValidationError reports bad caller input: non-positive resources,
// malformed identifiers, quota problems.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown instance or owner.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

func notFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// StateConflictError reports an operation invalid for the instance's
// current status.
type StateConflictError struct {
	Msg string
}

func (e *StateConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return &StateConflictError{Msg: fmt.Sprintf(format, args...)}
}
