package snapshot

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type NotFoundError struct {
	Kind Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("a %s with id %s does not exist", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlternateIDConflictError reports an alternate id owned by another snapshot.
type AlternateIDConflictError struct {
	ID    string
	Owner string
}

func (e *AlternateIDConflictError) Error() string {
	return fmt.Sprintf("alternate snapshot id %q already exists in another snapshot (%s)", e.ID, e.Owner)
}

func (e *AlternateIDConflictError) Unwrap() error { return ErrConflict }

type NameConflictError struct {
	Name string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("a snapshot with id %s already exists - please use a different name", e.Name)
}

func (e *NameConflictError) Unwrap() error { return ErrConflict }

type TransitionError struct {
	Kind Kind
	Key  string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Kind, e.Key, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OperationError wraps a lower-layer failure of a lifecycle step.
type OperationError struct {
	Op  string
	Key string
	Err error
}

func (e *OperationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
