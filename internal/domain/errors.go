// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: entity was modified by another writer")

// ErrInvalidTransition indicates a state machine violation. Callers must not
// retry: the transition is rejected permanently.
var ErrInvalidTransition = errors.New("invalid state transition")
