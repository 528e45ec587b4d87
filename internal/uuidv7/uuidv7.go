// Package uuidv7 mints time-ordered identifiers. Keys built from NewString
// sort in creation order within one process, which the WAL relies on to
// replay the entries of a transaction in the order they were logged.
package uuidv7

import "github.com/google/uuid"

// New panics only when the system random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString is New in canonical text form.
func NewString() string { return New().String() }
