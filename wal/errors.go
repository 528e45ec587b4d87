package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAction is returned when an action type has no registry entry.
	ErrUnknownAction = errors.New("wal: unknown action type")
	// ErrInvalidKind is returned for action kinds other than undo and commit.
	ErrInvalidKind = errors.New("wal: invalid action kind")
)

// Error reports a failed log operation or action invocation together with the
// transaction and action kind it concerns.
type Error struct {
	Op    string
	TxID  string
	Kind  ActionKind
	Index int
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "apply":
		return fmt.Sprintf("wal: apply %s action #%d of %s: %v", e.Kind, e.Index, e.TxID, e.Err)
	case e.Kind != "":
		return fmt.Sprintf("wal: %s %s action of %s: %v", e.Op, e.Kind, e.TxID, e.Err)
	default:
		return fmt.Sprintf("wal: %s %s: %v", e.Op, e.TxID, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, txID string, kind ActionKind, err error) error {
	if err == nil {
		return nil
	}
	var walErr *Error
	if errors.As(err, &walErr) && walErr.TxID == txID {
		return err
	}
	return &Error{Op: op, TxID: txID, Kind: kind, Index: -1, Err: err}
}

var (
	errNilAction     = errors.New("nil action")
	errRecordMissing = errors.New("transaction record missing")
)
