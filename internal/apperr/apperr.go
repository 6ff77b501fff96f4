// Package apperr defines the structured error kinds returned by ledger operations.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was refused.
type Kind string

const (
	KindInvalidState       Kind = "invalid_state"
	KindInvalidCheckpoint  Kind = "invalid_checkpoint"
	KindCommitmentMismatch Kind = "commitment_mismatch"
	KindUnauthorized       Kind = "unauthorized"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindNotFound           Kind = "not_found"
	KindInvalidArgument    Kind = "invalid_argument"
)

// Error is a refused operation. Op names the operation and Reason the failing precondition.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Reason != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrUnauthorized) works
// regardless of Op and Reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports false: a refused operation fails the same way on every attempt.
func (e *Error) Retryable() bool { return false }

// Code returns the kind as a string.
func (e *Error) Code() string { return string(e.Kind) }

var (
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrInvalidCheckpoint  = &Error{Kind: KindInvalidCheckpoint}
	ErrCommitmentMismatch = &Error{Kind: KindCommitmentMismatch}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
)

// New builds an *Error with a formatted reason.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
