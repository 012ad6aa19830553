// Package errors provides error wrapping utilities and the export failure taxonomy.
//
// Every pipeline stage returns an *Error tagged with a Kind so the orchestrator can
// record a job's terminal error without inspecting messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies why an export job failed.
type Kind string

const (
	KindConnection   Kind = "connection"
	KindPrecondition Kind = "precondition"
	KindLease        Kind = "lease"
	KindTransfer     Kind = "transfer"
	KindPackaging    Kind = "packaging"
	KindTimeout      Kind = "timeout"
	KindPublish      Kind = "publish"
)

// Error is a classified failure raised by one operation of the export pipeline.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// E builds a classified error. An error that is already classified keeps its
// original kind so the first failure point wins.
func E(kind Kind, op string, err error) error {
	var existing *Error
	if err != nil && stderrors.As(err, &existing) {
		return Wrap(err, op)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is and As re-export the standard library helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// New mirrors errors.New.
func New(text string) error { return stderrors.New(text) }
