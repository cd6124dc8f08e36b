// Package fault classifies agent failures for the engine's retry policy.
package fault

import (
	"errors"
	"fmt"
)

// Class is the retry disposition of an agent failure.
type Class string

const (
	// ClassRetryable failures are re-queued with backoff until retries run out.
	ClassRetryable Class = "RETRYABLE"
	// ClassTerminal failures fail the workflow immediately.
	ClassTerminal Class = "TERMINAL"
	// ClassUnexpected covers everything else, including recovered panics.
	ClassUnexpected Class = "UNEXPECTED"
)

// Error carries a class alongside the underlying cause.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRetryable, Err: err}
}

// Terminal marks err as permanent. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTerminal, Err: err}
}

// Retryablef formats a retryable error.
func Retryablef(format string, args ...any) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Terminalf formats a terminal error.
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// ClassOf returns the class of the outermost classified error in err's chain.
// Unclassified errors are Unexpected.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassUnexpected
}

// Panic wraps a recovered panic value.
type Panic struct {
	Value any
	Stack []byte
}

func (p *Panic) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}
