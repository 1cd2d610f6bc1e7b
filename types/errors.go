package types

import (
	"errors"
	"fmt"
)

// The consensus core reports every failure as one of four kinds. Callers test
// with errors.Is; the concrete error carries the context.
var (
	// ErrNotFound means the requested header, roster or height does not exist
	// yet. Always recoverable, e.g. by waiting for more sync.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParam means the caller violated a precondition. Never
	// retryable without correcting the input.
	ErrInvalidParam = errors.New("invalid param")

	// ErrNotEnough means a quorum, ballot or roster size fell short.
	// Recoverable by waiting for more input.
	ErrNotEnough = errors.New("not enough")

	// ErrException means storage or I/O failed. Retry the whole transaction.
	ErrException = errors.New("exception")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return wrapf(ErrNotFound, format, args...)
}

// InvalidParamf wraps ErrInvalidParam with a formatted message.
func InvalidParamf(format string, args ...interface{}) error {
	return wrapf(ErrInvalidParam, format, args...)
}

// NotEnoughf wraps ErrNotEnough with a formatted message.
func NotEnoughf(format string, args ...interface{}) error {
	return wrapf(ErrNotEnough, format, args...)
}

// Exceptionf wraps ErrException with a formatted message.
func Exceptionf(format string, args ...interface{}) error {
	return wrapf(ErrException, format, args...)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ErrBelowIrreversible is returned when a fork would have to rewrite history
// at or below the canonical irreversible point.
type ErrBelowIrreversible struct {
	Number       int64
	Irreversible int64
}

func (e ErrBelowIrreversible) Error() string {
	return fmt.Sprintf("height %d conflicts with irreversible height %d", e.Number, e.Irreversible)
}

// Unwrap classifies the error as an invalid param.
func (e ErrBelowIrreversible) Unwrap() error { return ErrInvalidParam }

// ErrInvalidBlock means a header failed a protocol rule.
type ErrInvalidBlock struct {
	Number int64
	Code   ReasonCode
	Reason error
}

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block #%d (%v): %v", e.Number, e.Code, e.Reason)
}

// Unwrap returns the underlying reason.
func (e ErrInvalidBlock) Unwrap() error { return e.Reason }
