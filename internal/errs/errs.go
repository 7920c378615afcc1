// Package errs holds the sentinel errors shared by the tracer and the
// registration code, and a classifier that maps them onto stable codes for
// logs, metrics and exit statuses.
package errs

import (
	"errors"
	"os"
)

var (
	// ErrSearchExhausted means no further order or fiber could be found.
	// It ends one search direction; only a failed bootstrap makes it fatal.
	ErrSearchExhausted = errors.New("search exhausted")

	// ErrInvalidInput covers malformed metadata, bad image shapes, bad
	// parameters and catalogs too small to match.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFitFailed is an underdetermined or singular least-squares fit.
	ErrFitFailed = errors.New("fit failed")

	// ErrOutOfBounds is a slice window that falls off the detector.
	ErrOutOfBounds = errors.New("window out of bounds")
)

// Code is a short, stable error category.
type Code string

const (
	CodeNone            Code = "none"
	CodeSearchExhausted Code = "search_exhausted"
	CodeInvalidInput    Code = "invalid_input"
	CodeFitFailed       Code = "fit_failed"
	CodeOutOfBounds     Code = "out_of_bounds"
	CodeIO              Code = "io"
	CodeInternal        Code = "internal"
)

// Classify maps err to a Code using errors.Is / errors.As only.
func Classify(err error) Code {
	if err == nil {
		return CodeNone
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrSearchExhausted):
		return CodeSearchExhausted
	case errors.Is(err, ErrFitFailed):
		return CodeFitFailed
	case errors.Is(err, ErrOutOfBounds):
		return CodeOutOfBounds
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeInternal
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	switch Classify(err) {
	case CodeNone:
		return 0
	case CodeInvalidInput:
		return 2
	default:
		return 1
	}
}
