// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errkinds defines the kinds of errors reported by the tensor metadata and allocator packages.
//
// Every error returned by tensorcore wraps one of the sentinel values below, so callers can
// classify it with errors.Is, while still getting the full message and stack trace created by
// github.com/pkg/errors:
//
//	if errors.Is(err, errkinds.ErrOutOfMemory) {
//		batchSize /= 2
//	}
package errkinds

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is returned for malformed shapes or strides, dimension-count mismatches and
	// negative sizes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPreconditionViolation is returned when an operation is attempted in a state that doesn't allow it:
	// changing the metadata of a frozen tensor, bumping a disabled version counter outside inference mode,
	// or accessing an unavailable device or storage.
	ErrPreconditionViolation = errors.New("precondition violation")

	// ErrOutOfMemory is returned when the allocator can't satisfy a request even after flushing its cache.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrIntegerOverflow is returned when the number of elements (or bytes) of a shape can't be represented.
	ErrIntegerOverflow = errors.New("integer overflow")
)

// kindError attaches a kind to a message, keeping both visible in Error().
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg + ": " + e.kind.Error() }

// Unwrap returns the kind, so errors.Is works.
func (e *kindError) Unwrap() error { return e.kind }

func newf(kind error, format string, args ...any) error {
	return errors.WithStack(&kindError{kind: kind, msg: errors.Errorf(format, args...).Error()})
}

// InvalidArgumentf returns an error of kind ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return newf(ErrInvalidArgument, format, args...)
}

// PreconditionViolationf returns an error of kind ErrPreconditionViolation.
func PreconditionViolationf(format string, args ...any) error {
	return newf(ErrPreconditionViolation, format, args...)
}

// OutOfMemoryf returns an error of kind ErrOutOfMemory.
func OutOfMemoryf(format string, args ...any) error {
	return newf(ErrOutOfMemory, format, args...)
}

// IntegerOverflowf returns an error of kind ErrIntegerOverflow.
func IntegerOverflowf(format string, args ...any) error {
	return newf(ErrIntegerOverflow, format, args...)
}

// Kind returns which of the sentinel kinds err wraps, or nil if none.
func Kind(err error) error {
	for _, kind := range []error{ErrInvalidArgument, ErrPreconditionViolation, ErrOutOfMemory, ErrIntegerOverflow} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
