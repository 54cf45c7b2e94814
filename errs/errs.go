// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package errs defines the error kinds surfaced by the board driver.
//
// Errors that cross a Board method boundary carry a *E, possibly wrapped
// (Seek's bare ESPIPE is the one exception). Besides being a normal Go
// error, an *E records which of the six kinds applies and maps to
// the negative errno-style code the control plane returns, matching how a
// real character device reports failures to userspace.
package errs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Kind is one of the board's error categories, returned at the Board method
// boundary so a caller can distinguish "hardware said no" from "bad
// argument" from "try again".
type Kind int

const (
	// Other is used internally only; no Board method returns it.
	Other Kind = iota
	// InvalidArgument covers alignment, size bounds, and unknown ioctls.
	InvalidArgument
	// ResourceBusy covers a held direction gate or an unenumerable device.
	ResourceBusy
	// NoMemory covers page-pin and scatter-gather table allocation failure.
	NoMemory
	// IO covers hardware refusal, an interrupted wait, and activation
	// failing past MAGIC_MATCH.
	IO
	// HardwareInvalid covers a magic mismatch.
	HardwareInvalid
	// NotATTY covers ioctl shape validation (unknown magic or number).
	NotATTY
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid-argument"
	case ResourceBusy:
		return "resource-busy"
	case NoMemory:
		return "no-memory"
	case IO:
		return "io-error"
	case HardwareInvalid:
		return "hardware-invalid"
	case NotATTY:
		return "not-a-tty"
	default:
		return "other"
	}
}

// Errno returns the negative errno-style code a character device would
// return for this kind. HardwareInvalid maps to ENXIO (no such device or
// address), matching a magic mismatch being "this isn't the device I
// expect" rather than a transient I/O failure.
func (k Kind) Errno() int {
	switch k {
	case InvalidArgument:
		return -int(unix.EINVAL)
	case ResourceBusy:
		return -int(unix.EBUSY)
	case NoMemory:
		return -int(unix.ENOMEM)
	case IO:
		return -int(unix.EIO)
	case HardwareInvalid:
		return -int(unix.ENXIO)
	case NotATTY:
		return -int(unix.ENOTTY)
	default:
		return -int(unix.EIO)
	}
}

// E is the concrete error type returned across the driver's public surface.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *E) Unwrap() error { return e.Err }

// New wraps err (which may be nil) as an *E of the given kind, tagged with
// the operation that failed.
func New(kind Kind, op string, err error) error {
	return &E{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or Other if err is nil or was not
// produced by this package. It walks err's Unwrap chain, so a Kind survives
// being wrapped by fmt.Errorf("%w", ...) or ladder.Ladder.Activate's
// step-name annotation.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
