// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

// Error is a small, stable error-code type, modeled on
// internal/core/errors.go's Error int, for failures the caller (or a
// metrics label) may want to switch on without string matching. The
// underlying cause, if any, is attached separately with
// github.com/pkg/errors.Wrap.
type Error int

const (
	// ErrNone is the zero value and never returned.
	ErrNone Error = iota

	// ErrMissingShellCommand is returned when the host's shell-command
	// lookup yields nothing for onPrepareImage's arguments.
	ErrMissingShellCommand

	// ErrInputOpenFailed is returned when every input descriptor for a
	// file fails to open.
	ErrInputOpenFailed

	// ErrTreeSizeMismatch is returned when a .idsig sidecar's declared
	// verity tree size disagrees with the size computed from the file.
	ErrTreeSizeMismatch

	// ErrFilePrepareFailed is returned when an I/O error occurs while
	// reading an input descriptor or writing its blocks.
	ErrFilePrepareFailed

	// ErrHandshakeFailed is returned when the streaming peer's initial
	// "OKAY" handshake is short or mismatched.
	ErrHandshakeFailed

	// ErrReceiverUnrecoverable marks a poll or chunk-read failure that
	// the receiver cannot recover from.
	ErrReceiverUnrecoverable
)

// String renders e as a short identifier, matching the naming used in
// spec discussions and logs.
func (e Error) String() string {
	switch e {
	case ErrMissingShellCommand:
		return "missing shell command"
	case ErrInputOpenFailed:
		return "input open failed"
	case ErrTreeSizeMismatch:
		return "verity tree size mismatch"
	case ErrFilePrepareFailed:
		return "file prepare failed"
	case ErrHandshakeFailed:
		return "handshake failed"
	case ErrReceiverUnrecoverable:
		return "receiver unrecoverable"
	default:
		return "no error"
	}
}

// Error implements the error interface so an Error can be wrapped with
// github.com/pkg/errors and returned directly where no extra context is
// needed.
func (e Error) Error() string { return e.String() }

// StatusCode is the loader-wide status reported to a StatusListener.
type StatusCode int

const (
	// DataLoaderUnrecoverable reports that the streaming receiver hit an
	// error it cannot recover from and has exited.
	DataLoaderUnrecoverable StatusCode = iota
)

// StatusListener receives loader-wide status reports. cmd/incloader
// satisfies it with an adapter that logs via glog (the receiver itself
// counts the failure in its receiver-errors metric); tests use a listener
// that ignores every report.
type StatusListener interface {
	ReportStatus(code StatusCode)
}
