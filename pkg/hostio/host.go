// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package hostio defines the callback surface the loader needs from its
// host process: looking up the shell command an install was invoked with,
// and obtaining file descriptors for stdin or a local path. In the
// original Android data loader these are JNI method calls into the
// PackageManagerShellCommandDataLoader Java class; here they are a plain
// Go interface the host process implements directly.
package hostio

import (
	"os"

	shlex "github.com/flynn-archive/go-shlex"
	"github.com/pkg/errors"
)

// ShellCommandHandle identifies one shell command invocation, opaque to
// the loader.
type ShellCommandHandle interface{}

// Host is the callback surface a host process exposes to the loader.
type Host interface {
	// LookupShellCommand resolves the adb shell command the installation
	// was invoked with. It returns an error if no such command exists.
	LookupShellCommand(args string) (ShellCommandHandle, error)

	// GetStdIn returns the standard input fd associated with handle.
	GetStdIn(handle ShellCommandHandle) (*os.File, error)

	// GetLocalFile opens path for reading on behalf of handle.
	GetLocalFile(handle ShellCommandHandle, path string) (*os.File, error)
}

// SplitArgs tokenizes a shell command's argument string the way a shell
// would, so callers can match against argv[0] the same way the original
// Java-side ShellCommand dispatcher does.
func SplitArgs(args string) ([]string, error) {
	tokens, err := shlex.Split(args)
	if err != nil {
		return nil, errors.Wrap(err, "split shell command arguments")
	}
	return tokens, nil
}
