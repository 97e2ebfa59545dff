// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"fmt"
	"time"
)

// Config encapsulates the tunables for a Loader.
type Config struct {
	// BlockSize is the target filesystem's fixed block size. Tests may
	// override it to something small; production always uses the
	// package-level BlockSize constant.
	BlockSize int

	// BufferSize bounds the preparation pipeline's staging buffer.
	BufferSize int

	// PollTimeout bounds a single poll(2) call in the streaming receiver.
	PollTimeout time.Duration

	// WaitOnEofSleep is the retry delay for WaitOnEof input descriptors.
	WaitOnEofSleep time.Duration

	// TraceTagCheckInterval is how often the trace observer polls the
	// trace-tag state.
	TraceTagCheckInterval time.Duration

	// LedgerPath, if non-empty, enables the resumable install-progress
	// ledger at this boltdb file path.
	LedgerPath string

	// StatusAddr, if non-empty, serves the diagnostics status page on
	// this address.
	StatusAddr string
}

// DefaultConfig holds the default values for production use.
var DefaultConfig = Config{
	BlockSize:             BlockSize,
	BufferSize:            BufferSize,
	PollTimeout:           PollTimeout,
	WaitOnEofSleep:        WaitOnEofSleep,
	TraceTagCheckInterval: TraceTagCheckInterval,
}

// Validate checks that c has reasonable, non-contradictory values.
func (c Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.BufferSize < c.BlockSize {
		return fmt.Errorf("buffer size %d must be at least one block (%d)", c.BufferSize, c.BlockSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	if c.WaitOnEofSleep <= 0 {
		return fmt.Errorf("wait-on-eof sleep must be positive")
	}
	if c.TraceTagCheckInterval <= 0 {
		return fmt.Errorf("trace tag check interval must be positive")
	}
	return nil
}

// blocksCount returns how many full blocks fit in c.BufferSize.
func (c Config) blocksCount() int {
	return c.BufferSize / c.BlockSize
}
