// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

// FilesystemConnector is the contract the loader needs from the target
// filesystem. It deliberately says nothing about how blocks reach disk --
// that is the underlying incremental filesystem's job, modeled only by this
// interface. See pkg/fsconnector for reference implementations.
type FilesystemConnector interface {
	// OpenForSpecialOps returns an owned fd to id's per-file control
	// inode, or a negative value on failure.
	OpenForSpecialOps(id FileId) (int, error)

	// WriteBlocks submits a batch of block instructions and returns how
	// many were accepted. A short return during streaming is logged but
	// not fatal; during preparation it fails the whole file.
	WriteBlocks(batch []BlockInstruction) (int, error)

	// SetParams sets runtime parameters. Idempotent.
	SetParams(params ConnectorParams) error
}

// ConnectorParams carries the runtime parameters a FilesystemConnector can
// have toggled mid-session.
type ConnectorParams struct {
	// ReadLogsEnabled mirrors the process-wide trace-tag state (§4.6):
	// when on, the connector should log page reads for onPageReads to
	// pick up.
	ReadLogsEnabled bool
}
