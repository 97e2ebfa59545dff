// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package loader implements a streaming, block-oriented data loader for an
// incremental, verity-protected filesystem. It receives file contents in
// fixed-size blocks -- either prefilled from local files/stdin or streamed
// live from a remote peer over a duplex connection -- and hands them to a
// FilesystemConnector for materialization.
package loader

import "time"

// BlockSize is the fixed block size of the target filesystem. All
// preparation-generated instructions are exactly this size except the final
// block of a (file, kind) stream.
const BlockSize = 4096

// DigestSize is the size in bytes of one Merkle-tree leaf/node hash.
const DigestSize = 32

// BufferSize is the size of the reusable staging buffer used while cutting
// an input stream into fixed-size blocks.
const BufferSize = 256 * 1024

// BlocksCount is how many full blocks fit in BufferSize.
const BlocksCount = BufferSize / BlockSize

// PollTimeout bounds how long the streaming receiver waits on a single
// poll(2) call before re-checking the stop flag.
const PollTimeout = 5 * time.Second

// TraceTagCheckInterval is how often the trace observer polls the current
// trace-tag state.
const TraceTagCheckInterval = 1 * time.Second

// WaitOnEofSleep is how long an input descriptor flagged WaitOnEof sleeps
// before retrying a zero-byte read.
const WaitOnEofSleep = 10 * time.Millisecond

// FileIdSize is the length in bytes of an opaque filesystem-level file
// identifier.
const FileIdSize = 16

// FileId is a 16-byte opaque filesystem-level file identifier. For
// streaming-mode files it is structured:
//
//	+----------+--------------------------------------+
//	| mode (1) |  decimal ASCII of FileIdx (up to 15)  |
//	+----------+--------------------------------------+
//
// byte 0 holds a MetadataMode of DataOnlyStreaming or Streaming; the
// remaining bytes hold the NUL-less decimal ASCII encoding of a signed
// 16-bit FileIdx. A FileId built any other way is "opaque" and cannot be
// converted back to a FileIdx.
type FileId [FileIdSize]byte

// FileIdx is a signed 16-bit handle naming one file within a streaming
// session's wire frames.
type FileIdx int16

// MetadataMode selects how an InstalledFile's data is sourced.
type MetadataMode int8

const (
	// ModeStdin reads file data from standard input.
	ModeStdin MetadataMode = 0
	// ModeLocalFile reads file data (and optionally a .idsig sidecar) from
	// a local path carried in the metadata payload.
	ModeLocalFile MetadataMode = 1
	// ModeDataOnlyStreaming reads only the Merkle tree from stdin up
	// front; data blocks arrive later over the streaming session.
	ModeDataOnlyStreaming MetadataMode = 2
	// ModeStreaming defers all data, including the Merkle tree, to the
	// streaming session.
	ModeStreaming MetadataMode = 3
)

// BlockKind routes a block to either the data plane or the Merkle-tree
// plane of the destination file.
type BlockKind int8

const (
	// BlockKindData is user file content.
	BlockKindData BlockKind = 0
	// BlockKindHash is a Merkle-tree node.
	BlockKindHash BlockKind = 1
)

// CompressionKind is carried through opaquely; the loader never compresses
// or decompresses a payload itself.
type CompressionKind int8

// CompressionNone is the only compression kind the loader ever produces.
const CompressionNone CompressionKind = 0

// InstalledFile describes one file to be materialized by the loader.
type InstalledFile struct {
	// Name is a display-only name; it plays no role in routing.
	Name string
	// Size is the expected size of the file's data plane, in bytes.
	Size int64
	// Metadata is an opaque byte span; byte 0 selects a MetadataMode and
	// the remainder is mode-specific (e.g. a local file path for
	// ModeLocalFile).
	Metadata []byte
}

// InputDescriptor is one source of bytes to load into one file.
type InputDescriptor struct {
	// Fd is owned by the descriptor and must be closed when drained (or
	// when the pipeline aborts).
	Fd ReadCloserAt
	// Size is the expected byte count. Zero means "unbounded", used for
	// pure live-streaming sources.
	Size int64
	// Kind routes bytes to the data or hash plane of the destination
	// file.
	Kind BlockKind
	// WaitOnEof causes a premature EOF to be retried after a short sleep
	// instead of terminating the descriptor.
	WaitOnEof bool
	// Streaming marks that, once this descriptor is drained, the loader
	// should continue in live-streaming mode on the same fd.
	Streaming bool
	// Mode is remembered so the streaming side can reconstruct FileIds.
	Mode MetadataMode
}

// ReadCloserAt is the minimal fd-like contract the preparation pipeline
// needs: sequential reads plus a close. It is satisfied by *os.File.
type ReadCloserAt interface {
	Read(p []byte) (int, error)
	Close() error
}

// BlockInstruction is a single write to the filesystem.
type BlockInstruction struct {
	// FileFd is the destination's special-ops file descriptor.
	FileFd int
	// PageIndex is the monotonic per-(file,kind) block ordinal.
	PageIndex int32
	// Compression is always CompressionNone; carried for wire fidelity.
	Compression CompressionKind
	// Kind is BlockKindData or BlockKindHash.
	Kind BlockKind
	// Data is a borrowed slice into the batch's source buffer. It must
	// remain valid until the batch containing this instruction has been
	// submitted to the connector.
	Data []byte
}

// DataSize returns the size in bytes of the instruction's payload.
func (b BlockInstruction) DataSize() int {
	return len(b.Data)
}
