// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"os"
	"testing"
)

// newTestStream builds a Loader with a live streaming session backed by an
// os.Pipe, so sendRequest actually writes RequestCommand frames somewhere
// readable.
func newTestStream(t *testing.T) (*Loader, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })

	l := testLoader(t, newFakeConnector())
	l.stream = &streamState{
		mode:           ModeStreaming,
		outFd:          w,
		requestedFiles: make(map[FileIdx]bool),
	}
	return l, r
}

// readRequests reads exactly n RequestCommands off r.
func readRequests(t *testing.T, r *os.File, n int) []RequestCommand {
	t.Helper()
	out := make([]RequestCommand, 0, n)
	buf := make([]byte, CommandSize)
	for i := 0; i < n; i++ {
		if _, err := readFull(r, buf); err != nil {
			t.Fatalf("read request %d: %v", i, err)
		}
		cmd, err := DecodeRequestCommand(buf)
		if err != nil {
			t.Fatalf("decode request %d: %v", i, err)
		}
		out = append(out, cmd)
	}
	return out
}

// TestOnPendingReadsNoStream verifies pending reads are silently dropped
// when no streaming session is active.
func TestOnPendingReadsNoStream(t *testing.T) {
	l := testLoader(t, newFakeConnector())
	l.OnPendingReads([]PendingRead{{FileId: FileIdFromIdx(ModeStreaming, 1), Block: 0}})
}

// TestOnPendingReadsUnknownFileDropped verifies a pending read for a
// non-streaming FileId is dropped without touching requestedFiles or the
// wire.
func TestOnPendingReadsUnknownFileDropped(t *testing.T) {
	l, r := newTestStream(t)
	st := l.stream

	opaque := FileIdFromIdx(ModeLocalFile, 5)
	l.OnPendingReads([]PendingRead{{FileId: opaque, Block: 3}})

	if len(st.requestedFiles) != 0 {
		t.Errorf("requestedFiles = %v, want empty", st.requestedFiles)
	}

	// Close the write end so a blocked read surfaces EOF instead of
	// hanging forever if something was (wrongly) written.
	st.outFd.Close()
	buf := make([]byte, 1)
	if n, err := r.Read(buf); n != 0 {
		t.Errorf("unexpected bytes on the wire: %d, err=%v", n, err)
	}
}

// TestOnPendingReadsPrefetchOncePerFile verifies the first pending read for
// a FileIdx sends both PREFETCH and BLOCK_MISSING, and a second pending
// read for the same FileIdx sends only BLOCK_MISSING.
func TestOnPendingReadsPrefetchOncePerFile(t *testing.T) {
	l, r := newTestStream(t)

	id := FileIdFromIdx(ModeStreaming, 4)
	l.OnPendingReads([]PendingRead{{FileId: id, Block: 10}})
	l.OnPendingReads([]PendingRead{{FileId: id, Block: 11}})

	cmds := readRequests(t, r, 3)
	want := []RequestCommand{
		{RequestType: RequestPrefetch, FileIdx: 4, BlockIdx: 10},
		{RequestType: RequestBlockMissing, FileIdx: 4, BlockIdx: 10},
		{RequestType: RequestBlockMissing, FileIdx: 4, BlockIdx: 11},
	}
	for i, c := range cmds {
		if c != want[i] {
			t.Errorf("request %d: got %+v, want %+v", i, c, want[i])
		}
	}
	if !l.stream.requestedFiles[4] {
		t.Error("expected requestedFiles[4] to be set")
	}
}

// TestOnPendingReadsRetriesAfterFailedPrefetch verifies a PREFETCH write
// failure un-marks the file so a later pending read retries PREFETCH
// instead of assuming one was already sent.
func TestOnPendingReadsRetriesAfterFailedPrefetch(t *testing.T) {
	l, _ := newTestStream(t)
	st := l.stream

	// Swap in a read-only fd so every write fails with EBADF.
	badFd, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	defer badFd.Close()
	good := st.outFd
	defer good.Close()
	st.outFd = badFd

	id := FileIdFromIdx(ModeStreaming, 9)
	l.OnPendingReads([]PendingRead{{FileId: id, Block: 1}})

	if st.requestedFiles[9] {
		t.Error("expected requestedFiles[9] to be cleared after a failed PREFETCH write")
	}

	// Restore a working fd and retry: PREFETCH should be attempted again.
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r2.Close()
	defer w2.Close()
	st.outFd = w2

	l.OnPendingReads([]PendingRead{{FileId: id, Block: 2}})
	cmds := readRequests(t, r2, 2)
	if cmds[0].RequestType != RequestPrefetch {
		t.Errorf("expected a retried PREFETCH, got %+v", cmds[0])
	}
}
