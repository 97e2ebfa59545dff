// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"io"
	"sync"
	"testing"
)

// fakeConnector is an in-memory FilesystemConnector recording every batch
// it's handed, for use by prepare_test.go and pending_test.go.
type fakeConnector struct {
	mu       sync.Mutex
	nextFd   int
	written  map[int][]BlockInstruction
	rejectAt int // WriteBlocks accepts this many instructions then stops, -1 means never reject
	params   ConnectorParams
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{written: make(map[int][]BlockInstruction), rejectAt: -1}
}

func (f *fakeConnector) OpenForSpecialOps(id FileId) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := f.nextFd
	f.nextFd++
	return fd, nil
}

func (f *fakeConnector) WriteBlocks(batch []BlockInstruction) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(batch)
	if f.rejectAt >= 0 && f.rejectAt < n {
		n = f.rejectAt
	}
	for _, instr := range batch[:n] {
		cp := make([]byte, len(instr.Data))
		copy(cp, instr.Data)
		instr.Data = cp
		f.written[instr.FileFd] = append(f.written[instr.FileFd], instr)
	}
	return n, nil
}

func (f *fakeConnector) SetParams(params ConnectorParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	return nil
}

// nopCloser adapts an io.Reader into a ReadCloserAt for tests that don't
// care about Close.
type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

func testLoader(t *testing.T, connector FilesystemConnector) *Loader {
	t.Helper()
	l, err := New(DefaultConfig, connector, recordingStatusListener{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

type recordingStatusListener struct{}

func (recordingStatusListener) ReportStatus(code StatusCode) {}

// TestCopyToFilesystemExactBlocks verifies a source that is an exact
// multiple of the block size produces exactly that many full-size
// instructions with contiguous page indices.
func TestCopyToFilesystemExactBlocks(t *testing.T) {
	conn := newFakeConnector()
	l := testLoader(t, conn)

	data := bytes.Repeat([]byte{'x'}, 3*l.cfg.BlockSize)
	desc := InputDescriptor{
		Fd:   nopCloser{bytes.NewReader(data)},
		Size: int64(len(data)),
		Kind: BlockKindData,
	}

	if err := l.copyToFilesystem(7, desc, ledgerKey{kind: BlockKindData}); err != nil {
		t.Fatalf("copyToFilesystem: %v", err)
	}

	written := conn.written[7]
	if len(written) != 3 {
		t.Fatalf("got %d instructions, want 3", len(written))
	}
	for i, instr := range written {
		if instr.PageIndex != int32(i) {
			t.Errorf("instruction %d: page index %d, want %d", i, instr.PageIndex, i)
		}
		if len(instr.Data) != l.cfg.BlockSize {
			t.Errorf("instruction %d: size %d, want %d", i, len(instr.Data), l.cfg.BlockSize)
		}
	}
}

// TestCopyToFilesystemPartialTail verifies a source whose size isn't a
// multiple of the block size still flushes its trailing partial block once
// EOF is reached.
func TestCopyToFilesystemPartialTail(t *testing.T) {
	conn := newFakeConnector()
	l := testLoader(t, conn)

	tail := l.cfg.BlockSize/2 + 17
	data := bytes.Repeat([]byte{'y'}, 2*l.cfg.BlockSize+tail)
	desc := InputDescriptor{
		Fd:   nopCloser{bytes.NewReader(data)},
		Size: int64(len(data)),
		Kind: BlockKindHash,
	}

	if err := l.copyToFilesystem(3, desc, ledgerKey{kind: BlockKindHash}); err != nil {
		t.Fatalf("copyToFilesystem: %v", err)
	}

	written := conn.written[3]
	if len(written) != 3 {
		t.Fatalf("got %d instructions, want 3", len(written))
	}
	if len(written[2].Data) != tail {
		t.Errorf("tail instruction size %d, want %d", len(written[2].Data), tail)
	}
	for _, instr := range written {
		if instr.Kind != BlockKindHash {
			t.Errorf("instruction kind %v, want BlockKindHash", instr.Kind)
		}
	}
}

// TestCopyToFilesystemShortWriteFailsFile verifies that a connector which
// only accepts part of a batch fails the whole file, per connector.go's
// documented contract, and that the connector holds only the accepted
// prefix of the attempted batch.
func TestCopyToFilesystemShortWriteFailsFile(t *testing.T) {
	conn := newFakeConnector()
	conn.rejectAt = 1
	l := testLoader(t, conn)

	data := bytes.Repeat([]byte{'w'}, 3*l.cfg.BlockSize)
	desc := InputDescriptor{
		Fd:   nopCloser{bytes.NewReader(data)},
		Size: int64(len(data)),
		Kind: BlockKindData,
	}

	err := l.copyToFilesystem(4, desc, ledgerKey{kind: BlockKindData})
	if err == nil {
		t.Fatal("expected an error from a short write")
	}

	written := conn.written[4]
	if len(written) != 1 {
		t.Fatalf("got %d instructions accepted, want exactly the 1 the connector took", len(written))
	}
}

// TestCopyToFilesystemResumesFromLedger verifies that a non-zero resume
// page (simulated directly, since LedgerPath is empty in DefaultConfig)
// offsets every assigned page index.
func TestCopyToFilesystemResumesFromLedger(t *testing.T) {
	conn := newFakeConnector()
	l := testLoader(t, conn)
	l.cfg.LedgerPath = "" // ledger is a no-op; we drive the indexer directly below

	data := bytes.Repeat([]byte{'z'}, 2*l.cfg.BlockSize)
	indexer := pageIndexer{next: 10}
	buf := make([]byte, 0, l.cfg.BufferSize)
	var instructions []BlockInstruction
	key := ledgerKey{kind: BlockKindData}

	buf = append(buf, data...)
	buf, instructions, err := l.flush(9, BlockKindData, true, &indexer, buf, instructions, key)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(buf) != 0 || len(instructions) != 0 {
		t.Fatalf("flush left buf=%d instructions=%d, want both empty", len(buf), len(instructions))
	}

	written := conn.written[9]
	if len(written) != 2 {
		t.Fatalf("got %d instructions, want 2", len(written))
	}
	if written[0].PageIndex != 10 || written[1].PageIndex != 11 {
		t.Errorf("page indices %d,%d, want 10,11", written[0].PageIndex, written[1].PageIndex)
	}
}

// TestCopyToFilesystemResumeSkipsFlushedBytes drives copyToFilesystem
// against a real boltdb-backed ledger pre-seeded as if two blocks were
// already durably flushed in a prior run, and checks the bytes it reads
// for the remaining blocks are the *tail* of the source, not the front --
// i.e. the descriptor is actually skipped forward, not just the page
// indices.
func TestCopyToFilesystemResumeSkipsFlushedBytes(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig
	cfg.LedgerPath = t.TempDir() + "/ledger.db"
	l, err := New(cfg, conn, recordingStatusListener{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.ledger.close()

	key := ledgerKey{kind: BlockKindData}
	l.ledger.advance(key, 1) // pages 0 and 1 already flushed

	block := func(b byte) []byte { return bytes.Repeat([]byte{b}, l.cfg.BlockSize) }
	data := bytes.Join([][]byte{block('A'), block('B'), block('C'), block('D')}, nil)

	desc := InputDescriptor{
		Fd:   nopCloser{bytes.NewReader(data)},
		Size: int64(len(data)),
		Kind: BlockKindData,
	}
	if err := l.copyToFilesystem(2, desc, key); err != nil {
		t.Fatalf("copyToFilesystem: %v", err)
	}

	written := conn.written[2]
	if len(written) != 2 {
		t.Fatalf("got %d instructions, want 2 (blocks C and D only)", len(written))
	}
	if written[0].PageIndex != 2 || written[1].PageIndex != 3 {
		t.Errorf("page indices %d,%d, want 2,3", written[0].PageIndex, written[1].PageIndex)
	}
	if written[0].Data[0] != 'C' || written[1].Data[0] != 'D' {
		t.Errorf("resumed write started at byte content %q,%q, want blocks C and D (the descriptor was not skipped forward)", written[0].Data[0], written[1].Data[0])
	}
}
