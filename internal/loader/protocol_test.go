// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// TestRequestCommandRoundTrip verifies Encode/DecodeRequestCommand agree for
// every request type.
func TestRequestCommandRoundTrip(t *testing.T) {
	cases := []RequestCommand{
		{RequestType: RequestExit, FileIdx: 0, BlockIdx: 0},
		{RequestType: RequestBlockMissing, FileIdx: 3, BlockIdx: 128},
		{RequestType: RequestPrefetch, FileIdx: -1, BlockIdx: 99999},
	}
	for _, c := range cases {
		buf := c.Encode()
		if len(buf) != CommandSize {
			t.Fatalf("Encode produced %d bytes, want %d", len(buf), CommandSize)
		}
		got, err := DecodeRequestCommand(buf)
		if err != nil {
			t.Fatalf("DecodeRequestCommand: %v", err)
		}
		if got != c {
			t.Errorf("round-trip mismatch: got %+v want %+v", got, c)
		}
	}
}

// TestDecodeRequestCommandBadMagic verifies a corrupted magic is rejected.
func TestDecodeRequestCommandBadMagic(t *testing.T) {
	buf := RequestCommand{RequestType: RequestExit}.Encode()
	binary.BigEndian.PutUint32(buf[0:4], 0xdeadbeef)
	if _, err := DecodeRequestCommand(buf); err == nil {
		t.Error("expected error for bad magic")
	}
}

// TestDecodeRequestCommandShort verifies a short buffer is rejected rather
// than read out of bounds.
func TestDecodeRequestCommandShort(t *testing.T) {
	if _, err := DecodeRequestCommand(make([]byte, CommandSize-1)); err == nil {
		t.Error("expected error for short buffer")
	}
}

// TestBlockHeaderSentinel verifies the sentinel header's field layout and
// that IsSentinel/IsInvalid agree it is valid.
func TestBlockHeaderSentinel(t *testing.T) {
	h := BlockHeader{FileIdx: -1}
	if !h.IsSentinel() {
		t.Error("expected sentinel")
	}
	if h.IsInvalid() {
		t.Error("sentinel must not be reported invalid")
	}
}

// TestBlockHeaderInvalid verifies non-sentinel negative/zero fields are
// flagged invalid.
func TestBlockHeaderInvalid(t *testing.T) {
	cases := []BlockHeader{
		{FileIdx: 0, BlockType: -1, BlockIdx: 0, BlockSize: 10},
		{FileIdx: 0, BlockIdx: -1, BlockSize: 10},
		{FileIdx: 0, BlockIdx: 0, BlockSize: 0},
		{FileIdx: -2, BlockIdx: 0, BlockSize: 10},
	}
	for i, h := range cases {
		if !h.IsInvalid() {
			t.Errorf("case %d: expected invalid, header=%+v", i, h)
		}
	}
}

// TestDecodeBlockHeaderRoundTrip hand-encodes a header the way stream.go's
// receiver decodes one, and checks the remaining-bytes slicing.
func TestDecodeBlockHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize+3)
	binary.BigEndian.PutUint16(buf[0:2], uint16(FileIdx(7)))
	buf[2] = byte(BlockKindHash)
	buf[3] = byte(CompressionNone)
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(55)))
	binary.BigEndian.PutUint16(buf[8:10], uint16(int16(3)))
	buf[10], buf[11], buf[12] = 'a', 'b', 'c'

	h, rest, err := DecodeBlockHeader(buf)
	if err != nil {
		t.Fatalf("DecodeBlockHeader: %v", err)
	}
	if h.FileIdx != 7 || h.BlockType != BlockKindHash || h.BlockIdx != 55 || h.BlockSize != 3 {
		t.Errorf("unexpected header: %+v", h)
	}
	if !bytes.Equal(rest, []byte("abc")) {
		t.Errorf("unexpected remainder: %q", rest)
	}
}

// TestReadChunk verifies the length-prefix framing, including the
// non-positive-length-means-EOF law.
func TestReadChunk(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, block")
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	got, err := ReadChunk(&buf)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q want %q", got, payload)
	}
}

// TestReadChunkStop verifies a zero or negative length terminates with EOF.
func TestReadChunkStop(t *testing.T) {
	for _, size := range []int32{0, -1} {
		var buf bytes.Buffer
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(size))
		buf.Write(lenBuf[:])

		if _, err := ReadChunk(&buf); err != io.EOF {
			t.Errorf("size=%d: got %v, want io.EOF", size, err)
		}
	}
}

// TestReadChunkShortBody verifies a truncated body surfaces an error
// instead of returning a short slice.
func TestReadChunkShortBody(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.Write([]byte("short"))

	if _, err := ReadChunk(&buf); err == nil {
		t.Error("expected error for truncated chunk body")
	}
}
