// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic is the wire magic for an outbound RequestCommand. It reads as the
// four bytes "INCR" on the wire.
const Magic uint32 = 0x52434e49

// RequestType enumerates the outbound request kinds.
type RequestType int16

const (
	// RequestExit asks the peer to end the session.
	RequestExit RequestType = 0
	// RequestBlockMissing tells the peer a block is needed to satisfy a
	// pending read.
	RequestBlockMissing RequestType = 1
	// RequestPrefetch asks the peer to start sending a file's data ahead
	// of any specific pending read.
	RequestPrefetch RequestType = 2
)

// CommandSize is the wire size in bytes of a RequestCommand.
const CommandSize = 4 + 2 + 2 + 4

// RequestCommand is the fixed 12-byte outbound frame: the magic in
// little-endian order (so its bytes read "INCR") followed by three
// big-endian fields. It is never memcpy'd into a native
// struct layout; every field is read and written explicitly so the wire
// format cannot drift with host endianness.
type RequestCommand struct {
	RequestType RequestType
	FileIdx     FileIdx
	BlockIdx    int32
}

// Encode serializes c into its 12-byte wire form.
func (c RequestCommand) Encode() []byte {
	buf := make([]byte, CommandSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(c.RequestType))
	binary.BigEndian.PutUint16(buf[6:8], uint16(c.FileIdx))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.BlockIdx))
	return buf
}

// DecodeRequestCommand parses the wire form produced by Encode. It is
// primarily useful to the diagnostic REPL and to tests exercising the
// codec round-trip law.
func DecodeRequestCommand(buf []byte) (RequestCommand, error) {
	if len(buf) != CommandSize {
		return RequestCommand{}, errors.Errorf("request command: want %d bytes, got %d", CommandSize, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return RequestCommand{}, errors.Errorf("request command: bad magic %#x", magic)
	}
	return RequestCommand{
		RequestType: RequestType(int16(binary.BigEndian.Uint16(buf[4:6]))),
		FileIdx:     FileIdx(int16(binary.BigEndian.Uint16(buf[6:8]))),
		BlockIdx:    int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// WriteRequest encodes and writes a RequestCommand in one call. A short
// write is an error: the frame is fixed-size and must land atomically from
// the protocol's point of view.
func WriteRequest(w io.Writer, requestType RequestType, fileIdx FileIdx, blockIdx int32) error {
	buf := RequestCommand{RequestType: requestType, FileIdx: fileIdx, BlockIdx: blockIdx}.Encode()
	n, err := w.Write(buf)
	if err != nil {
		return errors.Wrap(err, "write request command")
	}
	if n != len(buf) {
		return errors.Errorf("write request command: short write %d/%d", n, len(buf))
	}
	return nil
}

// HeaderSize is the wire size in bytes of a BlockHeader.
const HeaderSize = 2 + 1 + 1 + 4 + 2

// BlockHeader precedes every block's payload within an inbound chunk.
type BlockHeader struct {
	FileIdx         FileIdx
	BlockType       BlockKind
	CompressionType CompressionKind
	BlockIdx        int32
	BlockSize       int16
}

// IsSentinel reports whether h is the stop-marker header: fileIdx=-1 and
// every other field zero.
func (h BlockHeader) IsSentinel() bool {
	return h.FileIdx == -1 && h.BlockType == 0 && h.CompressionType == 0 && h.BlockIdx == 0 && h.BlockSize == 0
}

// IsInvalid reports whether h carries a negative field other than the
// sentinel's fileIdx=-1, or a non-sentinel zero BlockSize, either of
// which is a protocol error.
func (h BlockHeader) IsInvalid() bool {
	if h.IsSentinel() {
		return false
	}
	return h.FileIdx < 0 || h.BlockType < 0 || h.CompressionType < 0 || h.BlockIdx < 0 || h.BlockSize <= 0
}

// DecodeBlockHeader reads one BlockHeader from the front of data and
// returns the header plus the remaining bytes.
func DecodeBlockHeader(data []byte) (BlockHeader, []byte, error) {
	if len(data) < HeaderSize {
		return BlockHeader{}, nil, errors.Errorf("block header: want %d bytes, got %d", HeaderSize, len(data))
	}
	h := BlockHeader{
		FileIdx:         FileIdx(int16(binary.BigEndian.Uint16(data[0:2]))),
		BlockType:       BlockKind(int8(data[2])),
		CompressionType: CompressionKind(int8(data[3])),
		BlockIdx:        int32(binary.BigEndian.Uint32(data[4:8])),
		BlockSize:       int16(binary.BigEndian.Uint16(data[8:10])),
	}
	return h, data[HeaderSize:], nil
}

// ReadChunk reads one length-prefixed inbound chunk: a big-endian int32
// length followed by that many bytes. A non-positive length terminates the
// session, reported as io.EOF.
func ReadChunk(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read chunk length")
	}
	size := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 {
		return nil, io.EOF
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read chunk body")
	}
	return data, nil
}
