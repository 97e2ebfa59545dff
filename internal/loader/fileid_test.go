// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import "testing"

// TestFileIdxRoundTrip verifies FileIdFromIdx/ToFileIdx round-trip for both
// streaming modes across positive, negative and zero indices.
func TestFileIdxRoundTrip(t *testing.T) {
	cases := []struct {
		mode MetadataMode
		idx  FileIdx
	}{
		{ModeStreaming, 0},
		{ModeStreaming, 1},
		{ModeStreaming, 32767},
		{ModeStreaming, -32768},
		{ModeDataOnlyStreaming, 0},
		{ModeDataOnlyStreaming, 42},
	}
	for _, c := range cases {
		id := FileIdFromIdx(c.mode, c.idx)
		if got := ToFileIdx(id); got != c.idx {
			t.Errorf("mode=%v idx=%d: round-trip gave %d", c.mode, c.idx, got)
		}
	}
}

// TestToFileIdxOpaque verifies that a FileId not produced by FileIdFromIdx
// reports -1 rather than a garbage index.
func TestToFileIdxOpaque(t *testing.T) {
	cases := []FileId{
		FileIdFromIdx(ModeLocalFile, 7),
		FileIdFromIdx(ModeStdin, 7),
		{}, // all-zero id: mode byte 0 is ModeStdin, not a streaming mode
	}
	for i, id := range cases {
		if got := ToFileIdx(id); got != -1 {
			t.Errorf("case %d: expected -1 for opaque id, got %d", i, got)
		}
	}
}

// TestToFileIdxBadDigits verifies that a streaming-mode id whose payload
// isn't valid decimal ASCII is treated as opaque instead of panicking.
func TestToFileIdxBadDigits(t *testing.T) {
	var id FileId
	id[0] = byte(ModeStreaming)
	copy(id[1:], "not-a-number")
	if got := ToFileIdx(id); got != -1 {
		t.Errorf("expected -1 for malformed digits, got %d", got)
	}
}

// TestFileIdFromMetadata verifies the metadata-to-FileId identity mapping,
// including the short-metadata case where the destination id is zero-padded.
func TestFileIdFromMetadata(t *testing.T) {
	meta := FileIdFromIdx(ModeStreaming, 99)
	id := FileIdFromMetadata(meta[:])
	if id != meta {
		t.Errorf("expected identity mapping, got %v want %v", id, meta)
	}

	short := []byte{byte(ModeStreaming), '5'}
	id = FileIdFromMetadata(short)
	if id[0] != byte(ModeStreaming) || id[1] != '5' {
		t.Errorf("short metadata not copied correctly: %v", id)
	}
	for i := 2; i < FileIdSize; i++ {
		if id[i] != 0 {
			t.Errorf("expected zero padding at byte %d, got %d", i, id[i])
		}
	}
}
