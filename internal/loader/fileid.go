// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import "strconv"

// FileIdFromIdx encodes mode and idx into the structured FileId layout
// described in types.go. Only ModeDataOnlyStreaming and ModeStreaming
// produce a round-trippable FileId; other modes are never used for
// streaming files.
func FileIdFromIdx(mode MetadataMode, idx FileIdx) FileId {
	var id FileId
	id[0] = byte(mode)
	digits := strconv.AppendInt(nil, int64(idx), 10)
	copy(id[1:], digits)
	return id
}

// FileIdFromMetadata derives the filesystem-level FileId an InstalledFile's
// metadata maps to. This is the Go stand-in for the original's
// IncFs_FileIdFromMetadata, which belongs to the real IncFS library and is
// out of scope here (spec.md §1): since an InstalledFile's metadata already
// carries, byte for byte, the MetadataMode-plus-payload layout FileId
// expects for streaming files, deriving one from the other is exactly the
// identity a FilesystemConnector is free to assume.
func FileIdFromMetadata(metadata []byte) FileId {
	var id FileId
	copy(id[:], metadata)
	return id
}

// ToFileIdx recovers the FileIdx encoded in id by FileIdFromIdx. It
// returns -1 if id's mode byte is not a streaming mode, or if the
// remaining bytes aren't a valid signed 16-bit decimal integer -- i.e. for
// any "opaque" FileId not constructed by FileIdFromIdx.
func ToFileIdx(id FileId) FileIdx {
	mode := MetadataMode(int8(id[0]))
	if mode != ModeDataOnlyStreaming && mode != ModeStreaming {
		return -1
	}

	end := 1
	for end < len(id) && id[end] != 0 {
		end++
	}
	n, err := strconv.ParseInt(string(id[1:end]), 10, 16)
	if err != nil {
		return -1
	}
	return FileIdx(n)
}
