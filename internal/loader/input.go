// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"encoding/binary"
	"io"

	log "github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/go-incfs/dataloader/pkg/hostio"
)

// idsigHeader is the parsed prefix of a ".idsig" sidecar file: version,
// length-prefixed hashing/signing info (skipped, never interpreted here --
// trust in the signature is delegated to the surrounding install
// framework), and the declared verity tree size.
type idsigHeader struct {
	version       uint32
	hashingInfo   []byte
	signingInfo   []byte
	treeSize      int64
	headerByteLen int64
}

func readLEUint32(r io.Reader) (uint32, int64, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), 4, nil
}

func readLEBytes(r io.Reader) ([]byte, int64, error) {
	n, consumed, err := readLEUint32(r)
	if err != nil {
		return nil, consumed, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, consumed, err
	}
	return buf, consumed + int64(n), nil
}

// parseIdsigHeader reads the fixed-layout prefix of a .idsig sidecar:
// ‹u32 LE version›‹u32 LE hashingInfoLen›‹hashingInfoLen bytes›
// ‹u32 LE signingInfoLen›‹signingInfoLen bytes›‹u32 LE treeSize›.
func parseIdsigHeader(r io.Reader) (idsigHeader, error) {
	var h idsigHeader
	var off int64

	version, n, err := readLEUint32(r)
	if err != nil {
		return h, errors.Wrap(err, "read idsig version")
	}
	off += n
	h.version = version

	hashingInfo, n, err := readLEBytes(r)
	if err != nil {
		return h, errors.Wrap(err, "read idsig hashingInfo")
	}
	off += n
	h.hashingInfo = hashingInfo

	signingInfo, n, err := readLEBytes(r)
	if err != nil {
		return h, errors.Wrap(err, "read idsig signingInfo")
	}
	off += n
	h.signingInfo = signingInfo

	treeSize, n, err := readLEUint32(r)
	if err != nil {
		return h, errors.Wrap(err, "read idsig treeSize")
	}
	off += n
	h.treeSize = int64(treeSize)
	h.headerByteLen = off

	return h, nil
}

// OpenInputDescriptors produces the ordered list of InputDescriptors for
// one InstalledFile, per the MetadataMode carried in its first metadata
// byte. An empty, non-error result means the file must be rejected (§3:
// "producing zero descriptors causes the file to be rejected").
func OpenInputDescriptors(host hostio.Host, handle hostio.ShellCommandHandle, size int64, metadata []byte) ([]InputDescriptor, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	mode := MetadataMode(int8(metadata[0]))

	if mode == ModeLocalFile {
		path := string(metadata[1:])
		return openLocalFile(host, handle, size, path)
	}

	fd, err := host.GetStdIn(handle)
	if err != nil {
		return nil, nil
	}

	switch mode {
	case ModeStdin:
		return []InputDescriptor{{
			Fd:        fd,
			Size:      size,
			Kind:      BlockKindData,
			WaitOnEof: true,
			Mode:      ModeStdin,
		}}, nil
	case ModeDataOnlyStreaming:
		treeSize := ComputeTreeSize(size)
		return []InputDescriptor{{
			Fd:        fd,
			Size:      treeSize,
			Kind:      BlockKindHash,
			WaitOnEof: true,
			Streaming: true,
			Mode:      ModeDataOnlyStreaming,
		}}, nil
	case ModeStreaming:
		return []InputDescriptor{{
			Fd:        fd,
			Size:      0,
			Kind:      BlockKindData,
			Streaming: true,
			Mode:      ModeStreaming,
		}}, nil
	default:
		fd.Close()
		return nil, nil
	}
}

// openLocalFile opens a local file and, if present, its .idsig sidecar,
// rejecting the file if the sidecar's declared tree size disagrees with
// the size computed from the file's data size.
func openLocalFile(host hostio.Host, handle hostio.ShellCommandHandle, size int64, path string) ([]InputDescriptor, error) {
	var result []InputDescriptor

	if idsigFd, err := host.GetLocalFile(handle, path+".idsig"); err == nil {
		header, err := parseIdsigHeader(idsigFd)
		if err != nil {
			log.Errorf("%s: failed to parse idsig header: %v", path, err)
			idsigFd.Close()
			return nil, nil
		}
		expected := ComputeTreeSize(size)
		if header.treeSize != expected {
			log.Errorf("%s: verity tree size mismatch: computed %d, idsig declares %d", path, expected, header.treeSize)
			idsigFd.Close()
			return nil, nil
		}
		if _, err := idsigFd.Seek(header.headerByteLen, io.SeekStart); err != nil {
			idsigFd.Close()
			return nil, errors.Wrap(err, "seek past idsig header")
		}
		result = append(result, InputDescriptor{
			Fd:   idsigFd,
			Size: expected,
			Kind: BlockKindHash,
		})
	}

	fileFd, err := host.GetLocalFile(handle, path)
	if err == nil {
		result = append(result, InputDescriptor{
			Fd:   fileFd,
			Size: size,
			Kind: BlockKindData,
		})
	}

	return result, nil
}
