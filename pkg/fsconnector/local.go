// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package fsconnector provides reference FilesystemConnector
// implementations. The real target filesystem (IncFS) is out of scope
// (spec.md §1); these let a developer run and exercise the loader against
// a local directory without a kernel IncFS mount.
package fsconnector

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/go-incfs/dataloader/internal/loader"
)

// PendingReadFunc is invoked when a read targets a page the connector has
// not yet received, the Local connector's analogue of an IncFS pending-read
// callback.
type PendingReadFunc func([]loader.PendingRead)

// PageReadFunc is invoked for every page ReadPage actually serves while read
// logging is enabled, for the trace bridge (spec.md §4.6). Reads of pages
// not yet present are not reported through it.
type PageReadFunc func([]loader.PageRead)

type file struct {
	data  *os.File
	hash  *os.File
	mu    sync.Mutex
	pages map[loader.BlockKind]map[int32]bool
}

// Local is an on-disk FilesystemConnector: each (fileId, kind) maps to one
// backing file under root, pages written at pageIndex*BlockSize via
// WriteAt, grounded on pkg/disk/checksum_block.go's offset arithmetic
// (minus the per-block checksum, which belongs to the verity layer this
// loader only feeds, not to this diagnostic stand-in).
type Local struct {
	root string

	mu      sync.Mutex
	nextFd  int
	byFd    map[int]*file
	byID    map[loader.FileId]*file
	readLog bool

	onPendingRead PendingReadFunc
	onPageRead    PageReadFunc
}

// NewLocal creates a Local connector rooted at dir, creating dir if
// necessary.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create connector root")
	}
	return &Local{
		root: dir,
		byFd: make(map[int]*file),
		byID: make(map[loader.FileId]*file),
	}, nil
}

// SetPendingReadHandler registers the callback invoked when ReadPage
// targets a page not yet written.
func (l *Local) SetPendingReadHandler(fn PendingReadFunc) { l.onPendingRead = fn }

// SetPageReadHandler registers the callback invoked for every served page
// while read logging is enabled, feeding the trace bridge.
func (l *Local) SetPageReadHandler(fn PageReadFunc) { l.onPageRead = fn }

// DiskPath satisfies the loader status page's diskStater interface.
func (l *Local) DiskPath() string { return l.root }

// PageCounts satisfies the loader status page's pageCounter interface.
func (l *Local) PageCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.byID))
	for id, f := range l.byID {
		f.mu.Lock()
		n := 0
		for _, pages := range f.pages {
			n += len(pages)
		}
		f.mu.Unlock()
		out[hex.EncodeToString(id[:])] = n
	}
	return out
}

// OpenForSpecialOps creates (or reopens) the pair of backing files for id
// and returns a synthetic per-process handle -- there is no real kernel fd
// to hand back since id does not name anything the OS knows about.
func (l *Local) OpenForSpecialOps(id loader.FileId) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.byID[id]; ok {
		for fd, existing := range l.byFd {
			if existing == f {
				return fd, nil
			}
		}
	}

	name := hex.EncodeToString(id[:])
	data, err := os.OpenFile(filepath.Join(l.root, name+".data"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return -1, errors.Wrap(err, "open data file")
	}
	hash, err := os.OpenFile(filepath.Join(l.root, name+".hash"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		data.Close()
		return -1, errors.Wrap(err, "open hash file")
	}

	f := &file{
		data:  data,
		hash:  hash,
		pages: map[loader.BlockKind]map[int32]bool{loader.BlockKindData: {}, loader.BlockKindHash: {}},
	}

	fd := l.nextFd
	l.nextFd++
	l.byFd[fd] = f
	l.byID[id] = f
	return fd, nil
}

// WriteBlocks writes every instruction in batch to its destination file at
// pageIndex*BlockSize, stopping at the first failure and returning how many
// were written -- matching the "short return is logged but not fatal
// during streaming" contract (spec.md §4.2/§7).
func (l *Local) WriteBlocks(batch []loader.BlockInstruction) (int, error) {
	for i, instr := range batch {
		l.mu.Lock()
		f, ok := l.byFd[instr.FileFd]
		l.mu.Unlock()
		if !ok {
			return i, errors.Errorf("unknown file fd %d", instr.FileFd)
		}

		dst := f.data
		if instr.Kind == loader.BlockKindHash {
			dst = f.hash
		}

		off := int64(instr.PageIndex) * int64(loader.BlockSize)
		if _, err := dst.WriteAt(instr.Data, off); err != nil {
			return i, errors.Wrapf(err, "write page %d", instr.PageIndex)
		}
		if err := unix.Fadvise(int(dst.Fd()), off, int64(len(instr.Data)), unix.FADV_DONTNEED); err != nil {
			log.Errorf("fadvise after write failed (non-fatal): %v", err)
		}

		f.mu.Lock()
		f.pages[instr.Kind][instr.PageIndex] = true
		f.mu.Unlock()
	}
	return len(batch), nil
}

// SetParams toggles read logging; when enabled, ReadPage reports every
// served page through the registered PageReadFunc.
func (l *Local) SetParams(params loader.ConnectorParams) error {
	l.mu.Lock()
	l.readLog = params.ReadLogsEnabled
	l.mu.Unlock()
	return nil
}

// ReadPage serves one page for diagnostic consumers (the status page, the
// FUSE projection, tests). If the page has not been written yet, it fires
// a synthetic pending-read event instead of returning data, the same way
// a real IncFS mount would stall the reader and notify the data loader.
func (l *Local) ReadPage(id loader.FileId, kind loader.BlockKind, pageIdx int32) ([]byte, error) {
	l.mu.Lock()
	f, ok := l.byID[id]
	readLog := l.readLog
	l.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown file id %x", id)
	}

	f.mu.Lock()
	present := f.pages[kind][pageIdx]
	f.mu.Unlock()

	if !present {
		if l.onPendingRead != nil {
			l.onPendingRead([]loader.PendingRead{{FileId: id, Block: int64(pageIdx)}})
		}
		return nil, errors.Errorf("page %d not yet present", pageIdx)
	}

	src := f.data
	if kind == loader.BlockKindHash {
		src = f.hash
	}
	buf := make([]byte, loader.BlockSize)
	n, err := src.ReadAt(buf, int64(pageIdx)*int64(loader.BlockSize))
	if err != nil && n == 0 {
		return nil, errors.Wrap(err, "read page")
	}

	if readLog && l.onPageRead != nil {
		l.onPageRead([]loader.PageRead{{FileId: id, Block: int64(pageIdx)}})
	}
	return buf[:n], nil
}
