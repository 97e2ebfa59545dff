// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This file projects a Local connector's files onto a FUSE mount so a
// developer can `cat` a partially-streamed file and watch the loader
// request the missing pages live. Not for production use, diagnostics
// only -- same caveat internal/fuse/fuse.go carries for Blb.

package fsconnector

import (
	"encoding/hex"
	"os"
	"sync/atomic"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"golang.org/x/net/context"

	"github.com/go-incfs/dataloader/internal/loader"
)

// MountState holds information about a current diagnostics mount.
type MountState struct {
	path   string
	err    atomic.Value
	exited atomic.Value
}

// Mount mounts a read-only projection of l's data plane files on path and
// runs the FUSE server in a goroutine. It returns immediately.
func Mount(l *Local, path string) *MountState {
	ms := &MountState{path: path}
	go ms.mount(l)
	return ms
}

func (ms *MountState) mount(l *Local) {
	defer ms.exited.Store("true")

	conn, err := fuse.Mount(
		ms.path,
		fuse.FSName("incloader"),
		fuse.Subtype("incloaderfs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		ms.err.Store(err)
		return
	}
	defer conn.Close()

	if err := fs.Serve(conn, &loaderFS{l: l}); err != nil {
		ms.err.Store(err)
		return
	}

	<-conn.Ready
	if conn.MountError != nil {
		ms.err.Store(conn.MountError)
	}
}

// Unmount tries to unmount an existing diagnostics mount.
func (ms *MountState) Unmount() error {
	return fuse.Unmount(ms.path)
}

// Exited returns true if the FUSE goroutine has exited.
func (ms *MountState) Exited() bool {
	return ms.exited.Load() != nil
}

type loaderFS struct {
	l *Local
}

func (lf *loaderFS) Root() (fs.Node, error) {
	return &rootDir{l: lf.l}, nil
}

type rootDir struct {
	l *Local
}

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0555
	return nil
}

func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	var id loader.FileId
	raw, err := hex.DecodeString(name)
	if err != nil || len(raw) != loader.FileIdSize {
		return nil, fuse.ENOENT
	}
	copy(id[:], raw)
	return &fileNode{l: r.l, id: id}, nil
}

func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var out []fuse.Dirent
	for name := range r.l.PageCounts() {
		out = append(out, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	return out, nil
}

// fileNode exposes one (fileId)'s data plane as a flat, page-addressed
// file. Reads of a page the loader has not yet written surface as a
// pending-read event on the connector, exactly as a real IncFS mount would
// stall the reader and notify the data loader.
type fileNode struct {
	l  *Local
	id loader.FileId
}

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0444
	return nil
}

func (n *fileNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	pageIdx := int32(req.Offset / loader.BlockSize)
	data, err := n.l.ReadPage(n.id, loader.BlockKindData, pageIdx)
	if err != nil {
		// Page not present: the connector has already emitted a
		// pending-read event inside ReadPage. Report an empty read
		// rather than an error; the reader sees it as end of file.
		resp.Data = resp.Data[:0]
		return nil
	}
	resp.Data = data
	return nil
}
