// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/net/trace"
)

// globalTraceTagEnabled is the Go analogue of the ATRACE_TAG state the
// original polls via atrace_is_tag_enabled: a single process-wide toggle,
// settable from the status page's /debug/tracetag handler (see status.go),
// that the trace observer samples once a second.
var globalTraceTagEnabled atomic.Bool

// SetTraceTagEnabled flips the process-wide trace tag. Exposed for the
// status page handler and for tests.
func SetTraceTagEnabled(enabled bool) {
	globalTraceTagEnabled.Store(enabled)
}

// TraceTagEnabled reports the current trace tag state.
func TraceTagEnabled() bool {
	return globalTraceTagEnabled.Load()
}

// PageRead is one block read notification delivered by the filesystem
// connector for tracing purposes (distinct from PendingRead, which drives
// the wire protocol).
type PageRead struct {
	FileId FileId
	Block  int64
}

// tracedSpan accumulates a run of PageReads sharing FileId and forming a
// contiguous block sequence into one trace span. fileID, not just fileIdx,
// is tracked so opaque files (ToFileIdx == -1) still compact correctly by
// identity.
type tracedSpan struct {
	fileID     FileId
	fileIdx    FileIdx
	firstBlock int64
	count      int64
}

// OnPageReads is the connector callback for read tracing. When the trace
// tag is disabled it returns immediately (spec.md §4.6). Otherwise it
// compacts consecutive reads into spans and emits one trace.Trace per
// span, named the same way the original names its ATRACE_BEGIN string.
func (l *Loader) OnPageReads(reads []PageRead) {
	if !TraceTagEnabled() {
		return
	}

	var last tracedSpan
	for _, r := range reads {
		if r.FileId != last.fileID || r.Block != last.firstBlock+last.count {
			emitSpan(last)
			last = tracedSpan{fileID: r.FileId, fileIdx: ToFileIdx(r.FileId), firstBlock: r.Block, count: 1}
			continue
		}
		last.count++
	}
	emitSpan(last)
}

func emitSpan(t tracedSpan) {
	if t.count == 0 {
		return
	}
	msg := fmt.Sprintf("page_read: index=%d count=%d file=%d", t.firstBlock, t.count, t.fileIdx)
	tr := trace.New("loader.pageRead", msg)
	tr.Finish()
}
