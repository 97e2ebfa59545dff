// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import log "github.com/golang/glog"

// PendingRead is one pending-read notification delivered by the
// filesystem connector: a block of fileId is needed but not yet present.
type PendingRead struct {
	FileId FileId
	Block  int64
}

// OnPendingReads is the connector callback for pending-read events. Per
// spec.md §3, events for unknown fileIds are dropped; per §4.6, at most
// one PREFETCH is sent per FileIdx unless the prior PREFETCH write failed,
// and BLOCK_MISSING is always attempted.
//
// This is called from a connector callback thread and is documented
// (spec.md §5) as single-writer with respect to requestedFiles; it must
// not be called concurrently with itself.
func (l *Loader) OnPendingReads(reads []PendingRead) {
	st := l.stream
	if st == nil {
		return
	}

	for _, read := range reads {
		fileIdx := ToFileIdx(read.FileId)
		if fileIdx < 0 {
			log.Errorf("failed to handle pending read for file id %x, ignoring", read.FileId)
			continue
		}

		if !st.requestedFiles[fileIdx] {
			st.requestedFiles[fileIdx] = true
			if err := st.sendRequest(RequestPrefetch, fileIdx, int32(read.Block)); err != nil {
				delete(st.requestedFiles, fileIdx)
			} else {
				l.metrics.prefetchesSent.Inc()
			}
		}
		if st.sendRequest(RequestBlockMissing, fileIdx, int32(read.Block)) == nil {
			l.metrics.blockMissingSent.Inc()
		}
	}

	l.metrics.pendingReadsHandled.Add(float64(len(reads)))
}
