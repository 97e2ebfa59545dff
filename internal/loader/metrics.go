// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments a Loader updates as it runs.
// One Metrics is shared by every Loader in the process -- the "instance"
// label on client/blb's own client metrics plays the same role a per-loader
// label would here, but a single install path rarely runs more than one
// loader at a time, so a single unlabeled set is simpler and matches what a
// reader of the status page actually wants to see.
type Metrics struct {
	blocksWritten       prometheus.Counter
	bytesWritten        prometheus.Counter
	prefetchesSent      prometheus.Counter
	blockMissingSent    prometheus.Counter
	pollWakeups         prometheus.Counter
	pollTimeouts        prometheus.Counter
	receiverErrors      prometheus.Counter
	pendingReadsHandled prometheus.Counter
}

var defaultMetrics = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		blocksWritten: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "blocks_written_total",
			Help:      "Block instructions submitted to the filesystem connector.",
		}),
		bytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "bytes_written_total",
			Help:      "Bytes submitted to the filesystem connector.",
		}),
		prefetchesSent: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "prefetches_sent_total",
			Help:      "PREFETCH requests sent to the streaming peer.",
		}),
		blockMissingSent: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "block_missing_sent_total",
			Help:      "BLOCK_MISSING requests sent to the streaming peer.",
		}),
		pollWakeups: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "poll_wakeups_total",
			Help:      "poll(2) calls that returned a ready fd before the timeout.",
		}),
		pollTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "poll_timeouts_total",
			Help:      "poll(2) calls that returned on the bounded timeout.",
		}),
		receiverErrors: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "receiver_errors_total",
			Help:      "Unrecoverable errors reported by the streaming receiver.",
		}),
		pendingReadsHandled: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "incloader",
			Name:      "pending_reads_handled_total",
			Help:      "Pending-read notifications converted into outbound requests.",
		}),
	}
}
