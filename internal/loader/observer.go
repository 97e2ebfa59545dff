// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"sync"
	"time"
)

// observable is the subset of *Loader the trace observer needs, split out
// so tests can register a fake without building a full Loader.
type observable interface {
	updateReadLogsState(enabled bool)
}

// traceObserver is the process-wide singleton that samples TraceTagEnabled
// once per TraceTagCheckInterval and fans out changes to every registered
// Loader, mirroring the original's OnTraceChanged: one background checker
// shared by every loader instance in the process, rather than one poller
// per instance.
type traceObserver struct {
	mu        sync.Mutex
	callbacks map[observable]struct{}

	startOnce sync.Once
}

var globalObserver = &traceObserver{
	callbacks: make(map[observable]struct{}),
}

// register adds l to the observer's callback set and lazily starts the
// background checker goroutine on first use.
func (o *traceObserver) register(l observable) {
	o.mu.Lock()
	o.callbacks[l] = struct{}{}
	o.mu.Unlock()

	o.startOnce.Do(func() { go o.run(DefaultConfig.TraceTagCheckInterval) })
}

// unregister removes l from the callback set. It is safe to call more than
// once.
func (o *traceObserver) unregister(l observable) {
	o.mu.Lock()
	delete(o.callbacks, l)
	o.mu.Unlock()
}

// run is the checker loop: it polls the global trace tag and, on a change,
// pushes the new value to every registered callback.
func (o *traceObserver) run(interval time.Duration) {
	old := TraceTagEnabled()
	for {
		time.Sleep(interval)
		cur := TraceTagEnabled()
		if cur == old {
			continue
		}
		old = cur

		o.mu.Lock()
		targets := make([]observable, 0, len(o.callbacks))
		for l := range o.callbacks {
			targets = append(targets, l)
		}
		o.mu.Unlock()

		for _, l := range targets {
			l.updateReadLogsState(cur)
		}
	}
}
