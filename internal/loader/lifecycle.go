// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"os"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/go-incfs/dataloader/pkg/hostio"
)

// Loader is one data loader instance. Its lifecycle is
// Create -> Start -> PrepareImage -> [Stream] -> Stop -> Destroy, matching
// the virtual-method contract the original PMSCDataLoader implements
// against android::dataloader::DataLoader.
type Loader struct {
	cfg Config

	connector      FilesystemConnector
	statusListener StatusListener
	host           hostio.Host
	ledger         *ledger
	metrics        *Metrics

	args string

	readLogsEnabled atomic.Bool

	stream *streamState
}

// New constructs a Loader with the given collaborators but does not yet
// perform onCreate's side effects (observer registration, read-log
// sync). Use OnCreate for that. metrics may be nil to use the
// process-wide default registry.
func New(cfg Config, connector FilesystemConnector, statusListener StatusListener, host hostio.Host, metrics *Metrics) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	led, err := openLedger(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = defaultMetrics
	}
	return &Loader{
		cfg:            cfg,
		connector:      connector,
		statusListener: statusListener,
		host:           host,
		ledger:         led,
		metrics:        metrics,
	}, nil
}

// OnCreate corresponds to the original's onCreate: it records the
// install's argument string, registers with the process-wide trace
// observer, and syncs the connector's read-log toggle to the current
// trace-tag state.
func (l *Loader) OnCreate(args string) error {
	if l.connector == nil {
		return errors.New("connector can't be nil")
	}
	if l.statusListener == nil {
		return errors.New("statusListener can't be nil")
	}
	l.args = args
	l.updateReadLogsState(TraceTagEnabled())
	globalObserver.register(l)
	return nil
}

// OnStart corresponds to the original's onStart, which does nothing but
// return success -- all real setup happens in OnCreate and OnPrepareImage.
func (l *Loader) OnStart() error {
	return nil
}

// OnStop signals the streaming receiver (if any) to exit and waits for it,
// matching onStop's eventfd-write-then-join.
func (l *Loader) OnStop() {
	l.stopStreaming()
}

// OnDestroy unregisters from the trace observer and closes the ledger.
// It must only be called after OnStop has returned, the same ordering the
// original enforces with its CHECK(!mReceiverThread.joinable()).
func (l *Loader) OnDestroy() {
	globalObserver.unregister(l)
	if l.ledger != nil {
		if err := l.ledger.close(); err != nil {
			log.Errorf("failed to close install-progress ledger: %v", err)
		}
	}
}

// updateReadLogsState propagates a trace-tag change to the filesystem
// connector, exactly as the original's updateReadLogsState: a no-op unless
// the value actually flipped.
func (l *Loader) updateReadLogsState(enabled bool) {
	if l.readLogsEnabled.Swap(enabled) == enabled {
		return
	}
	if err := l.connector.SetParams(ConnectorParams{ReadLogsEnabled: enabled}); err != nil {
		log.Errorf("failed to propagate read-log toggle: %v", err)
	}
}

// OnPrepareImage materializes every file in files. The host's shell
// command is looked up once, then every file's input descriptors are
// opened in a first, serial pass -- in files' list order, which is what
// fixes the streaming fd/mode deterministically (spec.md §3: "the first
// input descriptor flagged streaming fixes the streaming fd and mode for
// the whole installation"). Opening is cheap relative to draining, so
// only the actual data-copy work is fanned out across files with an
// errgroup afterward; nothing in the concurrency model (spec.md §5)
// orders one file's copy with respect to another's, only within a single
// (fileId, kind).
func (l *Loader) OnPrepareImage(files []InstalledFile) error {
	log.Infof("onPrepareImage: start, %d files", len(files))

	handle, err := l.host.LookupShellCommand(l.args)
	if err != nil {
		return errors.Wrap(ErrMissingShellCommand, err.Error())
	}

	allInputs := make([][]InputDescriptor, len(files))
	var streamFd *os.File
	var streamMode MetadataMode

	for i, file := range files {
		inputs, err := OpenInputDescriptors(l.host, handle, file.Size, file.Metadata)
		if err != nil {
			return errors.Wrapf(ErrInputOpenFailed, "%s: %v", file.Name, err)
		}
		if len(inputs) == 0 {
			return errors.Wrapf(ErrInputOpenFailed, "%s: no input descriptors", file.Name)
		}
		allInputs[i] = inputs

		if streamFd == nil {
			for _, input := range inputs {
				if !input.Streaming {
					continue
				}
				dup, err := dupInputFd(input.Fd)
				if err != nil {
					return errors.Wrapf(ErrFilePrepareFailed, "%s: dup streaming fd: %v", file.Name, err)
				}
				streamFd = dup
				streamMode = input.Mode
				break
			}
		}
	}

	g := new(errgroup.Group)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			return l.prepareFile(file, allInputs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if streamFd != nil {
		log.Infof("onPrepareImage: done, proceeding to streaming.")
		return l.initStreaming(streamFd, streamMode)
	}

	log.Infof("onPrepareImage: done.")
	return nil
}

// prepareFile drains every already-opened InputDescriptor for one
// InstalledFile into the connector. The descriptor that was chosen as
// the installation's streaming fd (if any) was already dup'd by
// OnPrepareImage's serial opening pass; draining it here through
// copyToFilesystem is still correct, since the dup shares the same
// kernel file offset -- it just consumes whatever fixed-size prefix
// (e.g. a Merkle tree) precedes the live streamed data.
func (l *Loader) prepareFile(file InstalledFile, inputs []InputDescriptor) error {
	fileID := FileIdFromMetadata(file.Metadata)
	fd, err := l.connector.OpenForSpecialOps(fileID)
	if err != nil || fd < 0 {
		return errors.Wrapf(ErrFilePrepareFailed, "%s: open for special ops: %v", file.Name, err)
	}

	for _, input := range inputs {
		key := ledgerKey{fileID: fileID, kind: input.Kind}
		if err := l.copyToFilesystem(fd, input, key); err != nil {
			return errors.Wrapf(ErrFilePrepareFailed, "%s: %v", file.Name, err)
		}
	}
	return nil
}

func dupInputFd(fd ReadCloserAt) (*os.File, error) {
	f, ok := fd.(*os.File)
	if !ok {
		return nil, errors.New("streaming input descriptor is not backed by an *os.File")
	}
	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(dupFd), "incloader-stream"), nil
}
