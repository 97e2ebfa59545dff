// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// okay is the fixed 4-byte handshake the streaming peer must send before
// any framed chunk.
var okay = []byte("OKAY")

// streamState holds everything the streaming engine needs once a
// streaming session has been established. At most one exists per Loader
// (spec.md §3: "At most one streaming session exists per loader
// instance").
type streamState struct {
	mode MetadataMode

	outMu sync.Mutex
	outFd *os.File // nil once the receiver has exited

	eventFd int

	stopReceiving atomic.Bool
	receiverDone  chan struct{}

	requestedFiles map[FileIdx]bool // single-writer: onPendingReads only
}

// initStreaming performs the "OKAY" handshake on inout, then spawns the
// receiver goroutine. The receiver takes ownership of inout, reads from it
// and closes it on exit; a dup of inout becomes the outbound fd that
// sendRequest writes to.
func (l *Loader) initStreaming(inout *os.File, mode MetadataMode) error {
	var handshake [4]byte
	if _, err := readFull(inout, handshake[:]); err != nil {
		return errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	if !bytes.Equal(handshake[:], okay) {
		return errors.Wrapf(ErrHandshakeFailed, "received %q, expected %q", handshake[:], okay)
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "create stop eventfd")
	}

	dupFd, err := unix.Dup(int(inout.Fd()))
	if err != nil {
		unix.Close(eventFd)
		return errors.Wrap(err, "dup streaming fd")
	}

	st := &streamState{
		mode:           mode,
		outFd:          os.NewFile(uintptr(dupFd), "incr-out"),
		eventFd:        eventFd,
		receiverDone:   make(chan struct{}),
		requestedFiles: make(map[FileIdx]bool),
	}
	l.stream = st

	go l.receiver(inout, st)
	log.Infof("started streaming session, mode=%d", mode)
	return nil
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("short read")
		}
	}
	return total, nil
}

// waitForDataOrSignal blocks until either inFd or the stop eventfd has
// data ready, or PollTimeout elapses. It returns the ready fd, 0 on
// timeout, or a negative value on error -- mirroring the original
// waitForDataOrSignal's return convention.
func waitForDataOrSignal(inFd, eventFd int, timeoutMs int) (int, error) {
	pfds := []unix.PollFd{
		{Fd: int32(inFd), Events: unix.POLLIN},
		{Fd: int32(eventFd), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		return -1, err
	}
	if n <= 0 {
		return 0, nil
	}
	if pfds[1].Revents&unix.POLLIN != 0 {
		return eventFd, nil
	}
	if pfds[0].Revents&unix.POLLIN != 0 {
		return inFd, nil
	}
	return -1, nil
}

// sendRequest writes a RequestCommand on st.outFd, serialized by outMu so
// PREFETCH/BLOCK_MISSING/EXIT are totally ordered on the wire (spec.md
// §5). It is a no-op, returning nil, once the receiver has cleared outFd.
func (st *streamState) sendRequest(requestType RequestType, fileIdx FileIdx, blockIdx int32) error {
	st.outMu.Lock()
	defer st.outMu.Unlock()
	if st.outFd == nil {
		return nil
	}
	return WriteRequest(st.outFd, requestType, fileIdx, blockIdx)
}

// clearOutFd drops the outbound fd so subsequent sendRequest calls become
// no-ops, matching the receiver's teardown in spec.md §4.5.
func (st *streamState) clearOutFd() {
	st.outMu.Lock()
	defer st.outMu.Unlock()
	if st.outFd != nil {
		st.outFd.Close()
		st.outFd = nil
	}
}

// receiver is the streaming engine's main loop. It owns inout and every
// per-file write fd it opens, closing all of them on exit.
func (l *Loader) receiver(inout *os.File, st *streamState) {
	defer close(st.receiverDone)
	defer inout.Close()
	defer unix.Close(st.eventFd)

	writeFds := make(map[FileIdx]int)
	defer func() {
		for _, fd := range writeFds {
			unix.Close(fd)
		}
	}()

	var instructions []BlockInstruction
	timeoutMs := int(l.cfg.PollTimeout.Milliseconds())

	for !st.stopReceiving.Load() {
		res, err := waitForDataOrSignal(int(inout.Fd()), st.eventFd, timeoutMs)
		if err != nil {
			log.Errorf("failed to poll: %v", err)
			l.metrics.receiverErrors.Inc()
			l.reportStatus(DataLoaderUnrecoverable)
			break
		}
		if res == 0 {
			l.metrics.pollTimeouts.Inc()
			continue
		}
		l.metrics.pollWakeups.Inc()
		if res == st.eventFd {
			log.Infof("received stop signal, sending EXIT to server")
			_ = st.sendRequest(RequestExit, -1, -1)
			break
		}

		data, err := ReadChunk(inout)
		if err != nil {
			log.Errorf("failed to read a message: %v", err)
			l.metrics.receiverErrors.Inc()
			l.reportStatus(DataLoaderUnrecoverable)
			break
		}

		stop := false
		for len(data) > 0 {
			header, rest, err := DecodeBlockHeader(data)
			if err != nil {
				log.Errorf("short block header, aborting: %v", err)
				st.stopReceiving.Store(true)
				break
			}
			data = rest

			if header.IsSentinel() {
				log.Infof("stop signal received, sending exit command (remaining bytes: %d)", len(data))
				_ = st.sendRequest(RequestExit, -1, -1)
				st.stopReceiving.Store(true)
				stop = true
				break
			}
			if header.IsInvalid() {
				log.Errorf("invalid header received, aborting")
				st.stopReceiving.Store(true)
				stop = true
				break
			}

			fileID := FileIdFromIdx(st.mode, header.FileIdx)
			if ToFileIdx(fileID) < 0 {
				log.Errorf("unknown data destination for file id %d, ignoring", header.FileIdx)
				if len(data) < int(header.BlockSize) {
					break
				}
				data = data[header.BlockSize:]
				continue
			}

			writeFd, ok := writeFds[header.FileIdx]
			if !ok {
				fd, err := l.connector.OpenForSpecialOps(fileID)
				if err != nil || fd < 0 {
					log.Errorf("failed to open file %d for writing: %v", header.FileIdx, err)
					break
				}
				writeFd = fd
				writeFds[header.FileIdx] = fd
			}

			if len(data) < int(header.BlockSize) {
				log.Errorf("truncated block payload for file %d", header.FileIdx)
				st.stopReceiving.Store(true)
				stop = true
				break
			}

			instructions = append(instructions, BlockInstruction{
				FileFd:      writeFd,
				PageIndex:   header.BlockIdx,
				Compression: header.CompressionType,
				Kind:        header.BlockType,
				Data:        data[:header.BlockSize],
			})
			data = data[header.BlockSize:]
		}

		l.writeInstructions(&instructions)
		if stop {
			break
		}
	}

	l.writeInstructions(&instructions)
	st.clearOutFd()
}

// writeInstructions submits the accumulated batch to the connector. A
// short write is logged but not fatal during streaming (spec.md §7).
func (l *Loader) writeInstructions(instructions *[]BlockInstruction) {
	if len(*instructions) == 0 {
		return
	}
	n, err := l.connector.WriteBlocks(*instructions)
	if err != nil || n != len(*instructions) {
		log.Errorf("failed to write data to filesystem (res=%d when expecting %d, err=%v)", n, len(*instructions), err)
	}
	for _, instr := range (*instructions)[:max(n, 0)] {
		l.metrics.blocksWritten.Inc()
		l.metrics.bytesWritten.Add(float64(instr.DataSize()))
	}
	*instructions = (*instructions)[:0]
}

func (l *Loader) reportStatus(code StatusCode) {
	if l.statusListener != nil {
		l.statusListener.ReportStatus(code)
	}
}

// stopStreaming signals the receiver to exit and waits for it to finish.
// It is a no-op if no streaming session was ever started.
func (l *Loader) stopStreaming() {
	if l.stream == nil {
		return
	}
	st := l.stream
	st.stopReceiving.Store(true)
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(st.eventFd, one[:]); err != nil {
		log.Errorf("failed to signal stop eventfd: %v", err)
	}
	<-st.receiverDone
}
