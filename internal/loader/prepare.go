// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"io"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// pageIndexer assigns monotonic per-(file,kind) page indices, matching the
// invariant that no holes are produced by the preparation path.
type pageIndexer struct {
	next int32
}

func (p *pageIndexer) take() int32 {
	idx := p.next
	p.next++
	return idx
}

// copyToFilesystem drains one InputDescriptor into the connector, cutting
// its bytes into BlockSize-sized instructions as it goes. It owns desc.Fd
// and closes it on return.
func (l *Loader) copyToFilesystem(fileFd int, desc InputDescriptor, ledgerKey ledgerKey) error {
	defer desc.Fd.Close()

	cfg := l.cfg
	buf := make([]byte, 0, cfg.BufferSize)
	var instructions []BlockInstruction
	resumePage := l.ledgerResumePage(ledgerKey)
	indexer := pageIndexer{next: resumePage}

	remaining := desc.Size
	if skip := int64(resumePage) * int64(cfg.BlockSize); skip > 0 {
		if skip > remaining {
			skip = remaining
		}
		if _, err := io.CopyN(io.Discard, desc.Fd, skip); err != nil && err != io.EOF {
			return errors.Wrap(ErrFilePrepareFailed, "seek past already-flushed bytes on resume")
		}
		remaining -= skip
	}

	for remaining > 0 {
		free := cap(buf) - len(buf)
		if free < cfg.BlockSize {
			var err error
			buf, instructions, err = l.flush(fileFd, desc.Kind, false, &indexer, buf, instructions, ledgerKey)
			if err != nil {
				return err
			}
			continue
		}

		toRead := free
		if int64(toRead) > remaining {
			toRead = int(remaining)
		}

		n, err := desc.Fd.Read(buf[len(buf) : len(buf)+toRead])
		if n > 0 {
			buf = buf[:len(buf)+n]
			remaining -= int64(n)
			continue
		}
		if err != nil && err != io.EOF {
			return errors.Wrap(ErrFilePrepareFailed, "read error")
		}
		if desc.WaitOnEof {
			log.Infof("eof of stdin, waiting... remaining=%d, block=%d", remaining, indexer.next)
			time.Sleep(cfg.WaitOnEofSleep)
			continue
		}
		break
	}

	if len(buf) > 0 {
		var err error
		buf, instructions, err = l.flush(fileFd, desc.Kind, true, &indexer, buf, instructions, ledgerKey)
		if err != nil {
			return err
		}
	}
	return nil
}

// flush converts every full block in buf (and the trailing partial block
// when eof is set) into a BlockInstruction, submits the batch to the
// connector in one call, and returns the buffer and instruction slice with
// consumed bytes removed.
func (l *Loader) flush(fileFd int, kind BlockKind, eof bool, indexer *pageIndexer, buf []byte, instructions []BlockInstruction, key ledgerKey) ([]byte, []BlockInstruction, error) {
	blockSize := l.cfg.BlockSize
	consumed := 0
	fullBlocks := len(buf) / blockSize
	for i := 0; i < fullBlocks; i++ {
		instructions = append(instructions, BlockInstruction{
			FileFd:      fileFd,
			PageIndex:   indexer.take(),
			Compression: CompressionNone,
			Kind:        kind,
			Data:        buf[consumed : consumed+blockSize],
		})
		consumed += blockSize
	}

	remain := len(buf) - fullBlocks*blockSize
	if remain > 0 && eof {
		instructions = append(instructions, BlockInstruction{
			FileFd:      fileFd,
			PageIndex:   indexer.take(),
			Compression: CompressionNone,
			Kind:        kind,
			Data:        buf[consumed : consumed+remain],
		})
		consumed += remain
	}

	if len(instructions) > 0 {
		n, err := l.connector.WriteBlocks(instructions)
		if err != nil {
			return buf, instructions, errors.Wrap(err, "write blocks during prepare")
		}
		if n < 0 {
			n = 0
		}
		for _, instr := range instructions[:n] {
			l.metrics.blocksWritten.Inc()
			l.metrics.bytesWritten.Add(float64(instr.DataSize()))
		}
		if n > 0 {
			l.ledgerAdvance(key, instructions[n-1].PageIndex)
		}
		if n < len(instructions) {
			return buf, instructions, errors.Wrapf(ErrFilePrepareFailed, "short write during prepare: %d/%d blocks accepted", n, len(instructions))
		}
	}

	instructions = instructions[:0]
	buf = append(buf[:0], buf[consumed:]...)
	return buf, instructions, nil
}
