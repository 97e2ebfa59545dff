// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// ledgerBucket is the single boltdb bucket holding install progress, keyed
// by "<fileId>:<kind>" and valued with the highest durably-flushed page
// index (exclusive of streaming sessions, which are not resumable).
var ledgerBucket = []byte("install-progress")

// ledgerKey identifies one (file, kind) page-index counter in the ledger.
type ledgerKey struct {
	fileID FileId
	kind   BlockKind
}

func (k ledgerKey) bytes() []byte {
	return []byte(fmt.Sprintf("%x:%d", k.fileID, k.kind))
}

// ledger is a resumable record of preparation progress, so a second
// PrepareImage call after a crash does not re-request or re-write blocks a
// prior run already durably flushed to the connector. This is purely
// additive bookkeeping: the invariants of spec.md §3/§8 hold with or
// without it.
type ledger struct {
	db *bolt.DB
}

// openLedger opens (creating if necessary) the boltdb-backed ledger at
// path. A zero path disables resumability; all ledger methods become
// no-ops.
func openLedger(path string) (*ledger, error) {
	if path == "" {
		return &ledger{}, nil
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open install-progress ledger")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize install-progress ledger")
	}
	return &ledger{db: db}, nil
}

func (l *ledger) close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// resumePage returns the next page index to assign for key, i.e. one past
// the highest index previously recorded, or 0 if nothing was recorded.
func (l *ledger) resumePage(key ledgerKey) int32 {
	if l.db == nil {
		return 0
	}
	var next int32
	_ = l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		v := b.Get(key.bytes())
		if len(v) == 4 {
			next = int32(binary.BigEndian.Uint32(v)) + 1
		}
		return nil
	})
	return next
}

// advance records that every page up to and including highestIndex has
// been durably flushed for key.
func (l *ledger) advance(key ledgerKey, highestIndex int32) {
	if l.db == nil || highestIndex < 0 {
		return
	}
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(highestIndex))
	_ = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(key.bytes(), v[:])
	})
}

// ledgerResumePage and ledgerAdvance are the Loader-level entry points used
// by the preparation pipeline.
func (l *Loader) ledgerResumePage(key ledgerKey) int32 {
	return l.ledger.resumePage(key)
}

func (l *Loader) ledgerAdvance(key ledgerKey, highestIndex int32) {
	l.ledger.advance(key, highestIndex)
}
