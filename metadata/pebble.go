// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

var _ Store = (*PebbleStore)(nil)

// PebbleStore keeps metadata tables in Pebble. Updates run against an indexed
// batch so reads observe the transaction's own writes.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// Serialises read-modify-write transactions; batches carry no conflict
	// detection of their own.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewPebble opens a Pebble-backed store in cfg.Dir.
func NewPebble(cfg Config) (*PebbleStore, error) {
	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}

	wo := pebble.NoSync
	if cfg.SyncWrites {
		wo = pebble.Sync
	}
	return &PebbleStore{db: db, writeOpts: wo}, nil
}

func (s *PebbleStore) View(fn func(Txn) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleTxn{r: snap})
}

func (s *PebbleStore) Update(fn func(Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(pebbleTxn{r: b, b: b}); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

type pebbleTxn struct {
	r pebble.Reader
	b *pebble.Batch
}

func (t pebbleTxn) Get(table Table, key []byte) ([]byte, error) {
	val, closer, err := t.r.Get(tableKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (t pebbleTxn) Put(table Table, key, value []byte) error {
	if t.b == nil {
		return errReadOnly
	}
	return t.b.Set(tableKey(table, key), value, nil)
}

func (t pebbleTxn) Delete(table Table, key []byte) error {
	if t.b == nil {
		return errReadOnly
	}
	return t.b.Delete(tableKey(table, key), nil)
}

func (t pebbleTxn) Iterate(table Table, fn func(key, value []byte) error) error {
	prefix := tablePrefix(table)
	iter, err := t.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key()[len(prefix):], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
