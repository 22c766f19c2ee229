// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a non-durable Store for tests and ephemeral brokers.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[Table]map[string][]byte
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{tables: make(map[Table]map[string][]byte)}
}

func (s *MemoryStore) View(fn func(Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&memoryTxn{s: s})
}

// Update applies writes in place and undoes them when fn fails.
func (s *MemoryStore) Update(fn func(Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx := &memoryTxn{s: s, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type undo struct {
	table   Table
	key     string
	value   []byte
	existed bool
}

type memoryTxn struct {
	s        *MemoryStore
	writable bool
	undo     []undo
}

func (t *memoryTxn) Get(table Table, key []byte) ([]byte, error) {
	v, ok := t.s.tables[table][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTxn) Put(table Table, key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	rows := t.s.tables[table]
	if rows == nil {
		rows = make(map[string][]byte)
		t.s.tables[table] = rows
	}
	old, ok := rows[string(key)]
	t.undo = append(t.undo, undo{table: table, key: string(key), value: old, existed: ok})
	rows[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTxn) Delete(table Table, key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	rows := t.s.tables[table]
	old, ok := rows[string(key)]
	if !ok {
		return nil
	}
	t.undo = append(t.undo, undo{table: table, key: string(key), value: old, existed: true})
	delete(rows, string(key))
	return nil
}

func (t *memoryTxn) Iterate(table Table, fn func(key, value []byte) error) error {
	rows := t.s.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := rows[k]
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		if u.existed {
			t.s.tables[u.table][u.key] = u.value
		} else {
			delete(t.s.tables[u.table], u.key)
		}
	}
}
