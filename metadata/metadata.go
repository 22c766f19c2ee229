// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metadata provides transactional key/value tables used to persist
// durable broker entities.
package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("row not found")
	ErrClosed         = errors.New("metadata store is closed")
	ErrUnknownBackend = errors.New("unknown metadata backend")

	errReadOnly = errors.New("read-only metadata transaction")
)

// Table names a metadata table.
type Table string

const (
	TableQueue    Table = "queue"
	TableExchange Table = "exchange"
	TableBinding  Table = "binding"
	TableConfig   Table = "config"
	TableIDMap    Table = "idmap"
	TableGeneral  Table = "general"
	TableMessage  Table = "message"
)

// Tables lists every table in a stable order.
var Tables = []Table{
	TableQueue, TableExchange, TableBinding, TableConfig,
	TableIDMap, TableGeneral, TableMessage,
}

// Txn is a metadata transaction. A Txn obtained from View is read-only.
type Txn interface {
	// Get returns the row stored under key, or ErrNotFound.
	Get(table Table, key []byte) ([]byte, error)
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	// Iterate visits the rows of table in ascending key order. Returned
	// slices are only valid for the duration of fn.
	Iterate(table Table, fn func(key, value []byte) error) error
}

// Store is a transactional table store. Writes made inside Update become
// visible atomically when fn returns nil and are discarded otherwise.
type Store interface {
	View(fn func(Txn) error) error
	Update(fn func(Txn) error) error
	Close() error
}

// Backend names.
const (
	BackendBadger = "badger"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config selects and configures a metadata backend.
type Config struct {
	Backend string
	Dir     string
	// SyncWrites makes every committed Update durable before it returns.
	SyncWrites bool
}

// Open opens the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBadger, "":
		return NewBadger(cfg)
	case BackendPebble:
		return NewPebble(cfg)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// tableKey prefixes key with its table name.
func tableKey(table Table, key []byte) []byte {
	k := make([]byte, 0, len(table)+1+len(key))
	k = append(k, table...)
	k = append(k, 0)
	return append(k, key...)
}

func tablePrefix(table Table) []byte {
	return tableKey(table, nil)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
