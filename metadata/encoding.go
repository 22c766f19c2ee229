// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/absmach/msgstore/internal/bufpool"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a row to msgpack.
func Marshal(v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Unmarshal decodes a msgpack row into v.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// IDKey encodes an entity id as a big-endian key so rows iterate in id order.
func IDKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// ParseIDKey decodes a key produced by IDKey.
func ParseIDKey(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("invalid id key length %d", len(k))
	}
	return binary.BigEndian.Uint64(k), nil
}

// GetRow reads and decodes a row.
func GetRow(tx Txn, table Table, key []byte, v any) error {
	data, err := tx.Get(table, key)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	return nil
}

// PutRow encodes and writes a row.
func PutRow(tx Txn, table Table, key []byte, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	return tx.Put(table, key, data)
}

// Rows decodes every row of table into T and calls fn in key order.
func Rows[T any](tx Txn, table Table, fn func(key []byte, row *T) error) error {
	return tx.Iterate(table, func(key, value []byte) error {
		row := new(T)
		if err := Unmarshal(value, row); err != nil {
			return fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		return fn(key, row)
	})
}

// Exists reports whether a row exists.
func Exists(tx Txn, table Table, key []byte) (bool, error) {
	_, err := tx.Get(table, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
