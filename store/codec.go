// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"github.com/absmach/msgstore/metadata"
)

// enqueueData is the payload of a queue journal enqueue record.
type enqueueData struct {
	Msg     uint64 `msgpack:"m"`
	Header  []byte `msgpack:"h,omitempty"`
	Content []byte `msgpack:"c,omitempty"`
	Size    uint64 `msgpack:"s"`
}

// enqueueHeader is enqueueData without the inline content, for readers that
// only need to index a record.
type enqueueHeader struct {
	Msg    uint64 `msgpack:"m"`
	Header []byte `msgpack:"h,omitempty"`
	Size   uint64 `msgpack:"s"`
}

// dequeueData is the payload of a queue journal dequeue record.
type dequeueData struct {
	Msg uint64 `msgpack:"m"`
}

// tplOp is one operation listed by a TPL prepared record.
type tplOp struct {
	Queue   uint64 `msgpack:"q"`
	Msg     uint64 `msgpack:"m"`
	RID     uint64 `msgpack:"r"`
	Dequeue bool   `msgpack:"d,omitempty"`
	// EnqRID is the enqueue a dequeue removes.
	EnqRID uint64 `msgpack:"e,omitempty"`
}

// tplPrepared is the payload of a TPL prepared record.
type tplPrepared struct {
	Ops     []tplOp `msgpack:"ops"`
	TPC     bool    `msgpack:"tpc"`
	Outcome Outcome `msgpack:"outcome"`
}

// queueRow is the metadata row of a queue. Journal geometry is fixed at
// creation so the journal reopens with the files it was written with.
type queueRow struct {
	Queue    `msgpack:",inline"`
	FileSize int64 `msgpack:"file_size"`
	NumFiles int   `msgpack:"num_files"`
}

// messageRow holds staged message content.
type messageRow struct {
	Header  []byte `msgpack:"h"`
	Content []byte `msgpack:"c"`
}

// storeRow records the on-disk format in the config table.
type storeRow struct {
	Version int `msgpack:"version"`
}

const (
	storeVersion = 1
	storeKey     = "store"
)

func nameKey(kind, name string) []byte {
	return []byte(kind + ":" + name)
}

func encode(v any) ([]byte, error) {
	return metadata.Marshal(v)
}

func decode(data []byte, v any) error {
	return metadata.Unmarshal(data, v)
}
