// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"strings"
	"unicode"
)

// Queue is a durable queue.
type Queue struct {
	ID   uint64 `msgpack:"id"`
	Name string `msgpack:"name"`
	Args []byte `msgpack:"args,omitempty"`
}

// Exchange is a durable exchange.
type Exchange struct {
	ID   uint64 `msgpack:"id"`
	Name string `msgpack:"name"`
	Args []byte `msgpack:"args,omitempty"`
}

// Binding attaches a queue to an exchange.
type Binding struct {
	ID         uint64 `msgpack:"id"`
	ExchangeID uint64 `msgpack:"exchange"`
	QueueID    uint64 `msgpack:"queue"`
	Key        string `msgpack:"key"`
	Args       []byte `msgpack:"args,omitempty"`
}

// ConfigEntry is an opaque general configuration blob.
type ConfigEntry struct {
	ID   uint64 `msgpack:"id"`
	Data []byte `msgpack:"data"`
}

// Message is a persistent message. Content is either carried inline in the
// enqueue record or, for staged messages, kept in the metadata store and
// loaded on demand.
type Message struct {
	ID          uint64
	Header      []byte
	Content     []byte
	ContentSize uint64
	Staged      bool
}

// QueueMessage names a message on a queue.
type QueueMessage struct {
	QueueID   uint64
	MessageID uint64
}

// PreparedTxn describes a distributed transaction that recovery found
// prepared without a decided outcome. Its enqueues are not visible and its
// dequeues cannot be taken until the transaction is committed or aborted.
type PreparedTxn struct {
	XID      []byte
	Enqueues []QueueMessage
	Dequeues []QueueMessage
}

// RecoveryHandler receives the recovered broker state. A returned error stops
// recovery. Values passed to the handler are not retained by the store.
type RecoveryHandler interface {
	QueueRecovered(q Queue) error
	ExchangeRecovered(e Exchange) error
	BindingRecovered(b Binding) error
	GeneralRecovered(c ConfigEntry) error
	// MessageRecovered is called once for every message still held by a
	// queue or a prepared transaction. Content is not loaded.
	MessageRecovered(m Message) error
	// EnqueueRecovered is called per queue in journal order for every
	// visible message.
	EnqueueRecovered(queueID, messageID uint64) error
	PreparedRecovered(p PreparedTxn) error
}

// FormatXid renders an xid for logs, escaping non-printable bytes.
func FormatXid(xid []byte) string {
	var sb strings.Builder
	for _, b := range xid {
		if b < unicode.MaxASCII && unicode.IsPrint(rune(b)) && b != '\\' {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(`\x`)
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0f])
	}
	return sb.String()
}

const hexDigits = "0123456789abcdef"

// ParseXid reverses FormatXid.
func ParseXid(s string) ([]byte, error) {
	xid := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			xid = append(xid, s[i])
			continue
		}
		if i+3 >= len(s) || s[i+1] != 'x' {
			return nil, fmt.Errorf("malformed xid escape at offset %d", i)
		}
		hi, lo := strings.IndexByte(hexDigits, lower(s[i+2])), strings.IndexByte(hexDigits, lower(s[i+3]))
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("malformed xid escape at offset %d", i)
		}
		xid = append(xid, byte(hi<<4|lo))
		i += 3
	}
	return xid, nil
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'F' {
		return b + 'a' - 'A'
	}
	return b
}
