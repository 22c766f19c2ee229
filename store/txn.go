// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sync"

	"github.com/google/uuid"
)

// TxnState is the state of a transaction.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnPrepared
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnPrepared:
		return "prepared"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// txnOp is a staged enqueue or dequeue.
type txnOp struct {
	queue   *queueState
	msg     uint64
	rid     uint64
	dequeue bool
	// enqRID is the enqueue removed by a dequeue.
	enqRID uint64
}

// Txn is a local or distributed transaction. A Txn is safe for concurrent
// use, but operations on one transaction are applied in call order.
type Txn struct {
	mu sync.Mutex

	xid         []byte
	distributed bool
	state       TxnState
	ops         []txnOp

	// decided is set once an outcome is durable in the TPL; only that
	// outcome may be completed afterwards.
	decided Outcome
	// tplRID is the rid of the TPL prepared record, zero if none.
	tplRID uint64
}

func newLocalTxn() *Txn {
	return &Txn{xid: []byte(uuid.NewString())}
}

func newDistributedTxn(xid []byte) *Txn {
	return &Txn{xid: append([]byte(nil), xid...), distributed: true}
}

// XID returns the transaction id. Local transactions get a generated id.
func (t *Txn) XID() []byte {
	return t.xid
}

// Distributed reports whether the transaction is coordinated externally.
func (t *Txn) Distributed() bool {
	return t.distributed
}

// State returns the current transaction state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// queues returns the participating queues in first-use order.
func (t *Txn) queues() []*queueState {
	var qs []*queueState
	seen := make(map[uint64]bool)
	for _, op := range t.ops {
		if !seen[op.queue.id] {
			seen[op.queue.id] = true
			qs = append(qs, op.queue)
		}
	}
	return qs
}

func (t *Txn) tplOps() []tplOp {
	ops := make([]tplOp, len(t.ops))
	for i, op := range t.ops {
		ops[i] = tplOp{
			Queue:   op.queue.id,
			Msg:     op.msg,
			RID:     op.rid,
			Dequeue: op.dequeue,
			EnqRID:  op.enqRID,
		}
	}
	return ops
}

func (t *Txn) key() string {
	return string(t.xid)
}
