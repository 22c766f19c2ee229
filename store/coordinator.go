// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/absmach/msgstore/journal"
)

// Begin starts a local transaction.
func (s *Store) Begin() (*Txn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	t := newLocalTxn()
	s.active.Store(t.key(), t)
	s.metrics.RecordBegin(false)
	return t, nil
}

// BeginXA starts a distributed transaction bound to xid.
func (s *Store) BeginXA(xid []byte) (*Txn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(xid) == 0 {
		return nil, fmt.Errorf("%w: empty xid", ErrInvalidState)
	}
	t := newDistributedTxn(xid)
	if _, loaded := s.active.LoadOrStore(t.key(), t); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateXid, FormatXid(xid))
	}
	s.metrics.RecordBegin(true)
	return t, nil
}

// Txn returns the unresolved transaction bound to xid, including prepared
// transactions rebuilt by recovery.
func (s *Store) Txn(xid []byte) (*Txn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	t, ok := s.active.Load(string(xid))
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, FormatXid(xid))
	}
	return t, nil
}

// CollectPreparedXids returns the xids of every prepared, unresolved
// distributed transaction in sorted order.
func (s *Store) CollectPreparedXids() [][]byte {
	var xids [][]byte
	s.active.Range(func(_ string, t *Txn) bool {
		if t.distributed && t.State() == TxnPrepared {
			xids = append(xids, t.xid)
		}
		return true
	})
	sort.Slice(xids, func(a, b int) bool { return bytes.Compare(xids[a], xids[b]) < 0 })
	return xids
}

func checkActive(txn *Txn) error {
	if txn.state != TxnActive || txn.decided != OutcomeUndetermined {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, FormatXid(txn.xid), txn.state)
	}
	return nil
}

// Enqueue appends msg to a queue. With a nil txn the enqueue is committed
// immediately; otherwise it becomes visible when txn commits. A message
// without an id is assigned one.
func (s *Store) Enqueue(txn *Txn, queueID uint64, msg *Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrNotFound)
	}
	q, err := s.queue(queueID)
	if err != nil {
		return err
	}

	if txn != nil {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if err := checkActive(txn); err != nil {
			return err
		}
	}

	if err := s.assignMessageID(msg); err != nil {
		return err
	}
	data := enqueueData{Msg: msg.ID, Header: msg.Header, Size: msg.ContentSize}
	if !msg.Staged {
		data.Content = msg.Content
		data.Size = uint64(len(msg.Content))
	}
	payload, err := encode(&data)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return fmt.Errorf("%w: queue %d", ErrNotFound, queueID)
	}
	if _, ok := q.visible[msg.ID]; ok {
		return fmt.Errorf("%w: message %d on queue %s", ErrAlreadyExists, msg.ID, q.name)
	}
	if err := s.locks.acquire(q.id, msg.ID, txn); err != nil {
		if txn != nil && s.locks.heldBy(q.id, msg.ID, txn) {
			err = ErrAlreadyExists
		}
		return fmt.Errorf("%w: message %d on queue %s", err, msg.ID, q.name)
	}

	rec := &journal.Record{Type: journal.RecordEnqueue, RID: s.rids.Next(), External: msg.Staged, Data: payload}
	if txn != nil {
		rec.XID = txn.xid
	}
	if err := q.j.Append(rec); err != nil {
		s.locks.release(q.id, msg.ID)
		return journalError(err)
	}
	s.metrics.RecordAppend("queue", "enqueue")
	s.msgs.ref(msg.ID, msg.Staged)

	if txn == nil {
		q.visible[msg.ID] = rec.RID
		s.locks.release(q.id, msg.ID)
		return nil
	}
	q.pending++
	txn.ops = append(txn.ops, txnOp{queue: q, msg: msg.ID, rid: rec.RID})
	return nil
}

// Dequeue removes a message from a queue. With a nil txn the dequeue is
// committed immediately; otherwise the message stays visible but locked until
// txn completes.
func (s *Store) Dequeue(txn *Txn, queueID, msgID uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	q, err := s.queue(queueID)
	if err != nil {
		return err
	}

	if txn != nil {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if err := checkActive(txn); err != nil {
			return err
		}
	}

	payload, err := encode(&dequeueData{Msg: msgID})
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %d", ErrNotFound, queueID)
	}
	enqRID, ok := q.visible[msgID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: message %d on queue %s", ErrNotFound, msgID, q.name)
	}
	if err := s.locks.acquire(q.id, msgID, txn); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: message %d on queue %s", err, msgID, q.name)
	}

	rec := &journal.Record{Type: journal.RecordDequeue, RID: s.rids.Next(), DequeueRID: enqRID, Data: payload}
	if txn != nil {
		rec.XID = txn.xid
	}
	if err := q.j.Append(rec); err != nil {
		s.locks.release(q.id, msgID)
		q.mu.Unlock()
		return journalError(err)
	}
	s.metrics.RecordAppend("queue", "dequeue")

	if txn != nil {
		q.pending++
		txn.ops = append(txn.ops, txnOp{queue: q, msg: msgID, rid: rec.RID, dequeue: true, enqRID: enqRID})
		q.mu.Unlock()
		return nil
	}

	delete(q.visible, msgID)
	q.j.Release(enqRID)
	s.locks.release(q.id, msgID)
	q.mu.Unlock()

	s.unref(msgID)
	return nil
}

// Prepare durably records the operations of a distributed transaction in the
// TPL. Once Prepare returns the transaction survives a crash and must be
// completed with Commit or Abort.
func (s *Store) Prepare(ctx context.Context, txn *Txn) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !txn.distributed {
		return fmt.Errorf("%w: local transactions cannot be prepared", ErrInvalidState)
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := checkActive(txn); err != nil {
		return err
	}

	// Every record the TPL entry names must be durable before the entry is.
	if err := s.flushQueues(ctx, txn.queues()); err != nil {
		return err
	}
	if txn.tplRID == 0 {
		rid, err := s.tpl.Prepare(txn.xid, txn.tplOps(), true, OutcomeUndetermined)
		if err != nil {
			return err
		}
		txn.tplRID = rid
	}
	if err := s.crash("prepare.tpl"); err != nil {
		return err
	}
	if err := s.tpl.Flush(ctx); err != nil {
		return err
	}

	txn.state = TxnPrepared
	s.metrics.RecordPrepare()
	s.logger.Debug("Transaction prepared", "xid", FormatXid(txn.xid), "ops", len(txn.ops))
	return nil
}

// Commit commits a transaction. A distributed transaction must be prepared
// first. On error the transaction keeps its last durable state and Commit
// may be retried.
func (s *Store) Commit(ctx context.Context, txn *Txn) error {
	if err := s.ready(); err != nil {
		return err
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	want := TxnActive
	if txn.distributed {
		want = TxnPrepared
	}
	if txn.state != want || txn.decided == OutcomeAborted {
		return fmt.Errorf("%w: cannot commit %s transaction %s", ErrInvalidState, txn.state, FormatXid(txn.xid))
	}

	queues := txn.queues()
	switch {
	case txn.distributed:
		if txn.decided == OutcomeUndetermined {
			if err := s.tpl.Decide(txn.xid, OutcomeCommitted); err != nil {
				return err
			}
			txn.decided = OutcomeCommitted
		}
		if err := s.crash("commit.decided"); err != nil {
			return err
		}
		if err := s.tpl.Flush(ctx); err != nil {
			return err
		}
	case len(queues) > 1:
		// A local transaction spanning queues records its outcome first so
		// recovery can finish a partially applied commit. The records the
		// outcome names are made durable before it.
		if err := s.flushQueues(ctx, queues); err != nil {
			return err
		}
		if txn.tplRID == 0 {
			rid, err := s.tpl.Prepare(txn.xid, txn.tplOps(), false, OutcomeCommitted)
			if err != nil {
				return err
			}
			txn.tplRID = rid
			txn.decided = OutcomeCommitted
		}
		if err := s.crash("commit.decided"); err != nil {
			return err
		}
		if err := s.tpl.Flush(ctx); err != nil {
			return err
		}
	}

	for _, q := range queues {
		if err := s.appendOutcome(q, txn.xid, journal.RecordTxnCommit); err != nil {
			return err
		}
		if err := s.crash("commit.queue"); err != nil {
			return err
		}
	}
	if err := s.flushQueues(ctx, queues); err != nil {
		return err
	}

	s.applyCommit(txn)
	s.finish(txn, TxnCommitted)
	s.metrics.RecordCommit(txn.distributed)
	return nil
}

// Abort rolls back a transaction. Distributed transactions may be aborted
// while active or prepared.
func (s *Store) Abort(ctx context.Context, txn *Txn) error {
	if err := s.ready(); err != nil {
		return err
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	if (txn.state != TxnActive && txn.state != TxnPrepared) || txn.decided == OutcomeCommitted {
		return fmt.Errorf("%w: cannot abort %s transaction %s", ErrInvalidState, txn.state, FormatXid(txn.xid))
	}

	if txn.tplRID != 0 {
		if txn.decided == OutcomeUndetermined {
			if err := s.tpl.Decide(txn.xid, OutcomeAborted); err != nil {
				return err
			}
			txn.decided = OutcomeAborted
		}
		if err := s.crash("abort.decided"); err != nil {
			return err
		}
		if err := s.tpl.Flush(ctx); err != nil {
			return err
		}
	}

	queues := txn.queues()
	for _, q := range queues {
		if err := s.appendOutcome(q, txn.xid, journal.RecordTxnAbort); err != nil {
			return err
		}
		if err := s.crash("abort.queue"); err != nil {
			return err
		}
	}
	if txn.tplRID != 0 {
		if err := s.flushQueues(ctx, queues); err != nil {
			return err
		}
	}

	s.applyAbort(txn)
	s.finish(txn, TxnAborted)
	s.metrics.RecordAbort(txn.distributed)
	return nil
}

// Flush waits until every record submitted to a queue journal is durable.
func (s *Store) Flush(ctx context.Context, queueID uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.journals.Flush(ctx, queueID)
}

func (s *Store) appendOutcome(q *queueState, xid []byte, typ journal.RecordType) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.j.Append(&journal.Record{Type: typ, RID: s.rids.Next(), XID: xid}); err != nil {
		return journalError(err)
	}
	s.metrics.RecordAppend("queue", typ.String())
	return nil
}

func (s *Store) flushQueues(ctx context.Context, queues []*queueState) error {
	for _, q := range queues {
		if err := flushJournal(ctx, q.j, s.cfg.FlushTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyCommit(txn *Txn) {
	for _, op := range txn.ops {
		q := op.queue
		q.mu.Lock()
		if op.dequeue {
			if rid, ok := q.visible[op.msg]; ok && rid == op.enqRID {
				delete(q.visible, op.msg)
			}
			q.j.Release(op.enqRID)
		} else {
			q.visible[op.msg] = op.rid
		}
		q.pending--
		q.mu.Unlock()

		s.locks.release(q.id, op.msg)
		if op.dequeue {
			s.unref(op.msg)
		}
	}
}

func (s *Store) applyAbort(txn *Txn) {
	for _, op := range txn.ops {
		q := op.queue
		q.mu.Lock()
		if !op.dequeue {
			q.j.Release(op.rid)
		}
		q.pending--
		q.mu.Unlock()

		s.locks.release(q.id, op.msg)
		if !op.dequeue {
			s.unref(op.msg)
		}
	}
}

// finish resolves the TPL entry of a completed transaction and forgets it.
func (s *Store) finish(txn *Txn, state TxnState) {
	if txn.tplRID != 0 {
		if err := s.tpl.Resolve(txn.xid, txn.tplRID); err != nil {
			// Recovery resolves the entry again from its decided outcome.
			s.logger.Warn("Failed to resolve TPL entry", "xid", FormatXid(txn.xid), "error", err)
		}
	}
	txn.state = state
	s.active.Delete(txn.key())
	s.logger.Debug("Transaction completed", "xid", FormatXid(txn.xid), "state", state.String())
}
