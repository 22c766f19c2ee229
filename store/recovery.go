// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/msgstore/journal"
	"github.com/absmach/msgstore/metadata"
)

// Recover rebuilds the store state from disk and reports it to h. It must be
// called exactly once after Open and before any other operation. Pending
// transactional records are completed from their TPL outcome; two-phase
// transactions without a durable outcome are rebuilt as prepared and reported
// through PreparedRecovered and CollectPreparedXids.
func (s *Store) Recover(ctx context.Context, h RecoveryHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.recovered {
		return fmt.Errorf("%w: store already recovered", ErrInvalidState)
	}

	if h == nil {
		h = NopHandler{}
	}

	start := time.Now()
	r := &recovery{
		s:         s,
		h:         h,
		logger:    s.logger,
		queues:    make(map[uint64]*queueState),
		exchanges: make(map[uint64]bool),
		messages:  make(map[uint64]*heldMessage),
		prepared:  make(map[string]*Txn),
		seen:      make(map[string]map[uint64]bool),
	}
	if err := r.run(ctx); err != nil {
		s.logger.Error("Recovery failed", "error", err)
		return err
	}

	s.recovered = true
	s.metrics.RecordRecovery(time.Since(start), len(r.messages))
	s.logger.Info("Store recovered",
		"queues", len(r.order),
		"exchanges", len(r.exchanges),
		"messages", len(r.messages),
		"prepared", len(r.prepared),
		"duration", time.Since(start))
	return nil
}

// heldMessage is a message still referenced after replay.
type heldMessage struct {
	msg  Message
	refs int
}

// enqInfo describes an enqueue record seen during replay.
type enqInfo struct {
	rid    uint64
	msg    uint64
	header []byte
	size   uint64
	staged bool
}

type recovery struct {
	s      *Store
	h      RecoveryHandler
	logger *slog.Logger

	tpl       TplRecoverMap
	queues    map[uint64]*queueState
	order     []*queueState
	exchanges map[uint64]bool
	messages  map[uint64]*heldMessage
	prepared  map[string]*Txn
	// seen records, per in-doubt xid, the rids found pending in journals.
	seen map[string]map[uint64]bool

	// outcomes are completion records owed to queue journals.
	outcomes []outcome

	maxRID uint64
	maxMsg uint64
}

type outcome struct {
	queue *queueState
	xid   string
	typ   journal.RecordType
}

func (r *recovery) run(ctx context.Context) error {
	tpl, maxRID, err := r.s.tpl.Recover()
	if err != nil {
		return err
	}
	r.tpl = tpl
	r.maxRID = maxRID

	if err := r.recoverSequences(); err != nil {
		return err
	}
	if err := r.recoverQueues(); err != nil {
		return err
	}
	if err := r.recoverExchanges(); err != nil {
		return err
	}
	if err := r.recoverBindings(); err != nil {
		return err
	}
	if err := r.recoverGeneral(); err != nil {
		return err
	}

	visible := make(map[uint64][]enqInfo, len(r.order))
	for _, q := range r.order {
		v, err := r.recoverMessages(q)
		if err != nil {
			return err
		}
		visible[q.id] = v
	}
	if err := r.checkInDoubt(); err != nil {
		return err
	}
	if err := r.removeOrphanMessages(); err != nil {
		return err
	}

	r.s.rids.Reset(r.maxRID)
	r.s.messageIDs.Reset(r.maxMsg)
	r.s.msgMu.Lock()
	r.s.msgCeil = r.s.messageIDs.Current()
	r.s.msgMu.Unlock()

	for _, o := range r.outcomes {
		if err := r.s.appendOutcome(o.queue, []byte(o.xid), o.typ); err != nil {
			return err
		}
	}
	if err := r.resolveDecided(ctx); err != nil {
		return err
	}
	r.install()

	return r.emit(visible)
}

func (r *recovery) recoverSequences() error {
	return metaError(r.s.meta.View(func(tx metadata.Txn) error {
		for kind, seq := range map[string]*IDSequence{
			kindQueue:    &r.s.queueIDs,
			kindExchange: &r.s.exchangeIDs,
			kindBinding:  &r.s.bindingIDs,
			kindGeneral:  &r.s.generalIDs,
			kindMessage:  &r.s.messageIDs,
		} {
			if err := loadSeq(tx, kind, seq); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (r *recovery) recoverQueues() error {
	var rows []*queueRow
	err := r.s.meta.View(func(tx metadata.Txn) error {
		return metadata.Rows(tx, metadata.TableQueue, func(_ []byte, row *queueRow) error {
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return metaError(err)
	}

	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		cfg := r.s.cfg.Journal
		if row.FileSize > 0 {
			cfg.FileSize = row.FileSize
		}
		if row.NumFiles > 0 {
			cfg.NumFiles = row.NumFiles
		}

		j, err := r.s.journals.Open(row.ID, row.Name, cfg)
		if err != nil {
			return err
		}
		q := &queueState{id: row.ID, name: row.Name, j: j, visible: make(map[uint64]uint64)}
		r.queues[q.id] = q
		r.order = append(r.order, q)
		known[row.Name] = true
		r.s.queueIDs.Reset(row.ID)

		if err := r.h.QueueRecovered(row.Queue); err != nil {
			return fmt.Errorf("queue %s: %w", row.Name, err)
		}
	}

	_, err = r.s.journals.Sweep(known)
	return err
}

func (r *recovery) recoverExchanges() error {
	var rows []*Exchange
	err := r.s.meta.View(func(tx metadata.Txn) error {
		return metadata.Rows(tx, metadata.TableExchange, func(_ []byte, e *Exchange) error {
			rows = append(rows, e)
			return nil
		})
	})
	if err != nil {
		return metaError(err)
	}

	for _, e := range rows {
		r.exchanges[e.ID] = true
		r.s.exchangeIDs.Reset(e.ID)
		if err := r.h.ExchangeRecovered(*e); err != nil {
			return fmt.Errorf("exchange %s: %w", e.Name, err)
		}
	}
	return nil
}

func (r *recovery) recoverBindings() error {
	var rows []*Binding
	err := r.s.meta.View(func(tx metadata.Txn) error {
		return metadata.Rows(tx, metadata.TableBinding, func(_ []byte, b *Binding) error {
			rows = append(rows, b)
			return nil
		})
	})
	if err != nil {
		return metaError(err)
	}

	for _, b := range rows {
		r.s.bindingIDs.Reset(b.ID)
		if !r.exchanges[b.ExchangeID] || r.queues[b.QueueID] == nil {
			r.logger.Warn("Skipping binding with missing endpoint",
				"binding", b.ID, "exchange", b.ExchangeID, "queue", b.QueueID)
			continue
		}
		if err := r.h.BindingRecovered(*b); err != nil {
			return fmt.Errorf("binding %d: %w", b.ID, err)
		}
	}
	return nil
}

func (r *recovery) recoverGeneral() error {
	var rows []*ConfigEntry
	err := r.s.meta.View(func(tx metadata.Txn) error {
		return metadata.Rows(tx, metadata.TableGeneral, func(_ []byte, c *ConfigEntry) error {
			rows = append(rows, c)
			return nil
		})
	})
	if err != nil {
		return metaError(err)
	}

	for _, c := range rows {
		r.s.generalIDs.Reset(c.ID)
		if err := r.h.GeneralRecovered(*c); err != nil {
			return fmt.Errorf("config %d: %w", c.ID, err)
		}
	}
	return nil
}

// recoverMessages replays a queue journal and returns its visible enqueues
// in journal order.
func (r *recovery) recoverMessages(q *queueState) ([]enqInfo, error) {
	var (
		enqs     = make(map[uint64]*enqInfo)
		visible  = make(map[uint64]*enqInfo)
		pending  = make(map[string][]*journal.Record)
		xidOrder []string
	)

	apply := func(rec *journal.Record) {
		if rec.Type == journal.RecordEnqueue {
			if e, ok := enqs[rec.RID]; ok {
				visible[rec.RID] = e
			}
			return
		}
		delete(visible, rec.DequeueRID)
	}

	err := q.j.Replay(func(rec *journal.Record) error {
		r.maxRID = max(r.maxRID, rec.RID)
		xid := string(rec.XID)

		switch rec.Type {
		case journal.RecordEnqueue:
			var data enqueueHeader
			if err := decode(rec.Data, &data); err != nil {
				return fmt.Errorf("%w: enqueue record %d: %w", ErrInconsistentRecovery, rec.RID, err)
			}
			r.maxMsg = max(r.maxMsg, data.Msg)
			enqs[rec.RID] = &enqInfo{
				rid:    rec.RID,
				msg:    data.Msg,
				header: data.Header,
				size:   data.Size,
				staged: rec.External,
			}
		case journal.RecordDequeue:
		case journal.RecordTxnCommit:
			for _, p := range pending[xid] {
				apply(p)
			}
			delete(pending, xid)
			return nil
		case journal.RecordTxnAbort:
			delete(pending, xid)
			return nil
		default:
			return nil
		}

		if !rec.Transactional() {
			apply(rec)
			return nil
		}
		if _, ok := pending[xid]; !ok {
			xidOrder = append(xidOrder, xid)
		}
		pending[xid] = append(pending[xid], rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: replay queue %s: %w", ErrIOFailure, q.name, err)
	}

	// Enqueue rids still needed after reconciliation.
	keep := make(map[uint64]bool)

	for _, xid := range xidOrder {
		recs, ok := pending[xid]
		if !ok {
			continue
		}
		e := r.tpl[xid]

		if e != nil {
			for _, rec := range recs {
				if !e.hasOp(q.id, rec.RID) {
					return nil, fmt.Errorf("%w: queue %s record %d of %s is missing from its TPL entry",
						ErrInconsistentRecovery, q.name, rec.RID, FormatXid([]byte(xid)))
				}
			}
		}

		switch {
		case e != nil && e.outcome == OutcomeCommitted:
			for _, rec := range recs {
				apply(rec)
			}
			r.outcomes = append(r.outcomes, outcome{q, xid, journal.RecordTxnCommit})
			r.logger.Info("Completed committed transaction", "queue", q.name, "xid", FormatXid([]byte(xid)))
		case e != nil && e.inDoubt():
			if err := r.lockInDoubt(q, e, recs, enqs, visible, keep); err != nil {
				return nil, err
			}
		default:
			// Aborted, unknown to the TPL, or a local transaction that never
			// reached a decision.
			r.outcomes = append(r.outcomes, outcome{q, xid, journal.RecordTxnAbort})
			r.logger.Info("Rolled back transaction", "queue", q.name, "xid", FormatXid([]byte(xid)))
		}
	}

	ordered := make([]enqInfo, 0, len(visible))
	for _, e := range visible {
		ordered = append(ordered, *e)
		keep[e.rid] = true
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].rid < ordered[b].rid })

	for rid := range enqs {
		if !keep[rid] {
			q.j.Release(rid)
		}
	}
	for _, e := range ordered {
		q.visible[e.msg] = e.rid
		r.hold(e)
	}
	return ordered, nil
}

// lockInDoubt rebuilds the operations of an undetermined two-phase
// transaction on q. Its enqueues stay hidden and its dequeues stay locked.
func (r *recovery) lockInDoubt(q *queueState, e *tplEntry, recs []*journal.Record, enqs, visible map[uint64]*enqInfo, keep map[uint64]bool) error {
	xid := string(e.xid)
	txn, ok := r.prepared[xid]
	if !ok {
		txn = &Txn{xid: e.xid, distributed: true, state: TxnPrepared, tplRID: e.rid}
		r.prepared[xid] = txn
	}
	seen := r.seen[xid]
	if seen == nil {
		seen = make(map[uint64]bool)
		r.seen[xid] = seen
	}

	for _, rec := range recs {
		seen[rec.RID] = true
		op := txnOp{queue: q, rid: rec.RID}

		if rec.Type == journal.RecordEnqueue {
			info := enqs[rec.RID]
			op.msg = info.msg
			keep[rec.RID] = true
			r.hold(*info)
		} else {
			target, ok := visible[rec.DequeueRID]
			if !ok {
				return fmt.Errorf("%w: %s dequeues record %d not on queue %s",
					ErrInconsistentRecovery, FormatXid(e.xid), rec.DequeueRID, q.name)
			}
			op.msg = target.msg
			op.dequeue = true
			op.enqRID = rec.DequeueRID
		}

		if err := r.s.locks.acquire(q.id, op.msg, txn); err != nil {
			return fmt.Errorf("%w: message %d on queue %s is held by two prepared transactions",
				ErrInconsistentRecovery, op.msg, q.name)
		}
		q.pending++
		txn.ops = append(txn.ops, op)
	}
	return nil
}

func (r *recovery) hold(e enqInfo) {
	h, ok := r.messages[e.msg]
	if !ok {
		h = &heldMessage{msg: Message{ID: e.msg, Header: e.header, ContentSize: e.size, Staged: e.staged}}
		r.messages[e.msg] = h
	}
	h.refs++
	h.msg.Staged = h.msg.Staged || e.staged
}

// checkInDoubt verifies that every operation of an undetermined two-phase
// transaction was found pending in its queue journal.
func (r *recovery) checkInDoubt() error {
	for _, xid := range r.tpl.Xids() {
		e := r.tpl[xid]
		if !e.inDoubt() {
			continue
		}
		if _, ok := r.prepared[xid]; !ok {
			r.prepared[xid] = &Txn{xid: e.xid, distributed: true, state: TxnPrepared, tplRID: e.rid}
		}
		for _, op := range e.ops {
			if r.queues[op.Queue] == nil {
				r.logger.Warn("Prepared transaction references a missing queue",
					"xid", FormatXid(e.xid), "queue", op.Queue)
				continue
			}
			if !r.seen[xid][op.RID] {
				return fmt.Errorf("%w: record %d of prepared %s is not pending on queue %d",
					ErrInconsistentRecovery, op.RID, FormatXid(e.xid), op.Queue)
			}
		}
	}
	return nil
}

// removeOrphanMessages deletes staged content of messages no queue holds.
func (r *recovery) removeOrphanMessages() error {
	return metaError(r.s.meta.Update(func(tx metadata.Txn) error {
		var orphans [][]byte
		err := tx.Iterate(metadata.TableMessage, func(key, _ []byte) error {
			id, err := metadata.ParseIDKey(key)
			if err != nil {
				return err
			}
			r.maxMsg = max(r.maxMsg, id)
			if r.messages[id] == nil {
				orphans = append(orphans, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range orphans {
			if err := tx.Delete(metadata.TableMessage, k); err != nil {
				return err
			}
		}
		if len(orphans) > 0 {
			r.logger.Info("Removed orphan staged messages", "count", len(orphans))
		}
		return nil
	}))
}

// resolveDecided makes the completion records durable and marks every
// decided TPL entry resolved.
func (r *recovery) resolveDecided(ctx context.Context) error {
	if err := r.s.flushQueues(ctx, r.order); err != nil {
		return err
	}
	for _, xid := range r.tpl.Xids() {
		e := r.tpl[xid]
		if e.inDoubt() {
			continue
		}
		if err := r.s.tpl.Resolve(e.xid, e.rid); err != nil {
			return err
		}
	}
	return r.s.tpl.Flush(ctx)
}

// install publishes the recovered state to the store.
func (r *recovery) install() {
	for _, q := range r.order {
		r.s.queues.Store(q.id, q)
	}
	for _, h := range r.messages {
		for i := 0; i < h.refs; i++ {
			r.s.msgs.ref(h.msg.ID, h.msg.Staged)
		}
	}
	for xid, txn := range r.prepared {
		r.s.active.Store(xid, txn)
	}
}

func (r *recovery) emit(visible map[uint64][]enqInfo) error {
	ids := make([]uint64, 0, len(r.messages))
	for id := range r.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		if err := r.h.MessageRecovered(r.messages[id].msg); err != nil {
			return fmt.Errorf("message %d: %w", id, err)
		}
	}

	for _, q := range r.order {
		for _, e := range visible[q.id] {
			if err := r.h.EnqueueRecovered(q.id, e.msg); err != nil {
				return fmt.Errorf("enqueue %d on queue %s: %w", e.msg, q.name, err)
			}
		}
	}

	xids := make([]string, 0, len(r.prepared))
	for xid := range r.prepared {
		xids = append(xids, xid)
	}
	sort.Strings(xids)
	for _, xid := range xids {
		txn := r.prepared[xid]
		p := PreparedTxn{XID: txn.xid}
		for _, op := range txn.ops {
			qm := QueueMessage{QueueID: op.queue.id, MessageID: op.msg}
			if op.dequeue {
				p.Dequeues = append(p.Dequeues, qm)
			} else {
				p.Enqueues = append(p.Enqueues, qm)
			}
		}
		if err := r.h.PreparedRecovered(p); err != nil {
			return fmt.Errorf("prepared %s: %w", FormatXid(txn.xid), err)
		}
		r.logger.Warn("Prepared transaction awaits resolution", "xid", FormatXid(txn.xid))
	}
	return nil
}
