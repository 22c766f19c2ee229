// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/absmach/msgstore/journal"
)

const tplDir = "tpl"

// Outcome is the decided fate of a transaction.
type Outcome uint8

const (
	// OutcomeUndetermined means no outcome is durable yet. For a two-phase
	// transaction only the external transaction manager may decide it.
	OutcomeUndetermined Outcome = iota
	OutcomeCommitted
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUndetermined:
		return "undetermined"
	case OutcomeCommitted:
		return "committed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// tplEntry is the reconciled TPL state of one transaction.
type tplEntry struct {
	xid     []byte
	rid     uint64
	ops     []tplOp
	tpc     bool
	outcome Outcome
}

// hasOp reports whether the entry lists the record rid on queue.
func (e *tplEntry) hasOp(queue, rid uint64) bool {
	for _, op := range e.ops {
		if op.Queue == queue && op.RID == rid {
			return true
		}
	}
	return false
}

// inDoubt reports whether the entry needs external resolution.
func (e *tplEntry) inDoubt() bool {
	return e.tpc && e.outcome == OutcomeUndetermined
}

// TplRecoverMap holds the unresolved TPL entries found at recovery, keyed by
// xid.
type TplRecoverMap map[string]*tplEntry

// Xids returns the xids of the map in sorted order.
func (m TplRecoverMap) Xids() []string {
	xids := make([]string, 0, len(m))
	for xid := range m {
		xids = append(xids, xid)
	}
	sort.Strings(xids)
	return xids
}

// TplStore owns the transaction prepared list journal. The journal is opened
// on first use.
type TplStore struct {
	mu      sync.Mutex
	dir     string
	cfg     journal.Config
	timeout time.Duration
	rids    *IDSequence
	logger  *slog.Logger
	metrics *Metrics

	j *journal.Journal
}

// NewTplStore creates a TPL store rooted at <dir>/tpl.
func NewTplStore(dir string, cfg journal.Config, flushTimeout time.Duration, rids *IDSequence, logger *slog.Logger, metrics *Metrics) *TplStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TplStore{
		dir:     filepath.Join(dir, tplDir),
		cfg:     cfg,
		timeout: flushTimeout,
		rids:    rids,
		logger:  logger,
		metrics: metrics,
	}
}

// init opens the TPL journal. Must hold t.mu.
func (t *TplStore) init() (*journal.Journal, error) {
	if t.j != nil {
		return t.j, nil
	}
	j, err := journal.Open(t.dir, "tpl", t.cfg, t.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: open TPL: %w", ErrIOFailure, err)
	}
	t.j = j
	return j, nil
}

func (t *TplStore) append(rec *journal.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.init()
	if err != nil {
		return err
	}
	if err := j.Append(rec); err != nil {
		return journalError(err)
	}
	t.metrics.RecordAppend("tpl", rec.Type.String())
	return nil
}

// Prepare writes a prepared record listing the operations of xid and
// returns its rid.
func (t *TplStore) Prepare(xid []byte, ops []tplOp, tpc bool, outcome Outcome) (uint64, error) {
	data, err := encode(&tplPrepared{Ops: ops, TPC: tpc, Outcome: outcome})
	if err != nil {
		return 0, err
	}
	rid := t.rids.Next()
	rec := &journal.Record{Type: journal.RecordEnqueue, RID: rid, XID: xid, Data: data}
	if err := t.append(rec); err != nil {
		return 0, err
	}
	return rid, nil
}

// Decide writes the outcome of xid.
func (t *TplStore) Decide(xid []byte, outcome Outcome) error {
	typ := journal.RecordTxnCommit
	switch outcome {
	case OutcomeCommitted:
	case OutcomeAborted:
		typ = journal.RecordTxnAbort
	default:
		return fmt.Errorf("%w: cannot decide %s", ErrInvalidState, outcome)
	}
	return t.append(&journal.Record{Type: typ, RID: t.rids.Next(), XID: xid})
}

// Resolve marks the prepared record rid of xid as fully applied, allowing its
// journal file to be reclaimed.
func (t *TplStore) Resolve(xid []byte, rid uint64) error {
	rec := &journal.Record{Type: journal.RecordDequeue, RID: t.rids.Next(), DequeueRID: rid, XID: xid}
	if err := t.append(rec); err != nil {
		return err
	}

	t.mu.Lock()
	t.j.Release(rid)
	t.mu.Unlock()
	return nil
}

// Flush waits until every TPL record is durable.
func (t *TplStore) Flush(ctx context.Context) error {
	t.mu.Lock()
	j := t.j
	t.mu.Unlock()

	if j == nil {
		return nil
	}
	return flushJournal(ctx, j, t.timeout)
}

// Recover replays the TPL journal, when present, into a TplRecoverMap and
// returns the highest rid seen.
func (t *TplStore) Recover() (TplRecoverMap, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make(TplRecoverMap)
	if t.j == nil && !journal.Exists(t.dir) {
		return entries, 0, nil
	}

	j, err := t.init()
	if err != nil {
		return nil, 0, err
	}

	var (
		maxRID   uint64
		resolved []uint64
	)
	err = j.Replay(func(rec *journal.Record) error {
		maxRID = max(maxRID, rec.RID)
		xid := string(rec.XID)

		switch rec.Type {
		case journal.RecordEnqueue:
			var p tplPrepared
			if err := decode(rec.Data, &p); err != nil {
				return fmt.Errorf("%w: TPL record %d: %w", ErrInconsistentRecovery, rec.RID, err)
			}
			entries[xid] = &tplEntry{
				xid:     rec.XID,
				rid:     rec.RID,
				ops:     p.Ops,
				tpc:     p.TPC,
				outcome: p.Outcome,
			}
		case journal.RecordTxnCommit, journal.RecordTxnAbort:
			e, ok := entries[xid]
			if !ok {
				return nil
			}
			if rec.Type == journal.RecordTxnCommit {
				e.outcome = OutcomeCommitted
			} else {
				e.outcome = OutcomeAborted
			}
		case journal.RecordDequeue:
			if e, ok := entries[xid]; ok && e.rid == rec.DequeueRID {
				delete(entries, xid)
			}
			resolved = append(resolved, rec.DequeueRID)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: replay TPL: %w", ErrIOFailure, err)
	}

	for _, rid := range resolved {
		j.Release(rid)
	}
	return entries, maxRID, nil
}

// Info returns TPL journal statistics; ok is false if the TPL was never
// opened.
func (t *TplStore) Info() (journal.Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.j == nil {
		return journal.Info{}, false
	}
	return t.j.Info(), true
}

// Close closes the TPL journal.
func (t *TplStore) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.j == nil {
		return nil
	}
	err := t.j.Close()
	t.j = nil
	return err
}
