// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/absmach/msgstore/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecovery_PreparedStaysInDoubt(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q1, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m1 := msg("m1")

	txn, err := s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(txn, q1.ID, m1))
	require.NoError(t, s.Prepare(ctx, txn))

	s, inv := restart(t, s)

	assert.Equal(t, [][]byte{[]byte("tx1")}, s.CollectPreparedXids())
	assert.Empty(t, inv.Enqueued[q1.ID])
	assert.Empty(t, enqueued(t, s, q1.ID))
	require.Len(t, inv.Prepared, 1)
	assert.Equal(t, PreparedTxn{
		XID:      []byte("tx1"),
		Enqueues: []QueueMessage{{QueueID: q1.ID, MessageID: m1.ID}},
	}, inv.Prepared[0])
	assert.Contains(t, inv.Messages, m1.ID)
	assert.Equal(t, 1, s.RefCount(m1.ID))

	// Recovering again without resolving changes nothing.
	s, inv = restart(t, s)
	assert.Equal(t, [][]byte{[]byte("tx1")}, s.CollectPreparedXids())
	assert.Empty(t, inv.Enqueued[q1.ID])

	txn, err = s.Txn([]byte("tx1"))
	require.NoError(t, err)
	assert.Equal(t, TxnPrepared, txn.State())
	require.NoError(t, s.Commit(ctx, txn))
	assert.Equal(t, []uint64{m1.ID}, enqueued(t, s, q1.ID))

	s, inv = restart(t, s)
	defer s.Close()
	assert.Empty(t, s.CollectPreparedXids())
	assert.Equal(t, []uint64{m1.ID}, inv.Enqueued[q1.ID])
}

func TestRecovery_PreparedDequeueLocked(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m := msg("m")
	require.NoError(t, s.Enqueue(nil, q.ID, m))

	txn, err := s.BeginXA([]byte("tx-deq"))
	require.NoError(t, err)
	require.NoError(t, s.Dequeue(txn, q.ID, m.ID))
	require.NoError(t, s.Prepare(ctx, txn))

	s, inv := restart(t, s)
	defer s.Close()

	// The message stays visible but cannot be taken.
	assert.Equal(t, []uint64{m.ID}, inv.Enqueued[q.ID])
	require.Len(t, inv.Prepared, 1)
	assert.Equal(t, []QueueMessage{{QueueID: q.ID, MessageID: m.ID}}, inv.Prepared[0].Dequeues)
	assert.ErrorIs(t, s.Dequeue(nil, q.ID, m.ID), ErrLocked)
	assert.ErrorIs(t, s.DestroyQueue(q.ID), ErrLocked)

	txn, err = s.Txn([]byte("tx-deq"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, txn))
	require.NoError(t, s.Dequeue(nil, q.ID, m.ID))
}

func TestRecovery_CrashPoints(t *testing.T) {
	cases := []struct {
		name string
		// point is the write point the commit stops at.
		point string
		// distributed prepares the transaction before committing.
		distributed bool
		// queues is the number of queues the transaction enqueues on.
		queues int
		// committed is whether recovery must show the enqueues.
		committed bool
	}{
		{name: "distributed before decision", point: "prepare.tpl", distributed: true, queues: 1, committed: false},
		{name: "distributed after prepare", point: "commit.decided", distributed: true, queues: 1, committed: true},
		{name: "distributed after first queue", point: "commit.queue", distributed: true, queues: 2, committed: true},
		{name: "local before outcome", point: "commit.decided", queues: 2, committed: true},
		{name: "local after first queue", point: "commit.queue", queues: 2, committed: true},
		{name: "local single queue after outcome", point: "commit.queue", queues: 1, committed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := openStore(t, testConfig(t))

			var queues []Queue
			for i := 0; i < tc.queues; i++ {
				q, err := s.CreateQueue(string(rune('a'+i)), nil)
				require.NoError(t, err)
				queues = append(queues, q)
			}

			var (
				txn *Txn
				err error
			)
			if tc.distributed {
				txn, err = s.BeginXA([]byte("tx1"))
			} else {
				txn, err = s.Begin()
			}
			require.NoError(t, err)

			m := msg("m")
			for _, q := range queues {
				require.NoError(t, s.Enqueue(txn, q.ID, m))
			}

			crashAt(s, tc.point)
			if tc.distributed {
				err = s.Prepare(ctx, txn)
				if err == nil {
					err = s.Commit(ctx, txn)
				}
			} else {
				err = s.Commit(ctx, txn)
			}
			require.ErrorIs(t, err, errCrash)

			s, inv := restart(t, s)

			for _, q := range queues {
				if tc.committed {
					assert.Equal(t, []uint64{m.ID}, inv.Enqueued[q.ID], q.Name)
				} else {
					assert.Empty(t, inv.Enqueued[q.ID], q.Name)
				}
			}
			if tc.committed {
				assert.Equal(t, len(queues), s.RefCount(m.ID))
				assert.Empty(t, s.CollectPreparedXids())
			}

			// A second recovery is a no-op.
			s, inv2 := restart(t, s)
			defer s.Close()
			assert.Equal(t, inv.Enqueued, inv2.Enqueued)
			assert.Equal(t, inv.Prepared, inv2.Prepared)
			if tc.committed {
				assert.Equal(t, len(queues), s.RefCount(m.ID))
			}
		})
	}
}

// TestRecovery_PowerLoss recovers from a copy of the store taken at a write
// point, so records still in a journal write-cache page are lost.
func TestRecovery_PowerLoss(t *testing.T) {
	const (
		none      = "none"
		prepared  = "prepared"
		committed = "committed"
	)
	cases := []struct {
		name        string
		point       string
		distributed bool
		flushTPL    bool // TPL made durable before the copy
		flushFirst  bool // first queue journal made durable too
		want        string
	}{
		{name: "prepared record durable", point: "prepare.tpl", distributed: true, flushTPL: true, want: prepared},
		{name: "prepared record lost", point: "prepare.tpl", distributed: true, want: none},
		{name: "distributed decision lost", point: "commit.decided", distributed: true, want: prepared},
		{name: "local outcome durable", point: "commit.decided", flushTPL: true, want: committed},
		{name: "local outcome lost", point: "commit.decided", want: none},
		{name: "local first queue committed", point: "commit.queue", flushTPL: true, flushFirst: true, want: committed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := openStore(t, syncOnFlush(t))

			q1, err := s.CreateQueue("q1", nil)
			require.NoError(t, err)
			q2, err := s.CreateQueue("q2", nil)
			require.NoError(t, err)

			var txn *Txn
			if tc.distributed {
				txn, err = s.BeginXA([]byte("tx1"))
			} else {
				txn, err = s.Begin()
			}
			require.NoError(t, err)
			m := msg("m")
			require.NoError(t, s.Enqueue(txn, q1.ID, m))
			require.NoError(t, s.Enqueue(txn, q2.ID, m))

			var image Config
			s.fault = func(p string) error {
				if p != tc.point {
					return nil
				}
				if tc.flushTPL {
					require.NoError(t, s.tpl.Flush(ctx))
				}
				if tc.flushFirst {
					require.NoError(t, s.Flush(ctx, q1.ID))
				}
				image = crashImage(t, s)
				return errCrash
			}

			if tc.distributed {
				if err = s.Prepare(ctx, txn); err == nil {
					err = s.Commit(ctx, txn)
				}
			} else {
				err = s.Commit(ctx, txn)
			}
			require.ErrorIs(t, err, errCrash)
			require.NotEmpty(t, image.Dir)

			s, inv := recoverImage(t, s, image)
			defer s.Close()

			want := []uint64{m.ID}
			switch tc.want {
			case none:
				want = nil
				assert.Empty(t, inv.Prepared)
				assert.Empty(t, s.CollectPreparedXids())
			case prepared:
				require.Len(t, inv.Prepared, 1)
				assert.Len(t, inv.Prepared[0].Enqueues, 2)
				assert.Empty(t, inv.Enqueued[q1.ID])
				assert.Empty(t, inv.Enqueued[q2.ID])

				txn, err = s.Txn([]byte("tx1"))
				require.NoError(t, err)
				require.NoError(t, s.Commit(ctx, txn))
			case committed:
				assert.Empty(t, inv.Prepared)
				assert.Equal(t, want, inv.Enqueued[q1.ID])
				assert.Equal(t, want, inv.Enqueued[q2.ID])
			}

			for _, q := range []Queue{q1, q2} {
				if want == nil {
					assert.Empty(t, enqueued(t, s, q.ID), q.Name)
					continue
				}
				assert.Equal(t, want, enqueued(t, s, q.ID), q.Name)
			}
		})
	}
}

func TestRecovery_CommitDecidedBeforeQueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q1, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m1 := msg("m1")

	txn, err := s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(txn, q1.ID, m1))
	require.NoError(t, s.Prepare(ctx, txn))

	crashAt(s, "commit.decided")
	require.ErrorIs(t, s.Commit(ctx, txn), errCrash)

	s, inv := restart(t, s)
	defer s.Close()

	assert.Empty(t, s.CollectPreparedXids())
	assert.Empty(t, inv.Prepared)
	assert.Equal(t, []uint64{m1.ID}, inv.Enqueued[q1.ID])
	require.NoError(t, s.Dequeue(nil, q1.ID, m1.ID))
}

func TestRecovery_UncommittedLocalRollsBack(t *testing.T) {
	s, _ := openStore(t, testConfig(t))

	q1, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m3 := msg("m3")
	require.NoError(t, s.Enqueue(nil, q1.ID, m3))

	txn, err := s.Begin()
	require.NoError(t, err)
	m2 := msg("m2")
	require.NoError(t, s.Enqueue(txn, q1.ID, m2))
	require.NoError(t, s.Dequeue(txn, q1.ID, m3.ID))

	s, inv := restart(t, s)
	defer s.Close()

	assert.Equal(t, []uint64{m3.ID}, inv.Enqueued[q1.ID])
	assert.NotContains(t, inv.Messages, m2.ID)
	assert.Equal(t, 1, s.RefCount(m3.ID))
	require.NoError(t, s.Dequeue(nil, q1.ID, m3.ID))
}

func TestRecovery_AbortDecidedBeforeQueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q1, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	q2, err := s.CreateQueue("q2", nil)
	require.NoError(t, err)

	txn, err := s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	m := msg("m")
	require.NoError(t, s.Enqueue(txn, q1.ID, m))
	require.NoError(t, s.Enqueue(txn, q2.ID, m))
	require.NoError(t, s.Prepare(ctx, txn))

	crashAt(s, "abort.queue")
	require.ErrorIs(t, s.Abort(ctx, txn), errCrash)

	s, inv := restart(t, s)
	defer s.Close()

	assert.Empty(t, inv.Enqueued[q1.ID])
	assert.Empty(t, inv.Enqueued[q2.ID])
	assert.Empty(t, inv.Messages)
	assert.Empty(t, s.CollectPreparedXids())
}

func TestRecovery_InconsistentTPL(t *testing.T) {
	t.Run("pending record missing from TPL entry", func(t *testing.T) {
		ctx := context.Background()
		s, _ := openStore(t, testConfig(t))

		q, err := s.CreateQueue("q1", nil)
		require.NoError(t, err)
		txn, err := s.BeginXA([]byte("tx1"))
		require.NoError(t, err)
		require.NoError(t, s.Enqueue(txn, q.ID, msg("m")))

		_, err = s.tpl.Prepare([]byte("tx1"), nil, true, OutcomeUndetermined)
		require.NoError(t, err)
		require.NoError(t, s.tpl.Flush(ctx))
		require.NoError(t, s.Close())

		s, err = Open(s.cfg)
		require.NoError(t, err)
		defer s.Close()
		err = s.Recover(ctx, nil)
		assert.ErrorIs(t, err, ErrInconsistentRecovery)

		_, err = s.CreateQueue("q2", nil)
		assert.ErrorIs(t, err, ErrNotRecovered)
	})

	t.Run("prepared operation not pending", func(t *testing.T) {
		ctx := context.Background()
		s, _ := openStore(t, testConfig(t))

		q, err := s.CreateQueue("q1", nil)
		require.NoError(t, err)
		ops := []tplOp{{Queue: q.ID, Msg: 1, RID: 999}}
		_, err = s.tpl.Prepare([]byte("tx1"), ops, true, OutcomeUndetermined)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(s.cfg)
		require.NoError(t, err)
		defer s.Close()
		assert.ErrorIs(t, s.Recover(ctx, nil), ErrInconsistentRecovery)
	})
}

func TestRecovery_RidsNotReused(t *testing.T) {
	s, _ := openStore(t, testConfig(t))

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(nil, q.ID, msg("m")))
	}
	last := s.rids.Current()

	s, _ = restart(t, s)
	defer s.Close()
	assert.GreaterOrEqual(t, s.rids.Current(), last)
	assert.Greater(t, s.rids.Next(), last)
}

func TestRecovery_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(mp)
	require.NoError(t, err)

	cfg := testConfig(t)
	s, err := Open(cfg, WithMetrics(metrics))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Recover(context.Background(), nil))

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	txn, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(txn, q.ID, msg("m")))
	require.NoError(t, s.Commit(context.Background(), txn))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["msgstore.txn.begun.total"])
	assert.Equal(t, int64(1), sums["msgstore.txn.committed.total"])
	assert.Equal(t, int64(2), sums["msgstore.journal.records.total"])
}

func TestTplStore_Recover(t *testing.T) {
	var rids IDSequence
	tpl := NewTplStore(t.TempDir(), journal.DefaultConfig(), 0, &rids, nil, nil)

	entries, maxRID, err := tpl.Recover()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, maxRID)
	_, opened := tpl.Info()
	assert.False(t, opened)

	ops := []tplOp{{Queue: 1, Msg: 2, RID: 3}}
	ridA, err := tpl.Prepare([]byte("a"), ops, true, OutcomeUndetermined)
	require.NoError(t, err)
	_, err = tpl.Prepare([]byte("b"), ops, true, OutcomeUndetermined)
	require.NoError(t, err)
	ridC, err := tpl.Prepare([]byte("c"), ops, false, OutcomeCommitted)
	require.NoError(t, err)
	require.NoError(t, tpl.Decide([]byte("b"), OutcomeAborted))
	require.NoError(t, tpl.Resolve([]byte("c"), ridC))
	assert.ErrorIs(t, tpl.Decide([]byte("a"), OutcomeUndetermined), ErrInvalidState)
	require.NoError(t, tpl.Close())

	entries, maxRID, err = tpl.Recover()
	require.NoError(t, err)
	assert.Equal(t, rids.Current(), maxRID)
	assert.Equal(t, []string{"a", "b"}, entries.Xids())

	assert.Equal(t, ridA, entries["a"].rid)
	assert.True(t, entries["a"].inDoubt())
	assert.True(t, entries["a"].hasOp(1, 3))
	assert.False(t, entries["a"].hasOp(2, 3))
	assert.Equal(t, OutcomeAborted, entries["b"].outcome)
	assert.False(t, entries["b"].inDoubt())
	require.NoError(t, tpl.Close())
}
