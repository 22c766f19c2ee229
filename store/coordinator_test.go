// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_LocalAbort(t *testing.T) {
	ctx := context.Background()
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

	// The pending dequeue keeps m3 visible.
	assert.Equal(t, []uint64{m3.ID}, enqueued(t, s, q1.ID))
	assert.Equal(t, 1, s.RefCount(m2.ID))

	require.NoError(t, s.Abort(ctx, txn))
	assert.Equal(t, TxnAborted, txn.State())
	assert.Equal(t, []uint64{m3.ID}, enqueued(t, s, q1.ID))
	assert.Equal(t, 0, s.RefCount(m2.ID))
	assert.Equal(t, 1, s.RefCount(m3.ID))

	// m3 is free again.
	require.NoError(t, s.Dequeue(nil, q1.ID, m3.ID))
	require.NoError(t, s.Enqueue(nil, q1.ID, m3))

	s, inv := restart(t, s)
	defer s.Close()
	assert.Equal(t, []uint64{m3.ID}, inv.Enqueued[q1.ID])
	assert.NotContains(t, inv.Messages, m2.ID)
}

func TestCoordinator_LocalCommitMultiQueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))
	defer s.Close()

	q1, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	q2, err := s.CreateQueue("q2", nil)
	require.NoError(t, err)
	old := msg("old")
	require.NoError(t, s.Enqueue(nil, q1.ID, old))

	txn, err := s.Begin()
	require.NoError(t, err)
	m := msg("m")
	require.NoError(t, s.Enqueue(txn, q1.ID, m))
	require.NoError(t, s.Enqueue(txn, q2.ID, m))
	require.NoError(t, s.Dequeue(txn, q1.ID, old.ID))
	assert.Equal(t, 2, s.RefCount(m.ID))

	require.NoError(t, s.Commit(ctx, txn))
	assert.Equal(t, TxnCommitted, txn.State())
	assert.Equal(t, []uint64{m.ID}, enqueued(t, s, q1.ID))
	assert.Equal(t, []uint64{m.ID}, enqueued(t, s, q2.ID))
	assert.Equal(t, 0, s.RefCount(old.ID))

	// The TPL entry of the commit is resolved.
	info, ok := s.tpl.Info()
	require.True(t, ok)
	assert.Zero(t, info.Live)

	assert.ErrorIs(t, s.Commit(ctx, txn), ErrInvalidState)
	assert.ErrorIs(t, s.Abort(ctx, txn), ErrInvalidState)
}

func TestCoordinator_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))
	defer s.Close()

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m := msg("m")
	require.NoError(t, s.Enqueue(nil, q.ID, m))

	cases := []struct {
		name string
		err  error
		run  func() error
	}{
		{
			name: "enqueue on unknown queue",
			err:  ErrNotFound,
			run:  func() error { return s.Enqueue(nil, 999, msg("x")) },
		},
		{
			name: "dequeue message not on queue",
			err:  ErrNotFound,
			run:  func() error { return s.Dequeue(nil, q.ID, 12345) },
		},
		{
			name: "enqueue message already on queue",
			err:  ErrAlreadyExists,
			run:  func() error { return s.Enqueue(nil, q.ID, m) },
		},
		{
			name: "prepare local transaction",
			err:  ErrInvalidState,
			run: func() error {
				txn, err := s.Begin()
				require.NoError(t, err)
				defer s.Abort(ctx, txn)
				return s.Prepare(ctx, txn)
			},
		},
		{
			name: "commit unprepared distributed transaction",
			err:  ErrInvalidState,
			run: func() error {
				txn, err := s.BeginXA([]byte("unprepared"))
				require.NoError(t, err)
				defer s.Abort(ctx, txn)
				return s.Commit(ctx, txn)
			},
		},
		{
			name: "unknown xid",
			err:  ErrNotFound,
			run: func() error {
				_, err := s.Txn([]byte("nope"))
				return err
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.run(), tc.err)
		})
	}
}

func TestCoordinator_Locked(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))
	defer s.Close()

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m := msg("m")
	require.NoError(t, s.Enqueue(nil, q.ID, m))

	t1, err := s.Begin()
	require.NoError(t, err)
	t2, err := s.Begin()
	require.NoError(t, err)

	require.NoError(t, s.Dequeue(t1, q.ID, m.ID))
	assert.ErrorIs(t, s.Dequeue(t2, q.ID, m.ID), ErrLocked)
	assert.ErrorIs(t, s.Dequeue(nil, q.ID, m.ID), ErrLocked)

	require.NoError(t, s.Commit(ctx, t1))
	assert.Empty(t, enqueued(t, s, q.ID))
	assert.ErrorIs(t, s.Dequeue(t2, q.ID, m.ID), ErrNotFound)
	require.NoError(t, s.Commit(ctx, t2))
}

func TestCoordinator_DuplicateEnqueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))
	defer s.Close()

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m := msg("m")

	t1, err := s.Begin()
	require.NoError(t, err)
	t2, err := s.Begin()
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(t1, q.ID, m))
	assert.ErrorIs(t, s.Enqueue(t1, q.ID, m), ErrAlreadyExists)
	assert.ErrorIs(t, s.Enqueue(t2, q.ID, m), ErrLocked)
	assert.ErrorIs(t, s.Enqueue(nil, q.ID, m), ErrLocked)

	require.NoError(t, s.Commit(ctx, t1))
	assert.Equal(t, []uint64{m.ID}, enqueued(t, s, q.ID))
	assert.Equal(t, 1, s.RefCount(m.ID))
	assert.ErrorIs(t, s.Enqueue(t2, q.ID, m), ErrAlreadyExists)
	require.NoError(t, s.Abort(ctx, t2))
}

func TestCoordinator_DuplicateXid(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)

	txn, err := s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	_, err = s.BeginXA([]byte("tx1"))
	assert.ErrorIs(t, err, ErrDuplicateXid)

	require.NoError(t, s.Enqueue(txn, q.ID, msg("m")))
	require.NoError(t, s.Prepare(ctx, txn))
	_, err = s.BeginXA([]byte("tx1"))
	assert.ErrorIs(t, err, ErrDuplicateXid)

	s, _ = restart(t, s)
	_, err = s.BeginXA([]byte("tx1"))
	assert.ErrorIs(t, err, ErrDuplicateXid)

	txn, err = s.Txn([]byte("tx1"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, txn))

	txn, err = s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, txn))
	require.NoError(t, s.Close())
}

func TestCoordinator_DistributedCommit(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))
	defer s.Close()

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	m := msg("m")

	txn, err := s.BeginXA([]byte("tx1"))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(txn, q.ID, m))
	require.NoError(t, s.Prepare(ctx, txn))
	assert.Equal(t, TxnPrepared, txn.State())
	assert.Equal(t, [][]byte{[]byte("tx1")}, s.CollectPreparedXids())
	assert.ErrorIs(t, s.Prepare(ctx, txn), ErrInvalidState)
	assert.ErrorIs(t, s.Enqueue(txn, q.ID, msg("late")), ErrInvalidState)
	assert.Empty(t, enqueued(t, s, q.ID))

	require.NoError(t, s.Commit(ctx, txn))
	assert.Empty(t, s.CollectPreparedXids())
	assert.Equal(t, []uint64{m.ID}, enqueued(t, s, q.ID))
}

func TestCoordinator_DistributedAbort(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t))

	q, err := s.CreateQueue("q1", nil)
	require.NoError(t, err)
	keep := msg("keep")
	require.NoError(t, s.Enqueue(nil, q.ID, keep))

	// Abort while active needs no TPL record.
	active, err := s.BeginXA([]byte("active"))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(active, q.ID, msg("a")))
	require.NoError(t, s.Abort(ctx, active))

	prepared, err := s.BeginXA([]byte("prepared"))
	require.NoError(t, err)
	dropped := msg("dropped")
	require.NoError(t, s.Enqueue(prepared, q.ID, dropped))
	require.NoError(t, s.Dequeue(prepared, q.ID, keep.ID))
	require.NoError(t, s.Prepare(ctx, prepared))
	require.NoError(t, s.Abort(ctx, prepared))

	assert.Equal(t, []uint64{keep.ID}, enqueued(t, s, q.ID))
	assert.Equal(t, 0, s.RefCount(dropped.ID))

	s, inv := restart(t, s)
	defer s.Close()
	assert.Equal(t, []uint64{keep.ID}, inv.Enqueued[q.ID])
	assert.Empty(t, inv.Prepared)
	assert.Empty(t, s.CollectPreparedXids())
}
