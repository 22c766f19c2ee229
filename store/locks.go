// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type lockKey struct {
	queue uint64
	msg   uint64
}

// lockTable records which transaction holds a message on a queue. Locks
// never block; a conflicting request fails with ErrLocked.
type lockTable struct {
	held *xsync.MapOf[lockKey, *Txn]
}

func newLockTable() *lockTable {
	return &lockTable{held: xsync.NewMapOf[lockKey, *Txn]()}
}

func (l *lockTable) acquire(queue, msg uint64, owner *Txn) error {
	if _, loaded := l.held.LoadOrStore(lockKey{queue, msg}, owner); loaded {
		return ErrLocked
	}
	return nil
}

func (l *lockTable) locked(queue, msg uint64) bool {
	_, ok := l.held.Load(lockKey{queue, msg})
	return ok
}

// heldBy reports whether owner holds the message on queue.
func (l *lockTable) heldBy(queue, msg uint64, owner *Txn) bool {
	t, ok := l.held.Load(lockKey{queue, msg})
	return ok && t == owner
}

func (l *lockTable) release(queue, msg uint64) {
	l.held.Delete(lockKey{queue, msg})
}

// msgRef counts the queues and pending enqueues holding a message.
type msgRef struct {
	refs   int
	staged bool
}

// messageRefs tracks message reference counts.
type messageRefs struct {
	mu   sync.Mutex
	refs map[uint64]*msgRef
}

func newMessageRefs() *messageRefs {
	return &messageRefs{refs: make(map[uint64]*msgRef)}
}

func (m *messageRefs) ref(id uint64, staged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refs[id]
	if !ok {
		r = &msgRef{}
		m.refs[id] = r
	}
	r.refs++
	r.staged = r.staged || staged
}

// unref drops one reference. It returns true with the staged flag when the
// last reference is gone. Dropping an unknown message is a no-op.
func (m *messageRefs) unref(id uint64) (released, staged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refs[id]
	if !ok {
		return false, false
	}
	r.refs--
	if r.refs > 0 {
		return false, false
	}
	delete(m.refs, id)
	return true, r.staged
}

func (m *messageRefs) count(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.refs[id]; ok {
		return r.refs
	}
	return 0
}
