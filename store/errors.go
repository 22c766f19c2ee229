// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

var (
	// ErrNotFound is returned when a queue, exchange, binding, configuration
	// entry, message or transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating an entity whose durable name
	// is already taken, or enqueueing a message already on the queue.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLocked is returned when another uncommitted transaction holds the
	// message on the queue.
	ErrLocked = errors.New("message is locked by another transaction")

	// ErrDuplicateXid is returned when beginning a distributed transaction
	// whose xid is already active or prepared.
	ErrDuplicateXid = errors.New("duplicate xid")

	// ErrStoreFull is returned when a journal cannot accept more records.
	ErrStoreFull = errors.New("store full")

	// ErrIOFailure wraps journal and metadata I/O errors.
	ErrIOFailure = errors.New("store I/O failure")

	// ErrInconsistentRecovery halts recovery when the TPL and a queue journal
	// disagree in a way no reconciliation rule covers.
	ErrInconsistentRecovery = errors.New("inconsistent recovery state")

	ErrInvalidState  = errors.New("invalid state")
	ErrClosed        = errors.New("store is closed")
	ErrNotRecovered  = errors.New("store has not been recovered")
	ErrInvalidConfig = errors.New("invalid store configuration")
)
