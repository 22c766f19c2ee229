// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/absmach/msgstore/journal"
	"github.com/cespare/xxhash/v2"
)

const journalRoot = "jrnl"

// JournalRegistry owns the journal of every durable queue. Each journal is
// opened once and closed exactly once, on Delete or Close.
type JournalRegistry struct {
	mu       sync.Mutex
	root     string
	timeout  time.Duration
	logger   *slog.Logger
	journals map[uint64]*journal.Journal
	closed   bool
}

// NewJournalRegistry creates a registry rooted at <dir>/jrnl.
func NewJournalRegistry(dir string, flushTimeout time.Duration, logger *slog.Logger) *JournalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalRegistry{
		root:     filepath.Join(dir, journalRoot),
		timeout:  flushTimeout,
		logger:   logger,
		journals: make(map[uint64]*journal.Journal),
	}
}

// JournalDir returns the directory of a queue journal. Queues are spread over
// 256 shard directories by the hash of their name.
func JournalDir(root, name string) string {
	shard := fmt.Sprintf("%02x", xxhash.Sum64String(name)%256)
	return filepath.Join(root, shard, url.PathEscape(name))
}

// Create creates the journal of a new queue. Creating a journal that already
// exists on disk opens it, so a retried create after a crash succeeds.
func (r *JournalRegistry) Create(id uint64, name string, cfg journal.Config) (*journal.Journal, error) {
	return r.open(id, name, cfg, false)
}

// Open opens the journal of a recovered queue, recreating it if the queue row
// exists but its journal is missing.
func (r *JournalRegistry) Open(id uint64, name string, cfg journal.Config) (*journal.Journal, error) {
	return r.open(id, name, cfg, true)
}

func (r *JournalRegistry) open(id uint64, name string, cfg journal.Config, recovering bool) (*journal.Journal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if j, ok := r.journals[id]; ok {
		return j, nil
	}

	dir := JournalDir(r.root, name)
	if recovering && !journal.Exists(dir) {
		r.logger.Warn("Recreating missing queue journal", "queue", name, "dir", dir)
	}

	j, err := journal.Open(dir, name, cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: open journal for queue %s: %w", ErrIOFailure, name, err)
	}
	r.journals[id] = j
	return j, nil
}

// Get returns the open journal of a queue.
func (r *JournalRegistry) Get(id uint64) (*journal.Journal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.journals[id]
	return j, ok
}

// Delete closes and removes a queue journal. Deleting a journal that is not
// open removes its directory if present.
func (r *JournalRegistry) Delete(id uint64, name string) error {
	r.mu.Lock()
	j, ok := r.journals[id]
	delete(r.journals, id)
	r.mu.Unlock()

	if ok {
		if err := j.Delete(); err != nil {
			return fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
		return nil
	}
	if err := os.RemoveAll(JournalDir(r.root, name)); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// Outstanding returns the number of submitted but unconfirmed records of a
// queue journal.
func (r *JournalRegistry) Outstanding(id uint64) (int, error) {
	j, ok := r.Get(id)
	if !ok {
		return 0, ErrNotFound
	}
	return j.Outstanding(), nil
}

// Flush waits until every record submitted to the queue journal is durable,
// for at most the configured flush timeout.
func (r *JournalRegistry) Flush(ctx context.Context, id uint64) error {
	j, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return flushJournal(ctx, j, r.timeout)
}

func flushJournal(ctx context.Context, j *journal.Journal, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := j.Flush(ctx); err != nil {
		return journalError(err)
	}
	return nil
}

// Sweep removes journal directories whose queue name is not in known.
func (r *JournalRegistry) Sweep(known map[string]bool) ([]string, error) {
	shards, err := os.ReadDir(r.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	var removed []string
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(r.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return removed, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
		for _, e := range entries {
			name, err := url.PathUnescape(e.Name())
			if err == nil && known[name] {
				continue
			}
			path := filepath.Join(shardDir, e.Name())
			r.logger.Warn("Removing journal of unknown queue", "dir", path)
			if err := os.RemoveAll(path); err != nil {
				return removed, fmt.Errorf("%w: %w", ErrIOFailure, err)
			}
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// Close closes every open journal.
func (r *JournalRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, j := range r.journals {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.journals, id)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: closing journals: %v", ErrIOFailure, errs)
	}
	return nil
}

// journalError maps journal errors onto store errors.
func journalError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, journal.ErrStoreFull):
		return fmt.Errorf("%w: %w", ErrStoreFull, err)
	case errors.Is(err, journal.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
}
