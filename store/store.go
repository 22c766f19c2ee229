// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store implements a durable message store: per-queue journals, a
// metadata store for entities, local and distributed transactions, and
// startup recovery.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/absmach/msgstore/journal"
	"github.com/absmach/msgstore/metadata"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	metaDir = "meta"

	kindQueue    = "queue"
	kindExchange = "exchange"
	kindBinding  = "binding"
	kindGeneral  = "general"
	kindMessage  = "message"

	// messageIDBlock is how many message ids are reserved per persisted
	// high-water mark update.
	messageIDBlock = 1024

	DefaultFlushTimeout = 5 * time.Second
)

// Config configures a Store.
type Config struct {
	Dir string
	// Journal is the geometry of newly created queue journals.
	Journal journal.Config
	// TPL is the geometry of the transaction prepared list journal.
	TPL      journal.Config
	Metadata metadata.Config
	// TruncateInit discards existing store content on open. With SaveContent
	// the content is moved into a _bak.NNNN directory instead.
	TruncateInit bool
	SaveContent  bool
	// FlushTimeout bounds how long a flush waits for journal writes.
	FlushTimeout time.Duration
}

// DefaultConfig returns a configuration storing data under dir.
func DefaultConfig(dir string) Config {
	tpl := journal.DefaultConfig()
	tpl.AutoExpand = false
	return Config{
		Dir:          dir,
		Journal:      journal.DefaultConfig(),
		TPL:          tpl,
		Metadata:     metadata.Config{Backend: metadata.BackendBadger, SyncWrites: true},
		FlushTimeout: DefaultFlushTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: store directory is required", ErrInvalidConfig)
	}
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("%w: queue journal: %w", ErrInvalidConfig, err)
	}
	if err := c.TPL.Validate(); err != nil {
		return fmt.Errorf("%w: TPL journal: %w", ErrInvalidConfig, err)
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("%w: flush timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// queueState is the in-memory view of a durable queue.
type queueState struct {
	id   uint64
	name string
	j    *journal.Journal

	// mu orders appends so rids grow in journal order.
	mu sync.Mutex
	// visible maps messages on the queue to their enqueue rid.
	visible map[uint64]uint64
	pending int
	deleted bool
}

// Store is a durable message store. Open it, call Recover once, then use it
// from any number of goroutines.
type Store struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	meta     metadata.Store
	journals *JournalRegistry
	tpl      *TplStore

	queueIDs    IDSequence
	exchangeIDs IDSequence
	bindingIDs  IDSequence
	generalIDs  IDSequence
	messageIDs  IDSequence
	rids        IDSequence

	queues *xsync.MapOf[uint64, *queueState]
	active *xsync.MapOf[string, *Txn]
	locks  *lockTable
	msgs   *messageRefs

	// ddl serialises entity creation so persisted id high-water marks only
	// grow.
	ddl sync.Mutex

	// msgMu guards msgCeil, the persisted bound on issued message ids.
	msgMu   sync.Mutex
	msgCeil uint64

	// mu guards the one-time recovery and close paths.
	mu        sync.Mutex
	recovered bool
	closed    bool

	// fault simulates a crash at a named write point in tests.
	fault func(point string) error
}

// Open opens the store in cfg.Dir, creating it if necessary.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		queues: xsync.NewMapOf[uint64, *queueState](),
		active: xsync.NewMapOf[string, *Txn](),
		locks:  newLockTable(),
		msgs:   newMessageRefs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if cfg.TruncateInit {
		if err := truncateInit(cfg.Dir, cfg.SaveContent, s.logger); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	mcfg := cfg.Metadata
	if mcfg.Dir == "" {
		mcfg.Dir = filepath.Join(cfg.Dir, metaDir)
	}
	meta, err := metadata.Open(mcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open metadata: %w", ErrIOFailure, err)
	}
	if err := checkVersion(meta); err != nil {
		meta.Close()
		return nil, err
	}

	s.meta = meta
	s.journals = NewJournalRegistry(cfg.Dir, cfg.FlushTimeout, s.logger)
	s.tpl = NewTplStore(cfg.Dir, cfg.TPL, cfg.FlushTimeout, &s.rids, s.logger, s.metrics)

	return s, nil
}

func checkVersion(meta metadata.Store) error {
	return meta.Update(func(tx metadata.Txn) error {
		var row storeRow
		err := metadata.GetRow(tx, metadata.TableConfig, []byte(storeKey), &row)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			return metadata.PutRow(tx, metadata.TableConfig, []byte(storeKey), &storeRow{Version: storeVersion})
		case err != nil:
			return fmt.Errorf("%w: %w", ErrIOFailure, err)
		case row.Version != storeVersion:
			return fmt.Errorf("%w: store format version %d, expected %d", ErrInvalidConfig, row.Version, storeVersion)
		}
		return nil
	})
}

// truncateInit removes the store content, or moves it into the next free
// _bak.NNNN directory when save is set.
func truncateInit(dir string, save bool, logger *slog.Logger) error {
	entries := []string{journalRoot, tplDir, metaDir}

	if !save {
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e)); err != nil {
				return fmt.Errorf("%w: truncate %s: %w", ErrIOFailure, e, err)
			}
		}
		logger.Info("Store truncated", "dir", dir)
		return nil
	}

	var bak string
	for n := 0; ; n++ {
		bak = filepath.Join(dir, fmt.Sprintf("_bak.%04d", n))
		if _, err := os.Stat(bak); os.IsNotExist(err) {
			break
		}
	}
	if err := os.MkdirAll(bak, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	for _, e := range entries {
		err := os.Rename(filepath.Join(dir, e), filepath.Join(bak, e))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: save %s: %w", ErrIOFailure, e, err)
		}
	}
	logger.Info("Store content saved before truncation", "dir", dir, "backup", bak)
	return nil
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.recovered {
		return ErrNotRecovered
	}
	return nil
}

func (s *Store) crash(point string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(point)
}

func (s *Store) queue(id uint64) (*queueState, error) {
	q, ok := s.queues.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: queue %d", ErrNotFound, id)
	}
	return q, nil
}

// CreateQueue creates a durable queue and its journal.
func (s *Store) CreateQueue(name string, args []byte) (Queue, error) {
	if err := s.ready(); err != nil {
		return Queue{}, err
	}

	s.ddl.Lock()
	defer s.ddl.Unlock()

	q := Queue{ID: s.queueIDs.Next(), Name: name, Args: args}
	row := &queueRow{Queue: q, FileSize: s.cfg.Journal.FileSize, NumFiles: s.cfg.Journal.NumFiles}

	err := s.meta.Update(func(tx metadata.Txn) error {
		if err := s.claimName(tx, kindQueue, name, q.ID); err != nil {
			return err
		}
		if err := putSeq(tx, kindQueue, q.ID); err != nil {
			return err
		}
		return metadata.PutRow(tx, metadata.TableQueue, metadata.IDKey(q.ID), row)
	})
	if err != nil {
		return Queue{}, metaError(err)
	}

	j, err := s.journals.Create(q.ID, name, s.cfg.Journal)
	if err != nil {
		derr := s.meta.Update(func(tx metadata.Txn) error {
			if err := tx.Delete(metadata.TableIDMap, nameKey(kindQueue, name)); err != nil {
				return err
			}
			return tx.Delete(metadata.TableQueue, metadata.IDKey(q.ID))
		})
		if derr != nil {
			s.logger.Error("Failed to roll back queue row", "queue", name, "error", derr)
		}
		return Queue{}, err
	}

	s.queues.Store(q.ID, &queueState{id: q.ID, name: name, j: j, visible: make(map[uint64]uint64)})
	s.logger.Debug("Queue created", "queue", name, "id", q.ID)
	return q, nil
}

// DestroyQueue removes a queue, its bindings and its journal. Messages still
// on the queue lose the reference the queue held.
func (s *Store) DestroyQueue(id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	q, err := s.queue(id)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.pending > 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %s has uncommitted operations", ErrLocked, q.name)
	}

	err = s.meta.Update(func(tx metadata.Txn) error {
		if err := deleteBindings(tx, func(b *Binding) bool { return b.QueueID == id }); err != nil {
			return err
		}
		if err := tx.Delete(metadata.TableIDMap, nameKey(kindQueue, q.name)); err != nil {
			return err
		}
		return tx.Delete(metadata.TableQueue, metadata.IDKey(id))
	})
	if err != nil {
		q.mu.Unlock()
		return metaError(err)
	}

	q.deleted = true
	held := make([]uint64, 0, len(q.visible))
	for msg := range q.visible {
		held = append(held, msg)
	}
	q.visible = nil
	q.mu.Unlock()

	s.queues.Delete(id)
	if err := s.journals.Delete(id, q.name); err != nil {
		return err
	}
	for _, msg := range held {
		s.unref(msg)
	}
	s.logger.Debug("Queue destroyed", "queue", q.name, "id", id)
	return nil
}

// QueueByName returns a queue by durable name.
func (s *Store) QueueByName(name string) (Queue, error) {
	var q Queue
	err := s.meta.View(func(tx metadata.Txn) error {
		id, err := lookupName(tx, kindQueue, name)
		if err != nil {
			return err
		}
		var row queueRow
		if err := metadata.GetRow(tx, metadata.TableQueue, metadata.IDKey(id), &row); err != nil {
			return err
		}
		q = row.Queue
		return nil
	})
	return q, metaError(err)
}

// CreateExchange creates a durable exchange.
func (s *Store) CreateExchange(name string, args []byte) (Exchange, error) {
	if err := s.ready(); err != nil {
		return Exchange{}, err
	}

	s.ddl.Lock()
	defer s.ddl.Unlock()

	e := Exchange{ID: s.exchangeIDs.Next(), Name: name, Args: args}
	err := s.meta.Update(func(tx metadata.Txn) error {
		if err := s.claimName(tx, kindExchange, name, e.ID); err != nil {
			return err
		}
		if err := putSeq(tx, kindExchange, e.ID); err != nil {
			return err
		}
		return metadata.PutRow(tx, metadata.TableExchange, metadata.IDKey(e.ID), &e)
	})
	if err != nil {
		return Exchange{}, metaError(err)
	}
	return e, nil
}

// DestroyExchange removes an exchange and its bindings.
func (s *Store) DestroyExchange(id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		var e Exchange
		if err := metadata.GetRow(tx, metadata.TableExchange, metadata.IDKey(id), &e); err != nil {
			return err
		}
		if err := deleteBindings(tx, func(b *Binding) bool { return b.ExchangeID == id }); err != nil {
			return err
		}
		if err := tx.Delete(metadata.TableIDMap, nameKey(kindExchange, e.Name)); err != nil {
			return err
		}
		return tx.Delete(metadata.TableExchange, metadata.IDKey(id))
	})
	return metaError(err)
}

// Bind binds a queue to an exchange under key.
func (s *Store) Bind(exchangeID, queueID uint64, key string, args []byte) (Binding, error) {
	if err := s.ready(); err != nil {
		return Binding{}, err
	}

	s.ddl.Lock()
	defer s.ddl.Unlock()

	b := Binding{ExchangeID: exchangeID, QueueID: queueID, Key: key, Args: args}
	err := s.meta.Update(func(tx metadata.Txn) error {
		for _, ref := range []struct {
			table metadata.Table
			id    uint64
		}{{metadata.TableExchange, exchangeID}, {metadata.TableQueue, queueID}} {
			ok, err := metadata.Exists(tx, ref.table, metadata.IDKey(ref.id))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s %d", ErrNotFound, ref.table, ref.id)
			}
		}

		var dup bool
		err := metadata.Rows(tx, metadata.TableBinding, func(_ []byte, o *Binding) error {
			dup = dup || (o.ExchangeID == exchangeID && o.QueueID == queueID && o.Key == key)
			return nil
		})
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: binding %q", ErrAlreadyExists, key)
		}

		b.ID = s.bindingIDs.Next()
		if err := putSeq(tx, kindBinding, b.ID); err != nil {
			return err
		}
		return metadata.PutRow(tx, metadata.TableBinding, metadata.IDKey(b.ID), &b)
	})
	if err != nil {
		return Binding{}, metaError(err)
	}
	return b, nil
}

// Unbind removes a binding.
func (s *Store) Unbind(id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		ok, err := metadata.Exists(tx, metadata.TableBinding, metadata.IDKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: binding %d", ErrNotFound, id)
		}
		return tx.Delete(metadata.TableBinding, metadata.IDKey(id))
	})
	return metaError(err)
}

// CreateConfig stores a general configuration blob.
func (s *Store) CreateConfig(data []byte) (ConfigEntry, error) {
	if err := s.ready(); err != nil {
		return ConfigEntry{}, err
	}
	s.ddl.Lock()
	defer s.ddl.Unlock()

	c := ConfigEntry{ID: s.generalIDs.Next(), Data: data}
	err := s.meta.Update(func(tx metadata.Txn) error {
		if err := putSeq(tx, kindGeneral, c.ID); err != nil {
			return err
		}
		return metadata.PutRow(tx, metadata.TableGeneral, metadata.IDKey(c.ID), &c)
	})
	if err != nil {
		return ConfigEntry{}, metaError(err)
	}
	return c, nil
}

// DestroyConfig removes a general configuration blob.
func (s *Store) DestroyConfig(id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		ok, err := metadata.Exists(tx, metadata.TableGeneral, metadata.IDKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: config %d", ErrNotFound, id)
		}
		return tx.Delete(metadata.TableGeneral, metadata.IDKey(id))
	})
	return metaError(err)
}

// Stage stores the header and content of a message in the metadata store so
// that enqueue records only reference it. Stage assigns an id to a message
// without one.
func (s *Store) Stage(msg *Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.assignMessageID(msg); err != nil {
		return err
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		return metadata.PutRow(tx, metadata.TableMessage, metadata.IDKey(msg.ID),
			&messageRow{Header: msg.Header, Content: msg.Content})
	})
	if err != nil {
		return metaError(err)
	}
	msg.Staged = true
	msg.ContentSize = uint64(len(msg.Content))
	return nil
}

// AppendContent appends data to the content of a staged message.
func (s *Store) AppendContent(msgID uint64, data []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		var row messageRow
		if err := metadata.GetRow(tx, metadata.TableMessage, metadata.IDKey(msgID), &row); err != nil {
			return err
		}
		row.Content = append(row.Content, data...)
		return metadata.PutRow(tx, metadata.TableMessage, metadata.IDKey(msgID), &row)
	})
	return metaError(err)
}

// LoadContent reads up to length bytes of message content starting at
// offset. The message must be visible on the queue.
func (s *Store) LoadContent(queueID, msgID uint64, offset, length uint64) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q, err := s.queue(queueID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	rid, ok := q.visible[msgID]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: message %d on queue %s", ErrNotFound, msgID, q.name)
	}

	rec, err := q.j.Read(rid)
	if err != nil {
		return nil, journalError(err)
	}

	var content []byte
	if rec.External {
		err := s.meta.View(func(tx metadata.Txn) error {
			var row messageRow
			if err := metadata.GetRow(tx, metadata.TableMessage, metadata.IDKey(msgID), &row); err != nil {
				return err
			}
			content = row.Content
			return nil
		})
		if err != nil {
			return nil, metaError(err)
		}
	} else {
		var data enqueueData
		if err := decode(rec.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
		content = data.Content
	}

	size := uint64(len(content))
	if offset >= size {
		return []byte{}, nil
	}
	end := size
	if length < size-offset {
		end = offset + length
	}
	return content[offset:end], nil
}

// assignMessageID gives msg an id when it has none and makes sure no id at
// or below it is issued again after a restart, even once every record that
// named it is gone.
func (s *Store) assignMessageID(msg *Message) error {
	if msg.ID == 0 {
		msg.ID = s.messageIDs.Next()
	} else {
		s.messageIDs.Reset(msg.ID)
	}
	return s.reserveMessageID(msg.ID)
}

// reserveMessageID persists a new high-water mark a block above id when id
// passes the current one.
func (s *Store) reserveMessageID(id uint64) error {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	if id <= s.msgCeil {
		return nil
	}
	ceil := id + messageIDBlock
	err := s.meta.Update(func(tx metadata.Txn) error {
		return putSeq(tx, kindMessage, ceil)
	})
	if err != nil {
		return metaError(err)
	}
	s.msgCeil = ceil
	return nil
}

// DestroyMessage removes the staged content of a message no queue holds.
func (s *Store) DestroyMessage(msgID uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if n := s.msgs.count(msgID); n > 0 {
		return fmt.Errorf("%w: message %d is held by %d queues", ErrInvalidState, msgID, n)
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		ok, err := metadata.Exists(tx, metadata.TableMessage, metadata.IDKey(msgID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %d", ErrNotFound, msgID)
		}
		return tx.Delete(metadata.TableMessage, metadata.IDKey(msgID))
	})
	return metaError(err)
}

// Enqueued returns the ids of the messages visible on a queue in journal
// order.
func (s *Store) Enqueued(queueID uint64) ([]uint64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q, err := s.queue(queueID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	type entry struct{ msg, rid uint64 }
	entries := make([]entry, 0, len(q.visible))
	for msg, rid := range q.visible {
		entries = append(entries, entry{msg, rid})
	}
	q.mu.Unlock()

	sort.Slice(entries, func(a, b int) bool { return entries[a].rid < entries[b].rid })
	msgs := make([]uint64, len(entries))
	for i, e := range entries {
		msgs[i] = e.msg
	}
	return msgs, nil
}

// RefCount returns the number of queues and pending enqueues holding a
// message.
func (s *Store) RefCount(msgID uint64) int {
	return s.msgs.count(msgID)
}

// OutstandingAIO returns the number of journal records of a queue that are
// submitted but not yet durable.
func (s *Store) OutstandingAIO(queueID uint64) (int, error) {
	return s.journals.Outstanding(queueID)
}

// Close closes the journals and the metadata store. Open transactions are
// left as they are on disk and resolved by the next recovery.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.journals.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.tpl.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// unref drops a message reference and deletes staged content once no queue
// holds the message.
func (s *Store) unref(msgID uint64) {
	released, staged := s.msgs.unref(msgID)
	if !released || !staged {
		return
	}
	err := s.meta.Update(func(tx metadata.Txn) error {
		return tx.Delete(metadata.TableMessage, metadata.IDKey(msgID))
	})
	if err != nil {
		s.logger.Warn("Failed to delete staged message", "message", msgID, "error", err)
	}
}

func (s *Store) claimName(tx metadata.Txn, kind, name string, id uint64) error {
	ok, err := metadata.Exists(tx, metadata.TableIDMap, nameKey(kind, name))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s %q", ErrAlreadyExists, kind, name)
	}
	return tx.Put(metadata.TableIDMap, nameKey(kind, name), metadata.IDKey(id))
}

// putSeq records the highest id allocated for kind.
func putSeq(tx metadata.Txn, kind string, id uint64) error {
	return tx.Put(metadata.TableConfig, seqKey(kind), metadata.IDKey(id))
}

// loadSeq seeds seq from the recorded high-water mark of kind.
func loadSeq(tx metadata.Txn, kind string, seq *IDSequence) error {
	v, err := tx.Get(metadata.TableConfig, seqKey(kind))
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := metadata.ParseIDKey(v)
	if err != nil {
		return err
	}
	seq.Reset(id)
	return nil
}

func seqKey(kind string) []byte {
	return []byte("seq:" + kind)
}

func lookupName(tx metadata.Txn, kind, name string) (uint64, error) {
	v, err := tx.Get(metadata.TableIDMap, nameKey(kind, name))
	if errors.Is(err, metadata.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	if err != nil {
		return 0, err
	}
	return metadata.ParseIDKey(v)
}

func deleteBindings(tx metadata.Txn, match func(*Binding) bool) error {
	var keys [][]byte
	err := metadata.Rows(tx, metadata.TableBinding, func(key []byte, b *Binding) error {
		if match(b) {
			keys = append(keys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(metadata.TableBinding, k); err != nil {
			return err
		}
	}
	return nil
}

// metaError wraps metadata failures; store errors pass through unchanged.
func metaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrLocked):
		return err
	case errors.Is(err, metadata.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: metadata: %w", ErrIOFailure, err)
	}
}
