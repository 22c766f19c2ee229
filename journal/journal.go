// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// location identifies a live enqueue frame.
type location struct {
	seq  uint64
	pos  int64
	size int
}

// Journal is an append-only log made of a bounded set of files.
//
// Appends are written into a write cache page and become durable when the
// background sync loop (or Flush) syncs the active file. Enqueue records stay
// live until released; the oldest file is reclaimed once it holds no live
// enqueues.
type Journal struct {
	mu sync.Mutex

	name   string
	dir    string
	config Config
	logger *slog.Logger

	files   []*file
	active  *file
	nextSeq uint64
	live    map[uint64]location

	outstanding int
	err         error
	closed      bool

	flushed chan struct{}
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Open opens the journal in dir, creating it when absent.
func Open(dir, name string, config Config, logger *slog.Logger) (*Journal, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		name:    name,
		dir:     dir,
		config:  config,
		logger:  logger,
		live:    make(map[uint64]location),
		flushed: make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := j.loadFiles(); err != nil {
		j.closeFiles()
		return nil, err
	}
	if len(j.files) == 0 {
		if err := j.addFile(); err != nil {
			return nil, err
		}
	} else {
		j.active = j.files[len(j.files)-1]
	}

	go j.syncLoop()

	return j, nil
}

// Exists reports whether a journal directory holds any journal file.
func Exists(dir string) bool {
	files, err := filepath.Glob(filepath.Join(dir, "*"+FileExtension))
	return err == nil && len(files) > 0
}

func (j *Journal) loadFiles() error {
	paths, err := filepath.Glob(filepath.Join(j.dir, "*"+FileExtension))
	if err != nil {
		return err
	}

	seqs := make([]uint64, 0, len(paths))
	for _, p := range paths {
		seq, err := ParseFileName(filepath.Base(p))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })

	for i, seq := range seqs {
		last := i == len(seqs)-1
		if last {
			res, err := RecoverFile(filepath.Join(j.dir, FormatFileName(seq)))
			if err != nil {
				return err
			}
			if res.BytesTruncated > 0 {
				j.logger.Warn("Truncated torn journal tail",
					"journal", j.name,
					"file", FormatFileName(seq),
					"bytes", res.BytesTruncated)
			}
		}

		var jf *file
		jf, err = openFile(j.dir, seq, j.config.PageSize, func(fi frameInfo) {
			if fi.typ == RecordEnqueue {
				j.live[fi.rid] = location{seq: seq, pos: fi.pos, size: fi.size}
			}
		})
		if err != nil {
			return err
		}
		j.files = append(j.files, jf)

		if !last {
			info, err := jf.f.Stat()
			if err != nil {
				return err
			}
			if info.Size() != jf.size {
				return fmt.Errorf("%w: journal %s file %s is corrupted at %d",
					ErrInvalidRecord, j.name, FormatFileName(seq), jf.size)
			}
			jf.readonly = true
		}
		j.nextSeq = seq + 1
	}

	for _, loc := range j.live {
		if jf := j.fileBySeq(loc.seq); jf != nil {
			jf.live++
		}
	}

	return nil
}

func (j *Journal) addFile() error {
	jf, err := createFile(j.dir, j.nextSeq, j.config.PageSize)
	if err != nil {
		return err
	}
	if j.active != nil {
		j.active.readonly = true
	}
	j.files = append(j.files, jf)
	j.active = jf
	j.nextSeq++
	return nil
}

func (j *Journal) fileBySeq(seq uint64) *file {
	i := sort.Search(len(j.files), func(i int) bool { return j.files[i].seq >= seq })
	if i < len(j.files) && j.files[i].seq == seq {
		return j.files[i]
	}
	return nil
}

// Name returns the journal name.
func (j *Journal) Name() string {
	return j.name
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Append submits a record. The record is durable once Outstanding drops to
// zero or Flush returns.
func (j *Journal) Append(rec *Record) error {
	frame, err := encodeRecord(rec, j.config.Compression)
	if err != nil {
		return err
	}
	if int64(len(frame)) > j.config.FileSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(frame))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.err != nil {
		return j.err
	}

	if j.active.used()+int64(len(frame)) > j.config.FileSize {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	pos, err := j.active.append(frame)
	if err != nil {
		j.fail(err)
		return j.err
	}

	if rec.Type == RecordEnqueue {
		j.live[rec.RID] = location{seq: j.active.seq, pos: pos, size: len(frame)}
		j.active.live++
	}
	j.outstanding++

	return nil
}

// rotate syncs the active file and starts a new one. Must hold j.mu.
func (j *Journal) rotate() error {
	if len(j.files) >= j.config.FileLimit() {
		j.reclaim()
	}
	if len(j.files) >= j.config.FileLimit() {
		return fmt.Errorf("%w: %s holds %d files", ErrStoreFull, j.name, len(j.files))
	}

	if err := j.active.sync(); err != nil {
		j.fail(err)
		return j.err
	}
	j.confirm()

	if err := j.addFile(); err != nil {
		j.fail(err)
		return j.err
	}

	if len(j.files) > j.config.NumFiles {
		j.logger.Info("Journal expanded", "journal", j.name, "files", len(j.files))
	}
	return nil
}

// Release marks an enqueue record as no longer needed, allowing its file to be
// reclaimed. Releasing an unknown rid is a no-op.
func (j *Journal) Release(rid uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	loc, ok := j.live[rid]
	if !ok {
		return
	}
	delete(j.live, rid)
	if jf := j.fileBySeq(loc.seq); jf != nil {
		jf.live--
	}
	j.reclaim()
}

// reclaim removes leading files without live enqueues. Must hold j.mu.
func (j *Journal) reclaim() {
	for len(j.files) > 1 && j.files[0] != j.active && j.files[0].live <= 0 {
		jf := j.files[0]
		if err := jf.remove(); err != nil {
			j.logger.Warn("Failed to remove journal file", "journal", j.name, "file", jf.path, "error", err)
			return
		}
		j.files = j.files[1:]
	}
}

// Read returns a live enqueue record by rid.
func (j *Journal) Read(rid uint64) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}

	loc, ok := j.live[rid]
	if !ok {
		return nil, ErrRecordNotFound
	}
	jf := j.fileBySeq(loc.seq)
	if jf == nil {
		return nil, ErrRecordNotFound
	}

	frame, err := jf.readAt(loc.pos, loc.size)
	if err != nil {
		return nil, err
	}
	return decodeRecord(frame)
}

// Replay calls fn for every record in append order. fn must not call back
// into the journal.
func (j *Journal) Replay(fn func(*Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	for _, jf := range j.files {
		err := jf.frames(func(frame []byte) error {
			rec, err := decodeRecord(frame)
			if err != nil {
				return fmt.Errorf("journal %s: %w", j.name, err)
			}
			return fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Outstanding returns the number of records submitted but not yet durable.
func (j *Journal) Outstanding() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outstanding
}

// Flush blocks until every submitted record is durable or ctx is done.
func (j *Journal) Flush(ctx context.Context) error {
	for {
		j.mu.Lock()
		if j.err != nil {
			err := j.err
			j.mu.Unlock()
			return err
		}
		if j.outstanding == 0 {
			j.mu.Unlock()
			return nil
		}
		if j.closed {
			j.mu.Unlock()
			return ErrClosed
		}
		ch := j.flushed
		j.mu.Unlock()

		select {
		case j.kick <- struct{}{}:
		default:
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrFlushIncomplete, j.name, ctx.Err())
		}
	}
}

func (j *Journal) syncLoop() {
	defer close(j.done)

	interval := j.config.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sync()
		case <-j.kick:
			j.sync()
		case <-j.stop:
			return
		}
	}
}

// sync makes the active file durable and wakes flush waiters.
func (j *Journal) sync() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.err != nil || j.outstanding == 0 {
		return
	}
	if err := j.active.sync(); err != nil {
		j.fail(err)
		return
	}
	j.confirm()
}

// confirm marks everything submitted as durable. Must hold j.mu.
func (j *Journal) confirm() {
	j.outstanding = 0
	close(j.flushed)
	j.flushed = make(chan struct{})
}

// fail latches an I/O error. Must hold j.mu.
func (j *Journal) fail(err error) {
	if j.err == nil {
		j.err = fmt.Errorf("journal %s: %w", j.name, err)
		j.logger.Error("Journal I/O failure", "journal", j.name, "error", err)
		close(j.flushed)
		j.flushed = make(chan struct{})
	}
}

// Err returns the latched I/O error, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Info returns journal statistics.
func (j *Journal) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := Info{
		Name:        j.name,
		Files:       len(j.files),
		Live:        len(j.live),
		Outstanding: j.outstanding,
	}
	for _, jf := range j.files {
		info.Size += jf.used()
		info.Records += jf.records
	}
	return info
}

// Close syncs and closes the journal. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stop)
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	if j.err == nil && j.outstanding > 0 {
		if err = j.active.sync(); err == nil {
			j.confirm()
		}
	}
	if cerr := j.closeFiles(); err == nil {
		err = cerr
	}
	return err
}

func (j *Journal) closeFiles() error {
	var errs []error
	for _, jf := range j.files {
		if err := jf.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing journal %s: %v", j.name, errs)
	}
	return nil
}

// Delete closes the journal and removes its directory.
func (j *Journal) Delete() error {
	if err := j.Close(); err != nil {
		j.logger.Warn("Closing journal before delete failed", "journal", j.name, "error", err)
	}
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("failed to delete journal %s: %w", j.name, err)
	}
	return nil
}
