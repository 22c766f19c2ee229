// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// file is a single journal file with a write cache page in front of it.
type file struct {
	seq  uint64
	path string
	f    *os.File

	size    int64 // bytes handed to the OS
	page    []byte
	records uint64
	live    int

	readonly bool
}

// frameInfo is the header-level view of a frame found while scanning.
type frameInfo struct {
	typ  RecordType
	rid  uint64
	pos  int64
	size int
}

// FormatFileName formats a journal file name from its sequence number.
func FormatFileName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, FileExtension)
}

// ParseFileName extracts the sequence number from a journal file name.
func ParseFileName(name string) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(name, "%020d"+FileExtension, &seq)
	return seq, err
}

func createFile(dir string, seq uint64, pageSize int) (*file, error) {
	path := filepath.Join(dir, FormatFileName(seq))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal file: %w", err)
	}

	return &file{
		seq:  seq,
		path: path,
		f:    f,
		page: make([]byte, 0, pageSize),
	}, nil
}

// openFile opens an existing journal file and scans its frames. Frames are
// reported to visit in file order.
func openFile(dir string, seq uint64, pageSize int, visit func(frameInfo)) (*file, error) {
	path := filepath.Join(dir, FormatFileName(seq))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	jf := &file{
		seq:  seq,
		path: path,
		f:    f,
		page: make([]byte, 0, pageSize),
	}

	size, err := jf.scan(visit)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to scan journal file %s: %w", path, err)
	}
	jf.size = size

	return jf, nil
}

// scan walks frame headers and returns the end of the last frame.
func (jf *file) scan(visit func(frameInfo)) (int64, error) {
	info, err := jf.f.Stat()
	if err != nil {
		return 0, err
	}

	var pos int64
	header := make([]byte, HeaderSize)
	for pos < info.Size() {
		n, err := jf.f.ReadAt(header, pos)
		if err == io.EOF && n < HeaderSize {
			break
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		size, err := frameLength(header)
		if err != nil {
			break
		}
		if pos+int64(size) > info.Size() {
			break
		}

		jf.records++
		if visit != nil {
			r := newFrameReader(header[12:])
			typ, _ := r.uint8()
			_, _ = r.uint8()
			_, _ = r.uint8()
			_, _ = r.uint8()
			rid, _ := r.uint64()
			visit(frameInfo{typ: RecordType(typ), rid: rid, pos: pos, size: size})
		}
		pos += int64(size)
	}

	return pos, nil
}

// used returns the logical size including the unflushed page.
func (jf *file) used() int64 {
	return jf.size + int64(len(jf.page))
}

// append adds a frame to the write cache and returns its logical position.
func (jf *file) append(frame []byte) (int64, error) {
	if jf.readonly {
		return 0, fmt.Errorf("journal file %s is readonly", jf.path)
	}

	pos := jf.used()
	if len(jf.page)+len(frame) > cap(jf.page) {
		if err := jf.flushPage(); err != nil {
			return 0, err
		}
	}
	if len(frame) > cap(jf.page) {
		if _, err := jf.f.WriteAt(frame, jf.size); err != nil {
			return 0, fmt.Errorf("failed to write record: %w", err)
		}
		jf.size += int64(len(frame))
	} else {
		jf.page = append(jf.page, frame...)
	}
	jf.records++

	return pos, nil
}

// flushPage hands the write cache page to the OS.
func (jf *file) flushPage() error {
	if len(jf.page) == 0 {
		return nil
	}
	if _, err := jf.f.WriteAt(jf.page, jf.size); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}
	jf.size += int64(len(jf.page))
	jf.page = jf.page[:0]
	return nil
}

// sync makes every appended frame durable.
func (jf *file) sync() error {
	if err := jf.flushPage(); err != nil {
		return err
	}
	return jf.f.Sync()
}

// readAt reads a frame at a logical position.
func (jf *file) readAt(pos int64, size int) ([]byte, error) {
	out := make([]byte, size)
	if pos >= jf.size {
		off := int(pos - jf.size)
		if off+size > len(jf.page) {
			return nil, ErrRecordNotFound
		}
		copy(out, jf.page[off:off+size])
		return out, nil
	}
	if _, err := jf.f.ReadAt(out, pos); err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return out, nil
}

// frames iterates over every complete frame in the file.
func (jf *file) frames(fn func(frame []byte) error) error {
	if err := jf.flushPage(); err != nil {
		return err
	}

	var pos int64
	header := make([]byte, HeaderSize)
	for pos < jf.size {
		if _, err := jf.f.ReadAt(header, pos); err != nil {
			return fmt.Errorf("failed to read header at %d: %w", pos, err)
		}
		size, err := frameLength(header)
		if err != nil {
			return fmt.Errorf("%s at %d: %w", jf.path, pos, err)
		}
		frame, err := jf.readAt(pos, size)
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
		pos += int64(size)
	}
	return nil
}

func (jf *file) close() error {
	if err := jf.flushPage(); err != nil {
		jf.f.Close()
		return err
	}
	return jf.f.Close()
}

func (jf *file) remove() error {
	jf.f.Close()
	if err := os.Remove(jf.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
