// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC32-C of data.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// frameWriter appends little-endian fields to a growing buffer.
type frameWriter struct {
	buf []byte
}

func newFrameWriter(capacity int) *frameWriter {
	return &frameWriter{buf: make([]byte, 0, capacity)}
}

func (w *frameWriter) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *frameWriter) uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *frameWriter) uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *frameWriter) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// bytes writes a uvarint length prefix followed by data.
func (w *frameWriter) bytes(data []byte) {
	w.uvarint(uint64(len(data)))
	w.buf = append(w.buf, data...)
}

func (w *frameWriter) raw(data []byte) {
	w.buf = append(w.buf, data...)
}

// frameReader consumes fields written by frameWriter.
type frameReader struct {
	buf []byte
	pos int
}

func newFrameReader(data []byte) *frameReader {
	return &frameReader{buf: data}
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *frameReader) uint8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *frameReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *frameReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *frameReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// bytes reads a length-prefixed slice. The result is a copy.
func (r *frameReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < n {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}
