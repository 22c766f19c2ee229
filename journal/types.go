// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import "errors"

// Journal errors.
var (
	ErrClosed          = errors.New("journal is closed")
	ErrStoreFull       = errors.New("journal is full")
	ErrRecordTooLarge  = errors.New("record exceeds journal file size")
	ErrRecordNotFound  = errors.New("record not found")
	ErrInvalidRecord   = errors.New("invalid record")
	ErrInvalidMagic    = errors.New("invalid magic number")
	ErrCRCMismatch     = errors.New("CRC mismatch")
	ErrInvalidConfig   = errors.New("invalid journal configuration")
	ErrFlushIncomplete = errors.New("flush did not complete")
)

// RecordMagic marks the start of every record frame (JRNL in ASCII).
const RecordMagic uint32 = 0x4A524E4C

// RecordVersion is the current record frame version.
const RecordVersion uint8 = 1

// File name extension for journal files.
const FileExtension = ".jrnl"

// RecordType identifies the kind of a journal record.
type RecordType uint8

const (
	RecordEnqueue   RecordType = 1
	RecordDequeue   RecordType = 2
	RecordTxnCommit RecordType = 3
	RecordTxnAbort  RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case RecordEnqueue:
		return "enqueue"
	case RecordDequeue:
		return "dequeue"
	case RecordTxnCommit:
		return "txn-commit"
	case RecordTxnAbort:
		return "txn-abort"
	default:
		return "unknown"
	}
}

// CompressionType selects the codec applied to record payloads.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionS2
	CompressionZstd
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression converts a configuration string into a CompressionType.
func ParseCompression(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, ErrInvalidConfig
	}
}

// Record is a single journal entry.
//
// Records carrying a non-empty XID are transactional: they stay pending until a
// RecordTxnCommit or RecordTxnAbort with the same XID is appended to the same journal.
type Record struct {
	Type       RecordType
	RID        uint64
	DequeueRID uint64 // rid of the enqueue a dequeue removes
	XID        []byte
	External   bool // enqueue data excludes message content
	Data       []byte
}

// Transactional reports whether the record belongs to a transaction.
func (r *Record) Transactional() bool {
	return len(r.XID) > 0
}

// Info describes the state of a journal.
type Info struct {
	Name        string
	Files       int
	Size        int64
	Records     uint64
	Live        int
	Outstanding int
}
