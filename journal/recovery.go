// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"io"
	"os"
)

// RecoveryResult describes what recovering a journal file found.
type RecoveryResult struct {
	RecordsRecovered uint64
	BytesTruncated   int64
	Errors           []error
}

// RecoverFile validates every frame of a journal file and truncates it at the
// first torn or corrupted frame. Only the newest file of a journal can have a
// torn tail, since older files are synced before rotation.
func RecoverFile(path string) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file for recovery: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var pos int64
	header := make([]byte, HeaderSize)
	for pos < info.Size() {
		n, err := f.ReadAt(header, pos)
		if n < HeaderSize {
			if err != nil && err != io.EOF {
				result.Errors = append(result.Errors, err)
			}
			break
		}

		size, err := frameLength(header)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w at position %d", err, pos))
			break
		}
		if pos+int64(size) > info.Size() {
			break
		}

		frame := make([]byte, size)
		if _, err := f.ReadAt(frame, pos); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}
		if _, err := decodeRecord(frame); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w at position %d", err, pos))
			break
		}

		result.RecordsRecovered++
		pos += int64(size)
	}

	if pos < info.Size() {
		result.BytesTruncated = info.Size() - pos
		if err := f.Truncate(pos); err != nil {
			return result, fmt.Errorf("failed to truncate journal file: %w", err)
		}
		if err := f.Sync(); err != nil {
			return result, err
		}
	}

	return result, nil
}
