// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Record frame layout:
// Magic(4) + CRC(4) + PayloadLen(4) + Type(1) + Flags(1) + Compression(1) +
// Version(1) + RID(8) = 24 bytes, followed by the payload.
// The CRC covers everything after the CRC field.
const HeaderSize = 24

// Payloads smaller than this are never compressed.
const compressThreshold = 256

const (
	flagExternal   uint8 = 1 << 0
	flagCompressed uint8 = 1 << 1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encodeRecord serializes a record into a checksummed frame.
func encodeRecord(rec *Record, ct CompressionType) ([]byte, error) {
	switch rec.Type {
	case RecordEnqueue, RecordDequeue, RecordTxnCommit, RecordTxnAbort:
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidRecord, rec.Type)
	}

	pw := newFrameWriter(16 + len(rec.XID) + len(rec.Data))
	pw.uvarint(rec.DequeueRID)
	pw.bytes(rec.XID)
	pw.bytes(rec.Data)
	payload := pw.buf

	var flags uint8
	if rec.External {
		flags |= flagExternal
	}

	codec := CompressionNone
	if ct != CompressionNone && len(payload) > compressThreshold {
		compressed, err := compress(payload, ct)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
			codec = ct
		}
	}

	w := newFrameWriter(HeaderSize + len(payload))
	w.uint32(RecordMagic)
	w.uint32(0) // CRC placeholder
	w.uint32(uint32(len(payload)))
	w.uint8(uint8(rec.Type))
	w.uint8(flags)
	w.uint8(uint8(codec))
	w.uint8(RecordVersion)
	w.uint64(rec.RID)
	w.raw(payload)

	frame := w.buf
	crc := checksum(frame[8:])
	binary.LittleEndian.PutUint32(frame[4:8], crc)

	return frame, nil
}

// frameLength validates a frame header and returns the total frame size.
func frameLength(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, ErrInvalidRecord
	}
	r := newFrameReader(header)
	magic, _ := r.uint32()
	if magic != RecordMagic {
		return 0, ErrInvalidMagic
	}
	_, _ = r.uint32()
	n, _ := r.uint32()
	return HeaderSize + int(n), nil
}

// decodeRecord parses a complete frame, verifying its checksum.
func decodeRecord(frame []byte) (*Record, error) {
	size, err := frameLength(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < size {
		return nil, ErrInvalidRecord
	}
	frame = frame[:size]

	r := newFrameReader(frame)
	_, _ = r.uint32()
	storedCRC, _ := r.uint32()
	if checksum(frame[8:]) != storedCRC {
		return nil, ErrCRCMismatch
	}
	_, _ = r.uint32()
	typ, _ := r.uint8()
	flags, _ := r.uint8()
	codec, _ := r.uint8()
	version, _ := r.uint8()
	if version != RecordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, version)
	}
	rid, _ := r.uint64()

	payload := frame[HeaderSize:]
	if flags&flagCompressed != 0 {
		payload, err = decompress(payload, CompressionType(codec))
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
	}

	rec := &Record{
		Type:     RecordType(typ),
		RID:      rid,
		External: flags&flagExternal != 0,
	}

	pr := newFrameReader(payload)
	if rec.DequeueRID, err = pr.uvarint(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.XID, err = pr.bytes(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Data, err = pr.bytes(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return rec, nil
}

func compress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func decompress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return data, nil
	}
}
