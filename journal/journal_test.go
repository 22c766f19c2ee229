// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = MinPageSize
	cfg.FileSize = MinPageSize
	cfg.NumFiles = MinFiles
	cfg.AutoExpand = false
	return cfg
}

func replayAll(t *testing.T, j *Journal) []*Record {
	t.Helper()
	var recs []*Record
	require.NoError(t, j.Replay(func(r *Record) error {
		recs = append(recs, r)
		return nil
	}))
	return recs
}

func TestJournal_AppendReplayReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, "q1", DefaultConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 1, Data: []byte("m1")}))
	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 2, XID: []byte("tx"), Data: []byte("m2")}))
	require.NoError(t, j.Append(&Record{Type: RecordDequeue, RID: 3, DequeueRID: 1}))
	require.NoError(t, j.Append(&Record{Type: RecordTxnCommit, RID: 4, XID: []byte("tx")}))
	require.NoError(t, j.Close())

	j, err = Open(dir, "q1", DefaultConfig(), nil)
	require.NoError(t, err)
	defer j.Close()

	recs := replayAll(t, j)
	require.Len(t, recs, 4)
	assert.Equal(t, RecordEnqueue, recs[0].Type)
	assert.Equal(t, []byte("m1"), recs[0].Data)
	assert.True(t, recs[1].Transactional())
	assert.Equal(t, uint64(1), recs[2].DequeueRID)
	assert.Equal(t, RecordTxnCommit, recs[3].Type)
	assert.Equal(t, 2, j.Info().Live)
}

func TestJournal_Compression(t *testing.T) {
	for _, ct := range []CompressionType{CompressionS2, CompressionZstd} {
		t.Run(ct.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = ct
			j, err := Open(t.TempDir(), "q", cfg, nil)
			require.NoError(t, err)
			defer j.Close()

			data := bytes.Repeat([]byte("payload-"), 512)
			require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 7, Data: data}))

			rec, err := j.Read(7)
			require.NoError(t, err)
			assert.Equal(t, data, rec.Data)
			assert.Less(t, j.Info().Size, int64(len(data)))
		})
	}
}

func TestJournal_Flush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncInterval = time.Hour
	j, err := Open(t.TempDir(), "q", cfg, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 1}))
	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 2}))
	assert.Equal(t, 2, j.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.Flush(ctx))
	assert.Equal(t, 0, j.Outstanding())
}

func TestJournal_StoreFull(t *testing.T) {
	j, err := Open(t.TempDir(), "q", smallConfig(), nil)
	require.NoError(t, err)
	defer j.Close()

	data := make([]byte, 1000)
	var rid uint64
	for {
		rid++
		err = j.Append(&Record{Type: RecordEnqueue, RID: rid, Data: data})
		if err != nil {
			break
		}
		require.Less(t, rid, uint64(100))
	}
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.Equal(t, MinFiles, j.Info().Files)

	// Releasing the first file's records makes room again.
	for r := uint64(1); r < rid; r++ {
		j.Release(r)
	}
	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: rid, Data: data}))
	assert.Less(t, j.Info().Files, MinFiles+1)
}

func TestJournal_AutoExpand(t *testing.T) {
	cfg := smallConfig()
	cfg.AutoExpand = true
	cfg.MaxFiles = 6
	j, err := Open(t.TempDir(), "q", cfg, nil)
	require.NoError(t, err)
	defer j.Close()

	data := make([]byte, 1000)
	var rid uint64
	for ; rid < 100; rid++ {
		if err = j.Append(&Record{Type: RecordEnqueue, RID: rid + 1, Data: data}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.Equal(t, 6, j.Info().Files)
}

func TestJournal_RecordTooLarge(t *testing.T) {
	j, err := Open(t.TempDir(), "q", smallConfig(), nil)
	require.NoError(t, err)
	defer j.Close()

	err = j.Append(&Record{Type: RecordEnqueue, RID: 1, Data: make([]byte, 2*MinPageSize)})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestJournal_TornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "q", DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 1, Data: []byte("a")}))
	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 2, Data: []byte("b")}))
	require.NoError(t, j.Close())

	path := filepath.Join(dir, FormatFileName(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	j, err = Open(dir, "q", DefaultConfig(), nil)
	require.NoError(t, err)
	defer j.Close()

	recs := replayAll(t, j)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].RID)

	require.NoError(t, j.Append(&Record{Type: RecordEnqueue, RID: 3}))
	assert.Len(t, replayAll(t, j), 2)
}

func TestJournal_DeleteIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	j, err := Open(dir, "q", DefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, Exists(dir))

	require.NoError(t, j.Delete())
	require.NoError(t, j.Delete())
	assert.False(t, Exists(dir))

	assert.ErrorIs(t, j.Append(&Record{Type: RecordEnqueue, RID: 1}), ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "page not power of two", modify: func(c *Config) { c.PageSize = 12 * 1024 }, wantErr: true},
		{name: "page too large", modify: func(c *Config) { c.PageSize = 256 * 1024 }, wantErr: true},
		{name: "file not page multiple", modify: func(c *Config) { c.FileSize = DefaultPageSize + 1 }, wantErr: true},
		{name: "too few files", modify: func(c *Config) { c.NumFiles = 2 }, wantErr: true},
		{name: "max below count", modify: func(c *Config) { c.MaxFiles = 4 }, wantErr: true},
		{name: "expansion disabled ignores max", modify: func(c *Config) { c.AutoExpand = false; c.MaxFiles = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
