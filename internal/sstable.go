// Package internal holds the sstable plumbing shared by bundle containers and
// the pack table. Both are immutable sorted key/value files written once at
// content build time and read by point lookup or full scan on the client.
package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/objstorage"
	"github.com/cockroachdb/pebble/v2/sstable"
)

var ErrEmptyTable = errors.New("table has no entries")

// KV is one table entry.
type KV struct {
	Key   []byte
	Value []byte
}

// WriteOptions configures table encoding.
type WriteOptions struct {
	BlockSize   int
	Compression string
}

func DefaultWriteOptions() WriteOptions {
	return WriteOptions{
		BlockSize:   16 * 1024,
		Compression: "snappy",
	}
}

// WriteTable encodes entries as an sstable. Entries are sorted by key first;
// duplicate keys are rejected.
func WriteTable(entries []KV, opts WriteOptions) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTable
	}
	sorted := make([]KV, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].Key, sorted[i].Key) {
			return nil, fmt.Errorf("duplicate key %q", sorted[i].Key)
		}
	}

	buf := new(bytes.Buffer)
	writable := &bufferWritable{w: buf}
	wo := sstable.WriterOptions{
		BlockSize:   opts.BlockSize,
		Compression: CompressionFromString(opts.Compression),
	}
	w := sstable.NewWriter(writable, wo)

	for _, kv := range sorted {
		ikey := pebble.MakeInternalKey(kv.Key, pebble.SeqNum(0), pebble.InternalKeyKindSet)
		if err := w.Raw().Add(ikey, kv.Value, false); err != nil {
			writable.Abort()
			_ = w.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Table is an open read-only sstable over an in-memory or memory-mapped
// byte slice. The slice must outlive the table.
type Table struct {
	reader *sstable.Reader
}

func OpenTable(ctx context.Context, data []byte) (*Table, error) {
	r, err := sstable.NewReader(ctx, newReadable(data), sstable.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	return &Table{reader: r}, nil
}

// Get returns a copy of the value stored under key.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	iter, err := t.reader.NewIter(sstable.NoTransforms, nil, nil, sstable.AssertNoBlobHandles)
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	// 0 is SeekGEFlagsNone; the flags type lives in pebble's internal package.
	kv := iter.SeekGE(key, 0)
	if kv == nil {
		return nil, false, iter.Error()
	}
	if !bytes.Equal(kv.K.UserKey, key) {
		return nil, false, nil
	}
	raw, _, err := kv.V.Value(nil)
	if err != nil {
		return nil, false, err
	}
	return append([]byte(nil), raw...), true, nil
}

// Scan calls fn for each entry in key order. Key and value are copies.
func (t *Table) Scan(fn func(key, value []byte) error) error {
	iter, err := t.reader.NewIter(sstable.NoTransforms, nil, nil, sstable.AssertNoBlobHandles)
	if err != nil {
		return err
	}
	defer iter.Close()

	for kv := iter.First(); kv != nil; kv = iter.Next() {
		raw, _, err := kv.V.Value(nil)
		if err != nil {
			return err
		}
		key := append([]byte(nil), kv.K.UserKey...)
		if err := fn(key, append([]byte(nil), raw...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (t *Table) Close() error {
	return t.reader.Close()
}

func CompressionFromString(name string) *sstable.CompressionProfile {
	switch strings.ToLower(name) {
	case "none", "no":
		return sstable.NoCompression
	case "zstd":
		return sstable.ZstdCompression
	case "snappy", "":
		return sstable.SnappyCompression
	default:
		return sstable.SnappyCompression
	}
}

type bufferWritable struct {
	w       io.Writer
	aborted bool
}

func (b *bufferWritable) Write(p []byte) error {
	if b.aborted {
		return errors.New("write after abort")
	}
	n, err := b.w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

func (b *bufferWritable) Finish() error {
	if b.aborted {
		return errors.New("finish after abort")
	}
	return nil
}

func (b *bufferWritable) Abort() { b.aborted = true }

type readable struct {
	data []byte
	r    *bytes.Reader
	rh   objstorage.NoopReadHandle
}

func newReadable(data []byte) *readable {
	m := &readable{
		data: data,
		r:    bytes.NewReader(data),
	}
	m.rh = objstorage.MakeNoopReadHandle(m)
	return m
}

func (m *readable) ReadAt(_ context.Context, p []byte, off int64) error {
	n, err := m.r.ReadAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (*readable) Close() error {
	return nil
}

func (m *readable) Size() int64 {
	return int64(len(m.data))
}

func (m *readable) NewReadHandle(_ objstorage.ReadBeforeSize) objstorage.ReadHandle {
	return &m.rh
}
