package internal

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWriteAndGet(t *testing.T) {
	ctx := context.Background()
	entries := []KV{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	}

	data, err := WriteTable(entries, DefaultWriteOptions())
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	tbl, err := OpenTable(ctx, data)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	for _, kv := range entries {
		got, ok, err := tbl.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get(%s): %v", kv.Key, err)
		}
		if !ok || string(got) != string(kv.Value) {
			t.Fatalf("Get(%s) = %q, %v", kv.Key, got, ok)
		}
	}

	if _, ok, err := tbl.Get([]byte("zz")); err != nil || ok {
		t.Fatalf("Get(zz) = %v, %v; want miss", ok, err)
	}
}

func TestScanOrder(t *testing.T) {
	ctx := context.Background()
	var entries []KV
	for i := 9; i >= 0; i-- {
		entries = append(entries, KV{Key: []byte(fmt.Sprintf("k%02d", i)), Value: []byte{byte(i)}})
	}
	data, err := WriteTable(entries, WriteOptions{Compression: "none"})
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	tbl, err := OpenTable(ctx, data)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	var keys []string
	if err := tbl.Scan(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 10 || keys[0] != "k00" || keys[9] != "k09" {
		t.Fatalf("unexpected scan order %v", keys)
	}
}

func TestWriteTableRejectsDuplicatesAndEmpty(t *testing.T) {
	if _, err := WriteTable(nil, DefaultWriteOptions()); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("expected ErrEmptyTable, got %v", err)
	}
	_, err := WriteTable([]KV{{Key: []byte("a")}, {Key: []byte("a")}}, DefaultWriteOptions())
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestOpenTableCorrupt(t *testing.T) {
	if _, err := OpenTable(context.Background(), []byte("definitely not an sstable")); err == nil {
		t.Fatal("expected error opening garbage")
	}
}

func TestGetAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	var entries []KV
	for i := 0; i < 5000; i += 2 {
		entries = append(entries, KV{
			Key:   []byte(fmt.Sprintf("asset/%05d", i)),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		})
	}
	data, err := WriteTable(entries, DefaultWriteOptions())
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	tbl, err := OpenTable(ctx, data)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tbl.Close()

	got, ok, err := tbl.Get([]byte("asset/04998"))
	if err != nil || !ok || string(got) != "value-4998" {
		t.Fatalf("Get(last) = %q, %v, %v", got, ok, err)
	}
	got, ok, err = tbl.Get([]byte("asset/02500"))
	if err != nil || !ok || string(got) != "value-2500" {
		t.Fatalf("Get(middle) = %q, %v, %v", got, ok, err)
	}
	// Odd keys fall between stored keys.
	if _, ok, err := tbl.Get([]byte("asset/02501")); err != nil || ok {
		t.Fatalf("Get(gap) = %v, %v; want miss", ok, err)
	}
	if _, ok, err := tbl.Get([]byte("aaa")); err != nil || ok {
		t.Fatalf("Get(before first) = %v, %v; want miss", ok, err)
	}
}
