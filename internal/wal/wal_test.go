package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb-labs/strata/internal/core"
)

func openTestWriter(t *testing.T, dir string, strict bool, rotateBytes int64) (*Writer, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	w, err := OpenWriter(WriterConfig{
		Dir:           dir,
		DatabaseID:    id,
		StartSegment:  1,
		RotateBytes:   rotateBytes,
		Strict:        strict,
		FlushInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w, id
}

func rec(typ EntryType, tx uint64, payload string) Record {
	return Record{Type: typ, Version: 1, TxID: tx, Payload: []byte(payload)}
}

func readAllRecords(t *testing.T, dir string, id uuid.UUID) []Record {
	t.Helper()
	var out []Record
	_, err := ReadAll(dir, id, nil, func(_ uint32, r Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAppendAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, id := openTestWriter(t, dir, true, 1<<20)

	group := []Record{
		rec(EntryBeginTxn, 1, "b"),
		rec(EntryKVPut, 1, "payload-1"),
		rec(EntryCommitTxn, 1, "c"),
	}
	if _, err := w.Append(group); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got := readAllRecords(t, dir, id)
	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	for i := range group {
		if got[i].Type != group[i].Type || got[i].TxID != group[i].TxID || string(got[i].Payload) != string(group[i].Payload) {
			t.Errorf("record %d mismatch: %+v vs %+v", i, got[i], group[i])
		}
	}
}

func TestRotation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, id := openTestWriter(t, dir, true, 128)
	for tx := uint64(1); tx <= 20; tx++ {
		if _, err := w.Append([]Record{rec(EntryKVPut, tx, "0123456789abcdef0123456789abcdef")}); err != nil {
			t.Fatal(err)
		}
	}
	if w.ActiveSegment() < 2 {
		t.Fatalf("no rotation happened, active segment %d", w.ActiveSegment())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segs))
	}
	if got := readAllRecords(t, dir, id); len(got) != 20 {
		t.Fatalf("read %d records across segments, want 20", len(got))
	}
}

func TestTornTailTruncated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, id := openTestWriter(t, dir, true, 1<<20)
	if _, err := w.Append([]Record{rec(EntryKVPut, 1, "good")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write: garbage at the tail of the active segment.
	path := filepath.Join(dir, SegmentFileName(1))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xde, 0xad, 0xbe}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res, err := ReadAll(dir, id, nil, func(_ uint32, r Record) error { return nil })
	if err != nil {
		t.Fatalf("torn tail should truncate, not fail: %v", err)
	}
	if !res.TailTruncated {
		t.Error("torn tail not reported")
	}
	if res.Records != 1 {
		t.Errorf("read %d records, want 1", res.Records)
	}

	// After truncation a second read is clean.
	res2, err := ReadAll(dir, id, nil, func(_ uint32, r Record) error { return nil })
	if err != nil || res2.TailTruncated {
		t.Errorf("second read after truncation: %v truncated=%v", err, res2.TailTruncated)
	}
}

func TestCorruptClosedSegmentIsFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, id := openTestWriter(t, dir, true, 64)
	// Small rotate threshold: first append rotates segment 1 closed.
	for tx := uint64(1); tx <= 3; tx++ {
		if _, err := w.Append([]Record{rec(EntryKVPut, tx, "0123456789abcdef0123456789abcdef")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	segs, _ := ListSegments(dir)
	if len(segs) < 2 {
		t.Skip("rotation did not produce a closed segment")
	}

	// Flip a byte inside the first (closed) segment's record area.
	data, err := os.ReadFile(segs[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	data[HeaderSize+6] ^= 0xff
	if err := os.WriteFile(segs[0].Path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = ReadAll(dir, id, nil, func(_ uint32, r Record) error { return nil })
	if core.KindOf(err) != core.ErrCorruption {
		t.Fatalf("corrupt closed segment returned %v, want Corruption", err)
	}
}

func TestForeignDatabaseRejected(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, _ := openTestWriter(t, dir, true, 1<<20)
	if _, err := w.Append([]Record{rec(EntryKVPut, 1, "x")}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	_, err := ReadAll(dir, uuid.New(), nil, func(_ uint32, r Record) error { return nil })
	if core.KindOf(err) != core.ErrCorruption {
		t.Fatalf("foreign uuid returned %v, want Corruption", err)
	}
}

func TestSegmentMaxTxID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, _ := openTestWriter(t, dir, true, 1<<20)
	for _, tx := range []uint64{3, 7, 5} {
		if _, err := w.Append([]Record{rec(EntryKVPut, tx, "x")}); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()
	max, err := SegmentMaxTxID(filepath.Join(dir, SegmentFileName(1)))
	if err != nil {
		t.Fatal(err)
	}
	if max != 7 {
		t.Errorf("max tx id = %d, want 7", max)
	}
}

func TestBufferedFlush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, id := openTestWriter(t, dir, false, 1<<20)
	if _, err := w.Append([]Record{rec(EntryKVPut, 1, "buffered")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := readAllRecords(t, dir, id); len(got) != 1 {
		t.Fatalf("synced record not on disk: %d", len(got))
	}
	w.Close()
}
