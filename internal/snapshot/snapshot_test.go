package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/stratadb-labs/strata/internal/core"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{
		DatabaseID:    uuid.New(),
		CodecID:       IdentityCodec,
		ActiveSegment: 7,
		Watermark:     1234,
		SnapshotID:    3,
	}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatal(err)
	}
	back, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if back == nil || *back != m {
		t.Fatalf("manifest round trip: %+v vs %+v", back, m)
	}
}

func TestManifestMissing(t *testing.T) {
	m, err := ReadManifest(t.TempDir())
	if err != nil || m != nil {
		t.Fatalf("missing manifest = %+v, %v", m, err)
	}
}

func TestManifestCorruption(t *testing.T) {
	dir := t.TempDir()
	if err := WriteManifest(dir, Manifest{DatabaseID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, ManifestFileName)
	data, _ := os.ReadFile(path)
	data[10] ^= 0xff
	os.WriteFile(path, data, 0o644)

	_, err := ReadManifest(dir)
	if core.KindOf(err) != core.ErrCorruption {
		t.Fatalf("corrupt manifest returned %v, want Corruption", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), SnapshotDirName)
	meta := Meta{TimestampMicros: 42, WALFrontier: 99, CommittedTxnCount: 7}
	sections := []Section{
		{TypeID: SectionStore, Payload: []byte("store-bytes")},
		{TypeID: SectionVectorIDs, Payload: []byte{}},
	}
	if _, err := Write(dir, 1, meta, sections); err != nil {
		t.Fatal(err)
	}

	var got []Section
	back, err := Read(dir, 1, func(typeID uint8, payload []byte) error {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		got = append(got, Section{TypeID: typeID, Payload: cp})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if back != meta {
		t.Errorf("meta = %+v, want %+v", back, meta)
	}
	if len(got) != 2 || got[0].TypeID != SectionStore || string(got[0].Payload) != "store-bytes" {
		t.Errorf("sections = %+v", got)
	}
}

func TestSnapshotCorruption(t *testing.T) {
	dir := filepath.Join(t.TempDir(), SnapshotDirName)
	if _, err := Write(dir, 1, Meta{}, []Section{{TypeID: SectionStore, Payload: []byte("x")}}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, FileName(1))
	data, _ := os.ReadFile(path)
	data[len(data)-6] ^= 0xff
	os.WriteFile(path, data, 0o644)

	_, err := Read(dir, 1, func(uint8, []byte) error { return nil })
	if core.KindOf(err) != core.ErrCorruption {
		t.Fatalf("corrupt snapshot returned %v, want Corruption", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), SnapshotDirName)
	for id := uint64(1); id <= 5; id++ {
		if _, err := Write(dir, id, Meta{}, nil); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed %d, want 3", removed)
	}
	ids, _ := List(dir)
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 5 {
		t.Errorf("surviving snapshots = %v", ids)
	}
}
