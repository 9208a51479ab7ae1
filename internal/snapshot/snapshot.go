package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/stratadb-labs/strata/internal/core"
)

// ───────────────────────────────────────────────────────────────────────────
// Snapshot file layout (all little-endian)
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:10]  Magic             "STRATASNAP"
//   [10:14] FormatVersion     uint32
//   [14:22] TimestampMicros   uint64
//   [22:30] WALFrontier       uint64  (highest tx_id included)
//   [30:38] CommittedTxnCount uint64
//   [38]    SectionCount      uint8
//   [ per section: TypeID uint8 | Length uint64 | Payload ]*
//   [last 4] CRC32            uint32  (over all preceding bytes)

const (
	snapshotMagic   = "STRATASNAP"
	snapshotVersion = uint32(1)

	// SnapshotDirName is the subdirectory holding snapshot files.
	SnapshotDirName = "snapshots"
)

// Section type ids. Derived indexes are never in the snapshot; they are
// rebuilt after load.
const (
	SectionStore     = uint8(0x01)
	SectionVectorIDs = uint8(0x02)
)

// FileName renders the canonical snapshot file name.
func FileName(id uint64) string {
	return fmt.Sprintf("snapshot_%08d.chk", id)
}

// Section is one primitive's serialized payload.
type Section struct {
	TypeID  uint8
	Payload []byte
}

// Meta is the snapshot header.
type Meta struct {
	TimestampMicros   int64
	WALFrontier       uint64
	CommittedTxnCount uint64
}

// Write produces snapshot file id in dir atomically and returns its path.
func Write(dir string, id uint64, meta Meta, sections []Section) (string, error) {
	if len(sections) > 255 {
		return "", core.Internalf("too many snapshot sections: %d", len(sections))
	}
	size := 39 + 4
	for _, s := range sections {
		size += 9 + len(s.Payload)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, snapshotVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(meta.TimestampMicros))
	buf = binary.LittleEndian.AppendUint64(buf, meta.WALFrontier)
	buf = binary.LittleEndian.AppendUint64(buf, meta.CommittedTxnCount)
	buf = append(buf, uint8(len(sections)))
	for _, s := range sections {
		buf = append(buf, s.TypeID)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s.Payload)))
		buf = append(buf, s.Payload...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.StorageErr(errors.Wrap(err, "create snapshot dir"), dir)
	}
	path := filepath.Join(dir, FileName(id))
	if err := writeFileAtomic(path, buf); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads snapshot file id from dir, validating magic, version, and CRC,
// and feeds each section to onSection in file order.
func Read(dir string, id uint64, onSection func(typeID uint8, payload []byte) error) (Meta, error) {
	var meta Meta
	path := filepath.Join(dir, FileName(id))
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, core.StorageErr(errors.Wrap(err, "read snapshot"), path)
	}
	if len(data) < 43 {
		return meta, core.Corruption(nil, "short snapshot file")
	}
	if string(data[:10]) != snapshotMagic {
		return meta, core.Corruption(nil, "bad snapshot magic")
	}
	if binary.LittleEndian.Uint32(data[10:14]) != snapshotVersion {
		return meta, core.Corruption(nil, "unsupported snapshot version")
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return meta, core.Corruption(nil, "snapshot CRC mismatch")
	}
	meta.TimestampMicros = int64(binary.LittleEndian.Uint64(data[14:22]))
	meta.WALFrontier = binary.LittleEndian.Uint64(data[22:30])
	meta.CommittedTxnCount = binary.LittleEndian.Uint64(data[30:38])
	count := int(data[38])

	pos := 39
	for i := 0; i < count; i++ {
		if pos+9 > len(body) {
			return meta, core.Corruption(nil, "truncated snapshot section header")
		}
		typeID := body[pos]
		length := binary.LittleEndian.Uint64(body[pos+1 : pos+9])
		pos += 9
		if uint64(len(body)-pos) < length {
			return meta, core.Corruption(nil, "truncated snapshot section payload")
		}
		if err := onSection(typeID, body[pos:pos+int(length)]); err != nil {
			return meta, err
		}
		pos += int(length)
	}
	return meta, nil
}

// List returns the snapshot ids present in dir, ascending.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.StorageErr(errors.Wrap(err, "list snapshot dir"), dir)
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if n, _ := fmt.Sscanf(e.Name(), "snapshot_%d.chk", &id); n == 1 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Prune deletes snapshots older than the newest keep files. It is called
// only after a new snapshot is durably referenced by the manifest.
func Prune(dir string, keep int) (removed int, err error) {
	ids, err := List(dir)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	if len(ids) <= keep {
		return 0, nil
	}
	for _, id := range ids[:len(ids)-keep] {
		if rerr := os.Remove(filepath.Join(dir, FileName(id))); rerr != nil {
			return removed, core.StorageErr(errors.Wrap(rerr, "remove old snapshot"), FileName(id))
		}
		removed++
	}
	return removed, nil
}
