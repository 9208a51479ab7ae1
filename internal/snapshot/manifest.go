package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stratadb-labs/strata/internal/core"
)

// ───────────────────────────────────────────────────────────────────────────
// MANIFEST layout (all little-endian)
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:4]   Magic            "STRM"
//   [4]     FormatVersion    uint8
//   [5:21]  DatabaseUUID     16 bytes
//   [21:29] CodecID          uint64
//   [29:33] ActiveSegment    uint32
//   [33:41] Watermark        uint64  (WAL tx_id frontier of latest snapshot)
//   [41:49] SnapshotID       uint64  (0 = no snapshot yet)
//   [49:53] CRC32            uint32  (over bytes 0:49)

const (
	manifestMagic   = "STRM"
	manifestVersion = uint8(1)
	manifestSize    = 53

	// ManifestFileName is the fixed manifest file name in the database dir.
	ManifestFileName = "MANIFEST"

	// IdentityCodec is the only storage codec implemented; the field is a
	// hook for encryption/compression codecs.
	IdentityCodec = uint64(0)
)

// Manifest names the authoritative snapshot and WAL frontier.
type Manifest struct {
	DatabaseID    uuid.UUID
	CodecID       uint64
	ActiveSegment uint32
	Watermark     uint64
	SnapshotID    uint64
}

// WriteManifest atomically replaces the manifest in dir.
func WriteManifest(dir string, m Manifest) error {
	buf := make([]byte, 0, manifestSize)
	buf = append(buf, manifestMagic...)
	buf = append(buf, manifestVersion)
	buf = append(buf, m.DatabaseID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.CodecID)
	buf = binary.LittleEndian.AppendUint32(buf, m.ActiveSegment)
	buf = binary.LittleEndian.AppendUint64(buf, m.Watermark)
	buf = binary.LittleEndian.AppendUint64(buf, m.SnapshotID)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return writeFileAtomic(filepath.Join(dir, ManifestFileName), buf)
}

// ReadManifest loads and validates the manifest. A missing file returns
// (nil, nil): the caller decides whether an empty database is acceptable.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.StorageErr(errors.Wrap(err, "read manifest"), path)
	}
	if len(data) != manifestSize {
		return nil, core.Corruption(nil, "manifest size mismatch")
	}
	if string(data[:4]) != manifestMagic {
		return nil, core.Corruption(nil, "bad manifest magic")
	}
	if data[4] != manifestVersion {
		return nil, core.Corruption(nil, "unsupported manifest version")
	}
	want := binary.LittleEndian.Uint32(data[49:53])
	if crc32.ChecksumIEEE(data[:49]) != want {
		return nil, core.Corruption(nil, "manifest CRC mismatch")
	}
	var m Manifest
	copy(m.DatabaseID[:], data[5:21])
	m.CodecID = binary.LittleEndian.Uint64(data[21:29])
	m.ActiveSegment = binary.LittleEndian.Uint32(data[29:33])
	m.Watermark = binary.LittleEndian.Uint64(data[33:41])
	m.SnapshotID = binary.LittleEndian.Uint64(data[41:49])
	return &m, nil
}
