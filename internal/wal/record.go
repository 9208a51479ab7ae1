// Package wal implements the segmented write-ahead log.
//
// What: Durable, ordered, CRC-framed records of committed transactions in
// `wal_<n>.seg` files. The package is payload-agnostic: entry payloads are
// opaque bytes owned by the engine's primitive codecs.
// How: Each segment starts with a fixed header (magic, format version,
// segment number, creation time, database UUID). Records follow back to
// back. The writer holds one latch across a whole commit group so a commit
// is contiguous in the log; durability is strict (fsync per commit) or
// buffered (background flusher). The reader validates CRCs, truncates a torn
// tail in the active segment, and treats damage in closed segments as
// corruption.
// Why: Framed, self-validating records are what make recovery deterministic
// and torn tails detectable.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/stratadb-labs/strata/internal/core"
)

// ───────────────────────────────────────────────────────────────────────────
// Segment and record layout
// ───────────────────────────────────────────────────────────────────────────
//
// Segment header (33 bytes):
//   [0:4]   Magic          "STRA"
//   [4]     FormatVersion  uint8 (currently 1)
//   [5:9]   SegmentNumber  uint32 LE
//   [9:17]  CreatedMicros  uint64 LE
//   [17:33] DatabaseUUID   16 bytes
//
// Record (variable length):
//   [0:4]   Length     uint32 LE — bytes after this field (type..crc)
//   [4]     EntryType  uint8
//   [5]     Version    uint8     — per-entry-type payload format version
//   [6:14]  TxID       uint64 LE
//   [14:14+n] Payload
//   [..+4]  CRC32      uint32 LE — over Length..Payload (all prior bytes)

const (
	Magic         = "STRA"
	FormatVersion = uint8(1)
	HeaderSize    = 33

	recordOverhead = 1 + 1 + 8 + 4 // type + version + txid + crc
)

// EntryType identifies a WAL record's meaning. The registry is closed
// (0x00–0x7F) with ranges reserved per primitive.
type EntryType uint8

const (
	EntryBeginTxn  EntryType = 0x01
	EntryCommitTxn EntryType = 0x02
	// EntryAbortTxn is reserved for audit logging; the engine never writes
	// it. Recovery drops the buffered records of a transaction that has one.
	EntryAbortTxn EntryType = 0x03

	EntryKVPut    EntryType = 0x10
	EntryKVDelete EntryType = 0x11

	EntryEventAppend EntryType = 0x20

	EntryStateInit   EntryType = 0x30
	EntryStateSet    EntryType = 0x31
	EntryStateCAS    EntryType = 0x32
	EntryStateDelete EntryType = 0x33

	EntryJSONCreate  EntryType = 0x40
	EntryJSONSet     EntryType = 0x41
	EntryJSONDelete  EntryType = 0x42
	EntryJSONDestroy EntryType = 0x43

	EntryVectorCollectionCreate EntryType = 0x50
	EntryVectorCollectionDelete EntryType = 0x51
	EntryVectorUpsert           EntryType = 0x52
	EntryVectorDelete           EntryType = 0x53

	EntryRunCreate EntryType = 0x60
	EntryRunUpdate EntryType = 0x61
	EntryRunDelete EntryType = 0x62
)

func (t EntryType) String() string {
	switch t {
	case EntryBeginTxn:
		return "BEGIN"
	case EntryCommitTxn:
		return "COMMIT"
	case EntryAbortTxn:
		return "ABORT"
	case EntryKVPut:
		return "KV_PUT"
	case EntryKVDelete:
		return "KV_DELETE"
	case EntryEventAppend:
		return "EVENT_APPEND"
	case EntryStateInit:
		return "STATE_INIT"
	case EntryStateSet:
		return "STATE_SET"
	case EntryStateCAS:
		return "STATE_CAS"
	case EntryStateDelete:
		return "STATE_DELETE"
	case EntryJSONCreate:
		return "JSON_CREATE"
	case EntryJSONSet:
		return "JSON_SET"
	case EntryJSONDelete:
		return "JSON_DELETE"
	case EntryJSONDestroy:
		return "JSON_DESTROY"
	case EntryVectorCollectionCreate:
		return "VEC_COLLECTION_CREATE"
	case EntryVectorCollectionDelete:
		return "VEC_COLLECTION_DELETE"
	case EntryVectorUpsert:
		return "VEC_UPSERT"
	case EntryVectorDelete:
		return "VEC_DELETE"
	case EntryRunCreate:
		return "RUN_CREATE"
	case EntryRunUpdate:
		return "RUN_UPDATE"
	case EntryRunDelete:
		return "RUN_DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Record is one framed WAL entry.
type Record struct {
	Type    EntryType
	Version uint8
	TxID    uint64
	Payload []byte
}

// EncodedSize returns the on-disk size of the record including the length
// field.
func (r Record) EncodedSize() int {
	return 4 + recordOverhead + len(r.Payload)
}

// AppendRecord appends the framed record to dst.
func AppendRecord(dst []byte, r Record) []byte {
	length := uint32(recordOverhead + len(r.Payload))
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, length)
	dst = append(dst, byte(r.Type), r.Version)
	dst = binary.LittleEndian.AppendUint64(dst, r.TxID)
	dst = append(dst, r.Payload...)
	crc := crc32.ChecksumIEEE(dst[start:])
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// decodeRecord parses one record at the start of b. It returns the record,
// the total bytes consumed, and an error for truncation or CRC mismatch.
func decodeRecord(b []byte) (Record, int, error) {
	if len(b) < 4 {
		return Record{}, 0, errShortRecord
	}
	length := binary.LittleEndian.Uint32(b[:4])
	if length < recordOverhead {
		return Record{}, 0, errBadFrame
	}
	total := 4 + int(length)
	if len(b) < total {
		return Record{}, 0, errShortRecord
	}
	body := b[:total]
	want := binary.LittleEndian.Uint32(body[total-4:])
	if crc32.ChecksumIEEE(body[:total-4]) != want {
		return Record{}, 0, errBadCRC
	}
	r := Record{
		Type:    EntryType(body[4]),
		Version: body[5],
		TxID:    binary.LittleEndian.Uint64(body[6:14]),
	}
	payload := body[14 : total-4]
	r.Payload = make([]byte, len(payload))
	copy(r.Payload, payload)
	return r, total, nil
}

var (
	errShortRecord = core.SerializationErr(nil, "truncated WAL record")
	errBadFrame    = core.SerializationErr(nil, "invalid WAL frame length")
	errBadCRC      = core.SerializationErr(nil, "WAL record CRC mismatch")
)
