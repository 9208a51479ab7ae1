package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/core"
)

// SegmentInfo describes one segment file found on disk.
type SegmentInfo struct {
	Number uint32
	Path   string
}

// ListSegments returns the segment files in dir in ascending order. A
// missing directory is an empty log.
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.StorageErr(errors.Wrap(err, "list wal dir"), dir)
	}
	var segs []SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, SegmentInfo{Number: n, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Number < segs[j].Number })
	return segs, nil
}

func parseSegmentName(name string) (uint32, bool) {
	if len(name) != len("wal_00000000.seg") || name[:4] != "wal_" || name[len(name)-4:] != ".seg" {
		return 0, false
	}
	var v uint32
	for _, c := range name[4 : len(name)-4] {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
	}
	return v, true
}

// SegmentDBID reads the database UUID from a segment header. Used to adopt
// an identity when the manifest is missing but a log survives.
func SegmentDBID(path string) (uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, core.StorageErr(errors.Wrap(err, "open wal segment"), path)
	}
	defer f.Close()
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return uuid.Nil, core.Corruption(err, "short wal segment header")
	}
	if string(hdr[:4]) != Magic {
		return uuid.Nil, core.Corruption(nil, "bad wal magic")
	}
	var id uuid.UUID
	copy(id[:], hdr[17:33])
	return id, nil
}

// ReadResult summarizes a full log scan.
type ReadResult struct {
	// MaxSegment is the highest segment number seen (0 when the log is
	// empty).
	MaxSegment uint32

	// Records is the total record count delivered.
	Records int

	// TailTruncated reports whether a torn tail was cut from the active
	// segment.
	TailTruncated bool
}

// ReadAll iterates every record of every segment in order, validating
// headers and CRCs. A CRC failure or truncated frame in the final (active)
// segment is treated as a torn tail: the file is truncated back to the last
// valid record. The same damage in a closed segment halts recovery with
// Corruption.
func ReadAll(dir string, dbID uuid.UUID, log *zap.Logger, onRecord func(seg uint32, r Record) error) (ReadResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var res ReadResult
	segs, err := ListSegments(dir)
	if err != nil {
		return res, err
	}
	for i, seg := range segs {
		isTail := i == len(segs)-1
		if seg.Number > res.MaxSegment {
			res.MaxSegment = seg.Number
		}
		data, err := os.ReadFile(seg.Path)
		if err != nil {
			return res, core.StorageErr(errors.Wrap(err, "read wal segment"), seg.Path)
		}
		if err := validateHeader(data, seg.Number, dbID); err != nil {
			return res, err
		}
		pos := HeaderSize
		for pos < len(data) {
			rec, used, derr := decodeRecord(data[pos:])
			if derr != nil {
				if isTail {
					// Torn tail: drop everything from the first bad frame.
					if terr := os.Truncate(seg.Path, int64(pos)); terr != nil {
						return res, core.StorageErr(errors.Wrap(terr, "truncate torn wal tail"), seg.Path)
					}
					res.TailTruncated = true
					log.Warn("truncated torn wal tail",
						zap.Uint32("segment", seg.Number),
						zap.Int("offset", pos))
					return res, nil
				}
				return res, core.Corruption(derr, seg.Path)
			}
			if err := onRecord(seg.Number, rec); err != nil {
				return res, err
			}
			res.Records++
			pos += used
		}
	}
	return res, nil
}

func validateHeader(data []byte, segNum uint32, dbID uuid.UUID) error {
	if len(data) < HeaderSize {
		return core.Corruption(nil, "short wal segment header")
	}
	if string(data[:4]) != Magic {
		return core.Corruption(nil, "bad wal magic")
	}
	if data[4] != FormatVersion {
		return core.Corruption(nil, "unsupported wal format version")
	}
	if binary.LittleEndian.Uint32(data[5:9]) != segNum {
		return core.Corruption(nil, "segment number mismatch")
	}
	if dbID != uuid.Nil {
		var got uuid.UUID
		copy(got[:], data[17:33])
		if got != dbID {
			return core.Corruption(nil, "wal segment belongs to another database")
		}
	}
	return nil
}

// SegmentMaxTxID scans one segment and reports the highest transaction id it
// contains. Compaction uses this to decide whether a closed segment is fully
// below the snapshot watermark.
func SegmentMaxTxID(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, core.StorageErr(errors.Wrap(err, "read wal segment"), path)
	}
	if len(data) < HeaderSize {
		return 0, core.Corruption(nil, "short wal segment header")
	}
	var max uint64
	pos := HeaderSize
	for pos < len(data) {
		rec, used, derr := decodeRecord(data[pos:])
		if derr != nil {
			return 0, core.Corruption(derr, path)
		}
		if rec.TxID > max {
			max = rec.TxID
		}
		pos += used
	}
	return max, nil
}
