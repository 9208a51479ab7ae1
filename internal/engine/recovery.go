package engine

import (
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/encoding"
	"github.com/stratadb-labs/strata/internal/snapshot"
	"github.com/stratadb-labs/strata/internal/store"
	"github.com/stratadb-labs/strata/internal/vector"
	"github.com/stratadb-labs/strata/internal/wal"
)

// RecoveryResult summarizes what recovery reconstructed.
type RecoveryResult struct {
	MaxSegment      uint32
	Records         int
	ReplayedCommits int
	TailTruncated   bool
	SnapshotLoaded  bool
}

// recover rebuilds state from manifest + snapshot + WAL. It is
// deterministic and idempotent: records already reflected in the store are
// skipped, so running it twice converges. Committed transactions replay in
// WAL order with the exact versions the WAL recorded; buffered records whose
// CommitTxn never arrives are dropped.
func (e *Engine) recover() (RecoveryResult, error) {
	var res RecoveryResult

	man, merr := snapshot.ReadManifest(e.dir)
	snapDir := filepath.Join(e.dir, snapshot.SnapshotDirName)
	if merr != nil {
		// A corrupt manifest is fatal when snapshots exist: the database is
		// not empty and there is no authoritative frontier. A fresh
		// directory starts empty.
		if ids, _ := snapshot.List(snapDir); len(ids) > 0 {
			return res, merr
		}
		e.log.Warn("manifest unreadable, starting empty", zap.Error(merr))
		man = nil
	}

	var watermark uint64
	var vectorAllocSection []byte
	if man != nil {
		e.dbID = man.DatabaseID
		e.snapshotID = man.SnapshotID
		e.watermark = man.Watermark
		watermark = man.Watermark
		if man.SnapshotID > 0 {
			meta, err := snapshot.Read(snapDir, man.SnapshotID, func(typeID uint8, payload []byte) error {
				switch typeID {
				case snapshot.SectionStore:
					return e.loadStoreSection(payload)
				case snapshot.SectionVectorIDs:
					vectorAllocSection = append([]byte(nil), payload...)
					return nil
				default:
					// Unknown sections from newer writers are skipped.
					return nil
				}
			})
			if err != nil {
				return res, err
			}
			e.committedCount.Store(meta.CommittedTxnCount)
			watermark = meta.WALFrontier
			res.SnapshotLoaded = true
		}
	} else {
		// No manifest. Adopt the identity of a surviving log if any, so a
		// crash between WAL creation and the first manifest write does not
		// orphan the segments.
		e.dbID = uuid.New()
		if segs, _ := wal.ListSegments(filepath.Join(e.dir, "wal")); len(segs) > 0 {
			if id, err := wal.SegmentDBID(segs[0].Path); err == nil && id != uuid.Nil {
				e.dbID = id
			}
		}
	}

	// Replay the WAL above the watermark, buffering per transaction and
	// applying on CommitTxn. Validation is never re-run.
	type txBuffer struct {
		branch   core.BranchID
		tsMicros int64
		records  []wal.Record
	}
	buffers := make(map[uint64]*txBuffer)
	var maxTxID uint64

	walDir := filepath.Join(e.dir, "wal")
	readRes, err := wal.ReadAll(walDir, e.dbID, e.log, func(_ uint32, rec wal.Record) error {
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.TxID <= watermark {
			return nil
		}
		switch rec.Type {
		case wal.EntryBeginTxn:
			p, err := decodeBegin(rec.Payload)
			if err != nil {
				return err
			}
			buffers[rec.TxID] = &txBuffer{branch: p.branch, tsMicros: p.tsMicros}
		case wal.EntryCommitTxn:
			buf, ok := buffers[rec.TxID]
			if !ok {
				return nil
			}
			p, err := decodeCommit(rec.Payload)
			if err != nil {
				return err
			}
			for _, r := range buf.records {
				o, err := decodeOp(buf.branch, r.Type, r.Payload)
				if err != nil {
					return err
				}
				if err := e.applyOp(buf.branch, o, p.commitVersion, buf.tsMicros, true); err != nil {
					return err
				}
			}
			delete(buffers, rec.TxID)
			e.committedCount.Add(1)
			if rec.TxID > e.maxCommittedTxn.Load() {
				e.maxCommittedTxn.Store(rec.TxID)
			}
			res.ReplayedCommits++
		case wal.EntryAbortTxn:
			delete(buffers, rec.TxID)
		default:
			if buf, ok := buffers[rec.TxID]; ok {
				buf.records = append(buf.records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.MaxSegment = readRes.MaxSegment
	res.Records = readRes.Records
	res.TailTruncated = readRes.TailTruncated

	// Incomplete transactions (BeginTxn without CommitTxn) vanish here.
	if n := len(buffers); n > 0 {
		e.log.Info("discarded incomplete transactions", zap.Int("count", n))
	}

	// Advance every allocator past the recovered maxima.
	maxStamp, _ := e.store.MaxStampAndVersions()
	e.versionCounter.Store(maxStamp)
	if maxTxID > e.txnCounter.Load() {
		e.txnCounter.Store(maxTxID)
	}
	if watermark > e.txnCounter.Load() {
		e.txnCounter.Store(watermark)
	}

	// Rebuild derived state (event heads, vector collections) from primary
	// data, then overlay the snapshotted allocator state.
	e.rebuildDerived()
	if vectorAllocSection != nil {
		err := e.vectors.RestoreAllocators(vectorAllocSection, func(regKey string) (vector.Config, bool) {
			if len(regKey) <= core.NamespaceSize {
				return vector.Config{}, false
			}
			var k core.Key
			copy(k.NS[:], regKey[:core.NamespaceSize])
			k.Tag = core.TagVectorConfig
			k.User = []byte(regKey[core.NamespaceSize:])
			ent, ok := e.store.Get(k, nowMicros())
			if !ok {
				return vector.Config{}, false
			}
			cfg, ok := decodeVectorConfig(ent.Value)
			return cfg, ok
		})
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// rebuildDerived scans recovered primary data and reconstructs the derived
// in-memory structures: event stream heads and vector collections with
// their index backends.
func (e *Engine) rebuildDerived() {
	type headInfo struct {
		nextSeq  uint64
		prevHash uint64
	}
	heads := make(map[string]headInfo)

	e.store.RangeHeadsAsOf(^uint64(0), func(k core.Key, ent store.Entry) bool {
		if ent.Tombstone {
			return true
		}
		switch k.Tag {
		case core.TagEvent:
			sep := -1
			for i := len(k.User) - 9; i >= 0; i-- {
				if k.User[i] == 0 {
					sep = i
					break
				}
			}
			if sep < 0 {
				return true
			}
			seq, ok := core.BigEndianAt(k.User, sep+1)
			if !ok {
				return true
			}
			streamKey := string(k.NS[:]) + string(k.User[:sep])
			if h, exists := heads[streamKey]; !exists || seq+1 > h.nextSeq {
				hash := uint64(0)
				if hv, ok := ent.Value.MapGet("hash"); ok {
					if i, ok := hv.AsInt(); ok {
						hash = uint64(i)
					}
				}
				heads[streamKey] = headInfo{nextSeq: seq + 1, prevHash: hash}
			}
		case core.TagVectorConfig:
			if cfg, ok := decodeVectorConfig(ent.Value); ok {
				e.vectors.CreateRaw(vector.RawKey(k.NS, string(k.User)), cfg)
			}
		}
		return true
	})

	// Second pass binds vectors after every collection exists.
	e.store.RangeHeadsAsOf(^uint64(0), func(k core.Key, ent store.Entry) bool {
		if ent.Tombstone || k.Tag != core.TagVector {
			return true
		}
		sep := -1
		for i, c := range k.User {
			if c == 0 {
				sep = i
				break
			}
		}
		if sep < 0 {
			return true
		}
		col := e.vectors.GetRaw(vector.RawKey(k.NS, string(k.User[:sep])))
		if col == nil {
			return true
		}
		id, emb, ok := decodeVectorValue(ent.Value)
		if !ok {
			return true
		}
		col.ApplyUpsert(string(k.User[sep+1:]), id, emb)
		return true
	})

	e.auxMu.Lock()
	for k, h := range heads {
		e.eventHeads[k] = &eventHead{nextSeq: h.nextSeq, prevHash: h.prevHash}
	}
	e.auxMu.Unlock()
}

func decodeVectorConfig(v core.Value) (vector.Config, bool) {
	dv, ok := v.MapGet("dimension")
	if !ok {
		return vector.Config{}, false
	}
	dim, ok := dv.AsInt()
	if !ok {
		return vector.Config{}, false
	}
	mv, ok := v.MapGet("metric")
	if !ok {
		return vector.Config{}, false
	}
	ms, ok := mv.AsString()
	if !ok {
		return vector.Config{}, false
	}
	metric, ok := vector.ParseMetric(ms)
	if !ok {
		return vector.Config{}, false
	}
	return vector.Config{Dimension: int(dim), Metric: metric}, true
}

func decodeVectorValue(v core.Value) (uint64, []float32, bool) {
	iv, ok := v.MapGet("id")
	if !ok {
		return 0, nil, false
	}
	id, ok := iv.AsInt()
	if !ok {
		return 0, nil, false
	}
	ev, ok := v.MapGet("embedding")
	if !ok {
		return 0, nil, false
	}
	raw, ok := ev.AsBytes()
	if !ok {
		return 0, nil, false
	}
	emb, _, err := decodeEmbedding(raw)
	if err != nil {
		return 0, nil, false
	}
	return uint64(id), emb, true
}

// ───────────────────────────────────────────────────────────────────────────
// Store snapshot section codec
// ───────────────────────────────────────────────────────────────────────────
//
// The store section is a flat run of head entries at the capture stamp:
//   key bytes (len-prefixed) | flags u8 (bit0 tombstone) | version |
//   stamp uvarint | ts uvarint | expires uvarint | value (omitted for
//   tombstones)

func (e *Engine) serializeStoreSection(maxStamp uint64) []byte {
	var out []byte
	e.store.RangeHeadsAsOf(maxStamp, func(k core.Key, ent store.Entry) bool {
		out = encoding.AppendBytes(out, k.Encode())
		flags := byte(0)
		if ent.Tombstone {
			flags |= 1
		}
		out = append(out, flags)
		out = encoding.AppendVersion(out, ent.Version)
		out = encoding.AppendUvarint(out, ent.Stamp)
		out = encoding.AppendUvarint(out, uint64(ent.TimestampMicros))
		out = encoding.AppendUvarint(out, uint64(ent.ExpiresAtMicros))
		if !ent.Tombstone {
			out = encoding.AppendValue(out, ent.Value)
		}
		return true
	})
	return out
}

func (e *Engine) loadStoreSection(data []byte) error {
	pos := 0
	for pos < len(data) {
		keyBytes, n, err := encoding.DecodeBytes(data[pos:])
		if err != nil {
			return err
		}
		pos += n
		k, err := core.DecodeKey(keyBytes)
		if err != nil {
			return err
		}
		if pos >= len(data) {
			return core.Corruption(nil, "truncated snapshot store entry")
		}
		flags := data[pos]
		pos++
		ver, n, err := encoding.DecodeVersion(data[pos:])
		if err != nil {
			return err
		}
		pos += n
		stamp, n := encoding.Uvarint(data[pos:])
		if n <= 0 {
			return core.Corruption(nil, "bad snapshot stamp")
		}
		pos += n
		ts, n := encoding.Uvarint(data[pos:])
		if n <= 0 {
			return core.Corruption(nil, "bad snapshot timestamp")
		}
		pos += n
		expires, n := encoding.Uvarint(data[pos:])
		if n <= 0 {
			return core.Corruption(nil, "bad snapshot expiry")
		}
		pos += n
		tombstone := flags&1 != 0
		var val core.Value
		if !tombstone {
			v, n, err := encoding.DecodeValue(data[pos:])
			if err != nil {
				return err
			}
			val = v
			pos += n
		}
		if err := e.store.PutRecovered(k, storeEntry(val, ver, stamp, int64(ts), int64(expires), tombstone)); err != nil {
			return err
		}
	}
	return nil
}
