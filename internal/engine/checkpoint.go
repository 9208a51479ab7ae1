package engine

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/snapshot"
	"github.com/stratadb-labs/strata/internal/wal"
)

// Checkpoint serializes the current state into a new snapshot file, updates
// the manifest, and prunes old snapshots. Writers are not blocked: the
// section is produced from an MVCC view at the capture stamp.
func (e *Engine) Checkpoint() (uint64, error) {
	if e.cfg.Durability == InMemory {
		return 0, nil
	}
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	// Make the WAL durable up to the capture point first: the snapshot must
	// never be ahead of the log it claims to subsume.
	if err := e.wal.Sync(); err != nil {
		return 0, err
	}

	// Frontier before stamp: every transaction counted in the frontier has
	// a stamp at or below the capture stamp, so the section subsumes it.
	frontier := e.walFrontier()
	stamp := e.versionCounter.Load()
	id := e.snapshotID + 1

	sections := []snapshot.Section{
		{TypeID: snapshot.SectionStore, Payload: e.serializeStoreSection(stamp)},
		{TypeID: snapshot.SectionVectorIDs, Payload: e.vectors.SerializeAllocators()},
	}
	snapDir := filepath.Join(e.dir, snapshot.SnapshotDirName)
	if _, err := snapshot.Write(snapDir, id, snapshot.Meta{
		TimestampMicros:   nowMicros(),
		WALFrontier:       frontier,
		CommittedTxnCount: e.committedCount.Load(),
	}, sections); err != nil {
		return 0, err
	}

	e.snapshotID = id
	e.watermark = frontier
	if err := snapshot.WriteManifest(e.dir, snapshot.Manifest{
		DatabaseID:    e.dbID,
		CodecID:       e.cfg.CodecID,
		ActiveSegment: e.wal.ActiveSegment(),
		Watermark:     e.watermark,
		SnapshotID:    e.snapshotID,
	}); err != nil {
		return 0, err
	}

	// Old snapshots go only after the manifest durably references the new
	// one.
	if _, err := snapshot.Prune(snapDir, e.cfg.SnapshotsToKeep); err != nil {
		return 0, err
	}

	e.walBytesSinceCkp.Store(0)
	e.lastCkpUnixMicro.Store(time.Now().UnixMicro())
	e.stats.snapshots.Add(1)
	e.log.Info("checkpoint complete",
		zap.Uint64("snapshot_id", id),
		zap.Uint64("watermark", frontier))
	return id, nil
}

// maybeCheckpoint fires a background checkpoint when the size or age
// trigger is crossed. At most one runs at a time.
func (e *Engine) maybeCheckpoint() {
	if e.cfg.Durability == InMemory || e.closed.Load() {
		return
	}
	byBytes := e.walBytesSinceCkp.Load() >= int64(e.cfg.SnapshotBytesThreshold.Bytes())
	byAge := time.Now().UnixMicro()-e.lastCkpUnixMicro.Load() >= e.cfg.SnapshotInterval.Microseconds()
	if !byBytes && !byAge {
		return
	}
	if !e.ckpInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.ckpInFlight.Store(false)
		if _, err := e.Checkpoint(); err != nil {
			e.log.Error("background checkpoint failed", zap.Error(err))
		}
	}()
}

// CompactStats reports one compaction pass.
type CompactStats struct {
	SegmentsRemoved int
	BytesReclaimed  int64
}

// Compact deletes closed WAL segments fully below the snapshot watermark.
// The active segment is never touched.
func (e *Engine) Compact() (CompactStats, error) {
	var stats CompactStats
	if e.cfg.Durability == InMemory {
		return stats, nil
	}
	e.snapMu.Lock()
	watermark := e.watermark
	e.snapMu.Unlock()

	active := e.wal.ActiveSegment()
	walDir := filepath.Join(e.dir, "wal")
	segs, err := wal.ListSegments(walDir)
	if err != nil {
		return stats, err
	}
	for _, seg := range segs {
		if seg.Number >= active {
			continue
		}
		maxTx, err := wal.SegmentMaxTxID(seg.Path)
		if err != nil {
			return stats, err
		}
		if maxTx > watermark {
			continue
		}
		var size int64
		if fi, err := os.Stat(seg.Path); err == nil {
			size = fi.Size()
		}
		if err := os.Remove(seg.Path); err != nil {
			return stats, core.StorageErr(err, "remove wal segment")
		}
		stats.SegmentsRemoved++
		stats.BytesReclaimed += size
		e.log.Debug("wal segment compacted", zap.Uint32("segment", seg.Number))
	}
	return stats, nil
}
