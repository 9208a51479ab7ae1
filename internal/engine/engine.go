// Package engine is the transactional core: the versioned store, OCC
// transaction manager, WAL integration, checkpointing, recovery, and the
// apply/replay hooks for every primitive.
//
// What: Engine owns all mutable state. Primitives are stateless facades that
// route operations through a TransactionContext; commit validates against
// the live store, appends a framed writeset to the WAL, and applies it with
// the allocated commit version.
// How: A global atomic commit-version counter orders all writes; per-branch
// commit locks serialize commit points within a branch while branches commit
// concurrently. Auxiliary primitive state (event stream heads, JSON region
// history, vector collections) is derived — rebuilt from the store during
// recovery — so the WAL and snapshot stay primitive-agnostic byte payloads.
// Why: One engine behind thin facades keeps multi-primitive transactions
// atomic without cross-component coordination.
package engine

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/snapshot"
	"github.com/stratadb-labs/strata/internal/store"
	"github.com/stratadb-labs/strata/internal/vector"
	"github.com/stratadb-labs/strata/internal/wal"
)

// Stats is a point-in-time counter sample.
type Stats struct {
	TxnsBegun      uint64
	TxnsCommitted  uint64
	TxnsConflicted uint64
	TxnsAborted    uint64
	KeyCount       int64
	WALBytes       int64
	Snapshots      uint64
}

// eventHead is the in-memory tail of one event stream.
type eventHead struct {
	nextSeq  uint64
	prevHash uint64
}

// regionCommit records the path regions one committed transaction touched in
// a JSON document, for region-based conflict forgiveness.
type regionCommit struct {
	stamp uint64
	paths [][]pathSeg
}

// jsonRegionWindow bounds how many recent commits per document are kept for
// region checks; older observers conservatively conflict.
const jsonRegionWindow = 32

// Engine is the unified transactional core.
type Engine struct {
	cfg  Config
	log  *zap.Logger
	dir  string
	dbID uuid.UUID

	store *store.Store
	wal   *wal.Writer // nil in InMemory mode

	// versionCounter allocates commit versions (stamps). SeqCst fetch-add.
	versionCounter atomic.Uint64
	txnCounter     atomic.Uint64

	// maxCommittedTxn tracks the WAL frontier for checkpointing.
	maxCommittedTxn atomic.Uint64
	committedCount  atomic.Uint64

	// activeTxns tracks ids of in-flight transactions so the snapshot
	// watermark never overtakes a transaction that could still commit.
	activeMu   sync.Mutex
	activeTxns map[uint64]struct{}

	// commitLocks serializes commit points per branch.
	commitLocks sync.Map // core.BranchID -> *sync.Mutex

	// Derived primitive state, all guarded by auxMu.
	auxMu       sync.Mutex
	eventHeads  map[string]*eventHead   // ns+stream
	jsonRegions map[string][]regionCommit // encoded doc key

	vectors *vector.Registry

	// Checkpoint trigger state.
	snapMu           sync.Mutex
	snapshotID       uint64
	watermark        uint64
	walBytesSinceCkp atomic.Int64
	lastCkpUnixMicro atomic.Int64
	ckpInFlight      atomic.Bool

	stats struct {
		begun      atomic.Uint64
		committed  atomic.Uint64
		conflicted atomic.Uint64
		aborted    atomic.Uint64
		snapshots  atomic.Uint64
	}

	closed atomic.Bool
}

// Open opens or creates the database at dir. With InMemory durability dir
// may be empty and nothing touches the filesystem.
func Open(dir string, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		log:         cfg.Logger,
		dir:         dir,
		store:       store.New(cfg.ShardCount),
		eventHeads:  make(map[string]*eventHead),
		jsonRegions: make(map[string][]regionCommit),
		activeTxns:  make(map[uint64]struct{}),
		vectors:     vector.NewRegistry(),
	}
	e.lastCkpUnixMicro.Store(time.Now().UnixMicro())

	if cfg.Durability == InMemory {
		e.dbID = uuid.New()
		return e, nil
	}
	if dir == "" {
		return nil, core.InvalidInput("durable databases need a directory")
	}
	if cfg.CodecID != snapshot.IdentityCodec {
		return nil, core.InvalidInput("unsupported storage codec")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.StorageErr(err, "create database dir")
	}

	res, err := e.recover()
	if err != nil {
		return nil, err
	}

	w, err := wal.OpenWriter(wal.WriterConfig{
		Dir:           filepath.Join(dir, "wal"),
		DatabaseID:    e.dbID,
		StartSegment:  res.MaxSegment + 1,
		RotateBytes:   int64(cfg.WALSegmentBytes.Bytes()),
		Strict:        cfg.Durability == Strict,
		FlushInterval: cfg.WALFlushInterval,
		Logger:        e.log,
	})
	if err != nil {
		return nil, err
	}
	e.wal = w

	if err := e.writeManifest(); err != nil {
		w.Close()
		return nil, err
	}
	e.log.Info("database opened",
		zap.String("dir", dir),
		zap.String("db_id", e.dbID.String()),
		zap.String("durability", cfg.Durability.String()),
		zap.Int("replayed_records", res.Records),
		zap.Uint64("version", e.versionCounter.Load()))
	return e, nil
}

// Close checkpoints (clean shutdown) and releases the WAL.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cfg.Durability == InMemory {
		return nil
	}
	_, cerr := e.Checkpoint()
	werr := e.wal.Close()
	if cerr != nil {
		return cerr
	}
	return werr
}

// DatabaseID returns the database UUID.
func (e *Engine) DatabaseID() uuid.UUID { return e.dbID }

// Stats samples the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		TxnsBegun:      e.stats.begun.Load(),
		TxnsCommitted:  e.stats.committed.Load(),
		TxnsConflicted: e.stats.conflicted.Load(),
		TxnsAborted:    e.stats.aborted.Load(),
		KeyCount:       e.store.KeyCount(),
		Snapshots:      e.stats.snapshots.Load(),
	}
	if e.wal != nil {
		s.WALBytes = e.wal.TotalBytes()
	}
	return s
}

// View captures a read-only consistent view at the current commit version,
// or at an explicit earlier version when asOf is nonzero.
func (e *Engine) View(asOf uint64) *store.View {
	stamp := e.versionCounter.Load()
	if asOf != 0 && asOf < stamp {
		stamp = asOf
	}
	return store.NewView(e.store, stamp)
}

// Store exposes the versioned store to facades for non-transactional reads.
func (e *Engine) Store() *store.Store { return e.store }

// Vectors exposes the collection registry to the vector facade.
func (e *Engine) Vectors() *vector.Registry { return e.vectors }

// Retention runs one retention pass for the branch under the configured
// policy.
func (e *Engine) Retention(branch core.BranchID) store.TrimStats {
	return e.store.ApplyRetention(
		core.NamespacePrefix(branch),
		e.cfg.Retention,
		time.Now().UnixMicro(),
		e.snapshotWatermarkStamp(),
	)
}

func (e *Engine) snapshotWatermarkStamp() uint64 {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.watermark
}

func (e *Engine) trackTxn(id uint64) {
	e.activeMu.Lock()
	e.activeTxns[id] = struct{}{}
	e.activeMu.Unlock()
}

func (e *Engine) untrackTxn(id uint64) {
	e.activeMu.Lock()
	delete(e.activeTxns, id)
	e.activeMu.Unlock()
}

// walFrontier returns the highest transaction id every lower id of which is
// settled: committed transactions above it are excluded while an older
// transaction is still in flight.
func (e *Engine) walFrontier() uint64 {
	frontier := e.maxCommittedTxn.Load()
	e.activeMu.Lock()
	for id := range e.activeTxns {
		if id <= frontier {
			frontier = id - 1
		}
	}
	e.activeMu.Unlock()
	return frontier
}

func (e *Engine) commitLock(branch core.BranchID) *sync.Mutex {
	if v, ok := e.commitLocks.Load(branch); ok {
		return v.(*sync.Mutex)
	}
	// Entry creation is a trivial allocation; LoadOrStore keeps one winner.
	v, _ := e.commitLocks.LoadOrStore(branch, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) eventHeadFor(branch core.BranchID, stream string) *eventHead {
	ns := branch.Namespace()
	k := string(ns[:]) + stream
	h, ok := e.eventHeads[k]
	if !ok {
		h = &eventHead{}
		e.eventHeads[k] = h
	}
	return h
}

// peekEventHead returns the next sequence and previous hash without
// creating state; used by read paths.
func (e *Engine) peekEventHead(branch core.BranchID, stream string) (uint64, uint64) {
	ns := branch.Namespace()
	e.auxMu.Lock()
	defer e.auxMu.Unlock()
	h, ok := e.eventHeads[string(ns[:])+stream]
	if !ok {
		return 0, 0
	}
	return h.nextSeq, h.prevHash
}

func (e *Engine) recordJSONRegions(docKey string, stamp uint64, paths [][]pathSeg) {
	e.auxMu.Lock()
	defer e.auxMu.Unlock()
	ring := append(e.jsonRegions[docKey], regionCommit{stamp: stamp, paths: paths})
	if len(ring) > jsonRegionWindow {
		ring = ring[len(ring)-jsonRegionWindow:]
	}
	e.jsonRegions[docKey] = ring
}

// jsonRegionsSince returns the regions committed to the doc after the given
// stamp. ok is false when the window no longer reaches back that far, in
// which case the caller must conservatively conflict.
func (e *Engine) jsonRegionsSince(docKey string, stamp uint64) (paths [][]pathSeg, ok bool) {
	e.auxMu.Lock()
	defer e.auxMu.Unlock()
	ring := e.jsonRegions[docKey]
	if len(ring) == jsonRegionWindow && ring[0].stamp > stamp {
		return nil, false
	}
	for _, rc := range ring {
		if rc.stamp > stamp {
			paths = append(paths, rc.paths...)
		}
	}
	return paths, true
}

func (e *Engine) writeManifest() error {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return snapshot.WriteManifest(e.dir, snapshot.Manifest{
		DatabaseID:    e.dbID,
		CodecID:       e.cfg.CodecID,
		ActiveSegment: e.wal.ActiveSegment(),
		Watermark:     e.watermark,
		SnapshotID:    e.snapshotID,
	})
}

func nowMicros() int64 { return time.Now().UnixMicro() }
