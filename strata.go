// Package strata is an embedded, in-memory transactional database for
// AI-agent state.
//
// What: Typed primitives — key-value, append-only event logs, versioned
// state cells, JSON documents, vectors, and run metadata — over one engine
// providing optimistic concurrency, snapshot isolation, a segmented
// write-ahead log, checkpointing, and deterministic crash recovery.
// How: A Database handle owns the engine; primitive facades are stateless
// values over the shared handle. Every facade method runs in an implicit
// single-operation transaction unless handed an explicit one; explicit
// transactions span primitives atomically.
// Why: Agent state wants small typed surfaces with real transactional
// semantics underneath, not a grab-bag of ad-hoc files.
package strata

import (
	"sync"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/engine"
	"github.com/stratadb-labs/strata/internal/store"
)

// Re-exported core vocabulary. The internal packages own the definitions;
// these aliases are the public names.
type (
	Value          = core.Value
	ValueKind      = core.ValueKind
	MapEntry       = core.MapEntry
	Version        = core.Version
	VersionedValue = core.VersionedValue
	Branch         = core.BranchID
	RunStatus      = core.RunStatus
	Error          = core.Error
	ErrorKind      = core.ErrorKind

	Config         = engine.Config
	DurabilityMode = engine.DurabilityMode
	Txn            = engine.Txn
	Stats          = engine.Stats
	CompactStats   = engine.CompactStats
	Event          = engine.Event
	ChainReport    = engine.ChainReport
	RunInfo        = engine.RunInfo
	SearchResult   = engine.SearchResult

	RetentionPolicy = store.RetentionPolicy
)

// Value constructors.
var (
	Null   = core.Null
	Bool   = core.Bool
	Int    = core.Int
	Float  = core.Float
	String = core.String
	Bytes  = core.Bytes
	Array  = core.Array
	Map    = core.Map
	Entry  = core.Entry
)

// Version constructors and branch constants.
var (
	TxnVersion      = core.TxnVersion
	SequenceVersion = core.SequenceVersion
	CounterVersion  = core.CounterVersion
	ZeroVersion     = core.ZeroVersion
)

const (
	DefaultBranch = core.DefaultBranch
	SharedAgent   = core.SharedAgent
	SharedApp     = core.SharedApp
	SharedTenant  = core.SharedTenant
)

// Durability modes.
const (
	InMemory = engine.InMemory
	Buffered = engine.Buffered
	Strict   = engine.Strict
)

// Retention policy constructors.
var (
	KeepAllPolicy  = store.KeepAllPolicy
	KeepLastPolicy = store.KeepLastPolicy
	KeepForPolicy  = store.KeepForPolicy
)

// Error classification helpers.
var (
	IsConflict = core.IsConflict
	IsNotFound = core.IsNotFound
	Retryable  = core.Retryable
)

// openDBs is the only process-wide state: the open-database registry.
// Entries are added on open and removed on Close, so a path cannot be
// opened twice concurrently.
var openDBs struct {
	mu sync.Mutex
	m  map[string]*DB
}

// DB is a database handle. All primitive facades share its engine; closing
// the handle invalidates them.
type DB struct {
	eng  *engine.Engine
	path string
}

// Open opens the database at path, or a fresh in-memory one when the config
// durability is InMemory. A missing database is created, exactly as
// OpenOrCreate does.
func Open(path string, cfg Config) (*DB, error) {
	return open(path, cfg)
}

// OpenOrCreate opens the database at path, creating it when absent.
func OpenOrCreate(path string, cfg Config) (*DB, error) {
	return open(path, cfg)
}

func open(path string, cfg Config) (*DB, error) {
	if path != "" {
		openDBs.mu.Lock()
		if openDBs.m == nil {
			openDBs.m = make(map[string]*DB)
		}
		if _, busy := openDBs.m[path]; busy {
			openDBs.mu.Unlock()
			return nil, core.InvalidInput("database already open: " + path)
		}
		// Reserve the slot before the (slow) engine open.
		openDBs.m[path] = nil
		openDBs.mu.Unlock()
	}

	eng, err := engine.Open(path, cfg)
	if err != nil {
		if path != "" {
			openDBs.mu.Lock()
			delete(openDBs.m, path)
			openDBs.mu.Unlock()
		}
		return nil, err
	}
	db := &DB{eng: eng, path: path}
	if path != "" {
		openDBs.mu.Lock()
		openDBs.m[path] = db
		openDBs.mu.Unlock()
	}
	return db, nil
}

// Close checkpoints (clean shutdown), releases the WAL, and frees the
// registry slot.
func (db *DB) Close() error {
	err := db.eng.Close()
	if db.path != "" {
		openDBs.mu.Lock()
		delete(openDBs.m, db.path)
		openDBs.mu.Unlock()
	}
	return err
}

// Begin opens an explicit transaction on branch.
func (db *DB) Begin(branch Branch) *Txn {
	return db.eng.Begin(branch)
}

// Commit validates and applies an explicit transaction, returning its
// commit version.
func (db *DB) Commit(t *Txn) (Version, error) {
	return db.eng.Commit(t)
}

// Abort discards an explicit transaction.
func (db *DB) Abort(t *Txn) {
	t.Abort()
}

// Transaction runs fn inside a transaction: commit on nil return, abort on
// error.
func (db *DB) Transaction(branch Branch, fn func(*Txn) error) (Version, error) {
	return db.eng.WithTxn(branch, nil, fn)
}

// Checkpoint forces a snapshot and returns its id.
func (db *DB) Checkpoint() (uint64, error) {
	return db.eng.Checkpoint()
}

// Compact removes WAL segments below the snapshot watermark.
func (db *DB) Compact() (CompactStats, error) {
	return db.eng.Compact()
}

// Stats samples engine counters.
func (db *DB) Stats() Stats {
	return db.eng.Stats()
}

// Retention runs one retention pass for the branch under the configured
// policy.
func (db *DB) Retention(branch Branch) store.TrimStats {
	return db.eng.Retention(branch)
}

// Typed primitive facades. Each holds only the engine handle.

// KV returns the key-value facade.
func (db *DB) KV() KV { return KV{eng: db.eng} }

// Events returns the event-log facade.
func (db *DB) Events() Events { return Events{eng: db.eng} }

// State returns the state-cell facade.
func (db *DB) State() State { return State{eng: db.eng} }

// JSON returns the JSON-document facade.
func (db *DB) JSON() JSON { return JSON{eng: db.eng} }

// Vectors returns the vector facade.
func (db *DB) Vectors() Vectors { return Vectors{eng: db.eng} }

// Runs returns the run-index facade.
func (db *DB) Runs() Runs { return Runs{eng: db.eng} }

// SnapshotView is a read-only consistent view at a fixed commit version.
type SnapshotView struct {
	eng   *engine.Engine
	stamp uint64
}

// Snapshot captures a consistent read-only view. asOf 0 means "now".
func (db *DB) Snapshot(asOf uint64) SnapshotView {
	v := db.eng.View(asOf)
	return SnapshotView{eng: db.eng, stamp: v.Stamp()}
}

// Stamp returns the commit version the view observes.
func (v SnapshotView) Stamp() uint64 { return v.stamp }

// Get reads a KV key as of the view. A read below the retention horizon
// fails with HistoryTrimmed.
func (v SnapshotView) Get(branch Branch, key string) (VersionedValue, bool, error) {
	return v.eng.KVGetAsOf(branch, key, v.stamp)
}
