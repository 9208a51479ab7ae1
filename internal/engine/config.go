package engine

import (
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/store"
)

// DurabilityMode selects how committed transactions reach disk.
type DurabilityMode uint8

const (
	// InMemory skips the WAL entirely; nothing persists.
	InMemory DurabilityMode = iota
	// Buffered appends to a user-space buffer; a background task batches
	// fsyncs. Commits return without waiting.
	Buffered
	// Strict fsyncs every commit group before the commit returns.
	Strict
)

func (m DurabilityMode) String() string {
	switch m {
	case InMemory:
		return "in-memory"
	case Buffered:
		return "buffered"
	case Strict:
		return "strict"
	default:
		return "durability(?)"
	}
}

// Config enumerates the engine's tunables. The zero value plus
// withDefaults() is a working in-memory database (InMemory is the zero
// DurabilityMode).
type Config struct {
	// Durability selects the WAL discipline.
	Durability DurabilityMode

	// WALSegmentBytes is the segment rotation threshold.
	WALSegmentBytes datasize.ByteSize

	// SnapshotBytesThreshold triggers a checkpoint once this much WAL has
	// accumulated since the last snapshot.
	SnapshotBytesThreshold datasize.ByteSize

	// SnapshotInterval triggers a checkpoint on wall-clock age.
	SnapshotInterval time.Duration

	// SnapshotsToKeep bounds retained snapshot files.
	SnapshotsToKeep int

	// Retention is the per-branch version retention policy.
	Retention store.RetentionPolicy

	// MaxTransactionValidation aborts commits whose transaction has been
	// open longer than this. Zero disables the check.
	MaxTransactionValidation time.Duration

	// WALFlushInterval bounds staleness in Buffered mode.
	WALFlushInterval time.Duration

	// CodecID selects the storage codec. Only the identity codec (0) is
	// implemented; the field is the hook for encryption or compression.
	CodecID uint64

	// ShardCount is the store shard count.
	ShardCount int

	// Logger receives structured engine logs. Nil means no logging.
	Logger *zap.Logger
}

// withDefaults fills unset fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.WALSegmentBytes == 0 {
		c.WALSegmentBytes = 64 * datasize.MB
	}
	if c.SnapshotBytesThreshold == 0 {
		c.SnapshotBytesThreshold = 100 * datasize.MB
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 30 * time.Minute
	}
	if c.SnapshotsToKeep == 0 {
		c.SnapshotsToKeep = 2
	}
	if c.WALFlushInterval == 0 {
		c.WALFlushInterval = 50 * time.Millisecond
	}
	if c.ShardCount == 0 {
		c.ShardCount = 16
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
