package strata

import (
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

// DefaultConfig returns the documented defaults: buffered durability,
// 64 MiB WAL segments, checkpoints at 100 MiB of WAL or every 30 minutes,
// two retained snapshots, keep-all retention, 16 store shards.
func DefaultConfig() Config {
	return Config{
		Durability:             Buffered,
		WALSegmentBytes:        64 * datasize.MB,
		SnapshotBytesThreshold: 100 * datasize.MB,
		SnapshotInterval:       30 * time.Minute,
		SnapshotsToKeep:        2,
		Retention:              KeepAllPolicy(),
		ShardCount:             16,
	}
}

// InMemoryConfig returns a configuration with persistence disabled.
func InMemoryConfig() Config {
	cfg := DefaultConfig()
	cfg.Durability = InMemory
	return cfg
}

// StrictConfig returns a configuration that fsyncs every commit.
func StrictConfig() Config {
	cfg := DefaultConfig()
	cfg.Durability = Strict
	return cfg
}

// WithLogger attaches a structured logger to a configuration.
func WithLogger(cfg Config, log *zap.Logger) Config {
	cfg.Logger = log
	return cfg
}
