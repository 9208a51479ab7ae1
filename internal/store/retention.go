package store

import (
	"time"

	"github.com/stratadb-labs/strata/internal/core"
)

// RetentionMode selects how non-head versions are trimmed.
type RetentionMode uint8

const (
	// KeepAll retains every version (the default).
	KeepAll RetentionMode = iota
	// KeepLast retains the newest N versions per key.
	KeepLast
	// KeepFor retains versions younger than a duration.
	KeepFor
	// Composite applies a different policy per primitive type tag.
	Composite
)

// RetentionPolicy bounds per-key version history. Retention never removes
// the chain head: the current live value (or newest tombstone) survives any
// policy.
type RetentionPolicy struct {
	Mode RetentionMode

	// N is the version count for KeepLast.
	N int

	// Age is the window for KeepFor.
	Age time.Duration

	// PerTag holds the sub-policies for Composite mode. Tags without an
	// entry fall back to KeepAll.
	PerTag map[core.TypeTag]RetentionPolicy
}

// KeepAllPolicy is the default retention policy.
func KeepAllPolicy() RetentionPolicy { return RetentionPolicy{Mode: KeepAll} }

// KeepLastPolicy retains the newest n versions per key.
func KeepLastPolicy(n int) RetentionPolicy { return RetentionPolicy{Mode: KeepLast, N: n} }

// KeepForPolicy retains versions younger than age.
func KeepForPolicy(age time.Duration) RetentionPolicy { return RetentionPolicy{Mode: KeepFor, Age: age} }

func (p RetentionPolicy) forTag(tag core.TypeTag) RetentionPolicy {
	if p.Mode != Composite {
		return p
	}
	if sub, ok := p.PerTag[tag]; ok {
		return sub
	}
	return RetentionPolicy{Mode: KeepAll}
}

// TrimStats summarizes one retention pass.
type TrimStats struct {
	KeysVisited     int
	VersionsTrimmed int
}

// ApplyRetention trims non-head versions under prefix according to the
// policy. snapshotStamp guards tombstone removal: entries at or below the
// stamp are already captured by the latest snapshot and may go.
func (s *Store) ApplyRetention(prefix []byte, policy RetentionPolicy, nowMicros int64, snapshotStamp uint64) TrimStats {
	var stats TrimStats
	for _, key := range s.keysWithPrefix(prefix) {
		k, err := core.DecodeKey([]byte(key))
		if err != nil {
			continue
		}
		p := policy.forTag(k.Tag)
		sh := s.shardFor(key)
		sh.mu.Lock()
		chain := sh.chains[key]
		trimmed := trimChain(chain, p, nowMicros, snapshotStamp)
		lost := len(chain) - len(trimmed)
		if lost > 0 {
			stats.VersionsTrimmed += lost
			sh.chains[key] = trimmed
		}
		sh.mu.Unlock()
		if lost > 0 {
			s.markTrimmed(key)
		}
		stats.KeysVisited++
	}
	return stats
}

// trimChain returns the retained prefix of a chain. The head always stays.
func trimChain(chain []Entry, p RetentionPolicy, nowMicros int64, snapshotStamp uint64) []Entry {
	if len(chain) <= 1 {
		return chain
	}
	keep := chain[:1]
	for i := 1; i < len(chain); i++ {
		e := chain[i]
		switch p.Mode {
		case KeepAll:
			// Non-head tombstones below the snapshot stamp are garbage even
			// under KeepAll; nothing can read them anymore.
			if e.Tombstone && e.Stamp <= snapshotStamp {
				continue
			}
			keep = append(keep, e)
		case KeepLast:
			if len(keep) < p.N {
				keep = append(keep, e)
			}
		case KeepFor:
			if nowMicros-e.TimestampMicros <= p.Age.Microseconds() {
				keep = append(keep, e)
			}
		default:
			keep = append(keep, e)
		}
	}
	if len(keep) == len(chain) {
		return chain
	}
	out := make([]Entry, len(keep))
	copy(out, keep)
	return out
}
