// Package store implements the in-memory, concurrent, multi-version keyspace.
//
// What: A sharded map from encoded keys to version chains, with snapshot
// (as-of) reads, TTL expiry, tombstones, an ordered secondary index for
// prefix scans, and per-branch retention trimming.
// How: Keys hash onto N independently locked shards; each chain is an
// immutable-prepend slice ordered newest-first. Every entry carries both its
// primitive-visible Version and a global commit stamp; MVCC visibility
// filters on the stamp so sequence- and counter-versioned entries snapshot
// consistently alongside transactional ones. A btree keyed by encoded key
// bytes serves ordered prefix scans.
// Why: Prepend-only chains let readers walk a chain without locks beyond the
// shard read latch, and make as-of reads a simple linear probe.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"

	"github.com/stratadb-labs/strata/internal/core"
)

// Entry is one link of a version chain: a versioned value plus the global
// commit stamp that wrote it.
type Entry struct {
	core.VersionedValue

	// Stamp is the commit version of the writing transaction. Chains are
	// ordered by descending stamp; visibility filtering compares stamps.
	Stamp uint64
}

// Pair is a key with its visible entry, as returned by scans.
type Pair struct {
	Key   core.Key
	Entry Entry
}

type shard struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

// Store is the versioned keyspace. All mutation goes through
// PutWithVersion/DeleteWithVersion; the transaction manager is the only
// writer on the commit path.
type Store struct {
	shards []*shard

	indexMu sync.RWMutex
	index   btree.Map[string, struct{}]

	// trimmed marks keys whose chains lost versions to retention, so an
	// as-of read below the oldest retained version can be distinguished
	// from "never existed".
	trimmedMu sync.Mutex
	trimmed   map[string]struct{}

	// keyCount tracks live chains for stats.
	keyCount atomic.Int64
}

// New creates a store with the given shard count (minimum 1).
func New(shardCount int) *Store {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &Store{shards: make([]*shard, shardCount), trimmed: make(map[string]struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{chains: make(map[string][]Entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	h := xxhash.Sum64String(key)
	return s.shards[h%uint64(len(s.shards))]
}

// PutWithVersion prepends a new version to the key's chain. The version must
// be strictly greater than the current head's (same kind); violation is a
// fatal Internal error.
func (s *Store) PutWithVersion(k core.Key, val core.Value, ver core.Version, stamp uint64, tsMicros, expiresMicros int64) error {
	return s.put(k, Entry{
		VersionedValue: core.VersionedValue{
			Value:           val,
			Version:         ver,
			TimestampMicros: tsMicros,
			ExpiresAtMicros: expiresMicros,
		},
		Stamp: stamp,
	}, false)
}

// DeleteWithVersion prepends a tombstone at the given version.
func (s *Store) DeleteWithVersion(k core.Key, ver core.Version, stamp uint64, tsMicros int64) error {
	return s.put(k, Entry{
		VersionedValue: core.VersionedValue{
			Version:         ver,
			TimestampMicros: tsMicros,
			Tombstone:       true,
		},
		Stamp: stamp,
	}, false)
}

// PutRecovered applies a replayed write idempotently: entries whose stamp is
// not above the current head are skipped instead of failing, so running
// recovery twice converges to the same state.
func (s *Store) PutRecovered(k core.Key, e Entry) error {
	return s.put(k, e, true)
}

func (s *Store) put(k core.Key, e Entry, replay bool) error {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.Lock()
	chain := sh.chains[key]
	if len(chain) > 0 {
		head := chain[0]
		// A commit may write one key several times (JSON patches share the
		// commit stamp); within an equal stamp the primitive version must
		// still strictly advance.
		newer := e.Stamp > head.Stamp ||
			(e.Stamp == head.Stamp && head.Version.Kind == e.Version.Kind && e.Version.N > head.Version.N)
		if !newer {
			sh.mu.Unlock()
			if replay {
				return nil
			}
			return core.Internalf("non-monotonic write for %s: stamp %d version %s after stamp %d version %s",
				k, e.Stamp, e.Version, head.Stamp, head.Version)
		}
		if !replay && head.Version.Kind == e.Version.Kind && e.Version.N <= head.Version.N {
			sh.mu.Unlock()
			return core.Internalf("non-monotonic version for %s: %s <= %s", k, e.Version, head.Version)
		}
	}
	fresh := len(chain) == 0
	next := make([]Entry, 0, len(chain)+1)
	next = append(next, e)
	next = append(next, chain...)
	sh.chains[key] = next
	sh.mu.Unlock()

	if fresh {
		s.indexMu.Lock()
		s.index.Set(key, struct{}{})
		s.indexMu.Unlock()
		s.keyCount.Add(1)
	}
	return nil
}

// Get returns the current live value: the chain head, unless it is a
// tombstone or has expired.
func (s *Store) Get(k core.Key, nowMicros int64) (Entry, bool) {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	chain := sh.chains[key]
	sh.mu.RUnlock()
	if len(chain) == 0 {
		return Entry{}, false
	}
	head := chain[0]
	if head.Tombstone || head.Expired(nowMicros) {
		return Entry{}, false
	}
	return head, true
}

// GetAsOf returns the newest entry with stamp <= maxStamp, skipping expired
// entries. Tombstones and "never existed" both report not-found; callers
// that need the distinction use HeadStampAsOf.
func (s *Store) GetAsOf(k core.Key, maxStamp uint64, nowMicros int64) (Entry, bool) {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	chain := sh.chains[key]
	sh.mu.RUnlock()
	for _, e := range chain {
		if e.Stamp > maxStamp {
			continue
		}
		if e.Expired(nowMicros) {
			continue
		}
		if e.Tombstone {
			return Entry{}, false
		}
		return e, true
	}
	return Entry{}, false
}

// TrimmedBelow reports whether retention removed versions of the key below
// the given stamp, and the oldest version still retained.
func (s *Store) TrimmedBelow(k core.Key, maxStamp uint64) (core.Version, bool) {
	key := string(k.Encode())
	s.trimmedMu.Lock()
	_, wasTrimmed := s.trimmed[key]
	s.trimmedMu.Unlock()
	if !wasTrimmed {
		return core.ZeroVersion, false
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	chain := sh.chains[key]
	if len(chain) == 0 {
		return core.ZeroVersion, false
	}
	oldest := chain[len(chain)-1]
	if oldest.Stamp <= maxStamp {
		return core.ZeroVersion, false
	}
	return oldest.Version, true
}

func (s *Store) markTrimmed(key string) {
	s.trimmedMu.Lock()
	s.trimmed[key] = struct{}{}
	s.trimmedMu.Unlock()
}

// HeadStamp returns the stamp of the chain head including tombstones, or 0
// if the key never existed.
func (s *Store) HeadStamp(k core.Key) uint64 {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	chain := sh.chains[key]
	if len(chain) == 0 {
		return 0
	}
	return chain[0].Stamp
}

// HeadStampAsOf returns the stamp of the newest entry with stamp <= maxStamp
// including tombstones, or 0 if none. This is the observation recorded in
// transaction read sets.
func (s *Store) HeadStampAsOf(k core.Key, maxStamp uint64) uint64 {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, e := range sh.chains[key] {
		if e.Stamp <= maxStamp {
			return e.Stamp
		}
	}
	return 0
}

// HeadVersion returns the version of the chain head including tombstones,
// or the zero version if the key never existed.
func (s *Store) HeadVersion(k core.Key) core.Version {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	chain := sh.chains[key]
	if len(chain) == 0 {
		return core.ZeroVersion
	}
	return chain[0].Version
}

// Head returns the chain head including tombstones.
func (s *Store) Head(k core.Key) (Entry, bool) {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	chain := sh.chains[key]
	if len(chain) == 0 {
		return Entry{}, false
	}
	return chain[0], true
}

// History walks the chain newest-first, returning up to limit entries with
// version number strictly below beforeVersion (0 means unbounded).
// Tombstones are included; the caller decides how to render them.
func (s *Store) History(k core.Key, limit int, beforeVersion uint64) []Entry {
	key := string(k.Encode())
	sh := s.shardFor(key)
	sh.mu.RLock()
	chain := sh.chains[key]
	sh.mu.RUnlock()

	out := make([]Entry, 0, limit)
	for _, e := range chain {
		if beforeVersion != 0 && e.Version.N >= beforeVersion {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ScanPrefix iterates keys with the given encoded prefix in key order,
// yielding the entry visible at maxStamp. Tombstoned and expired keys are
// skipped. limit 0 means unlimited.
func (s *Store) ScanPrefix(prefix []byte, maxStamp uint64, nowMicros int64, limit int) []Pair {
	keys := s.keysWithPrefix(prefix)
	out := make([]Pair, 0, min(len(keys), 64))
	for _, key := range keys {
		k, err := core.DecodeKey([]byte(key))
		if err != nil {
			continue
		}
		e, ok := s.GetAsOf(k, maxStamp, nowMicros)
		if !ok {
			continue
		}
		out = append(out, Pair{Key: k, Entry: e})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) keysWithPrefix(prefix []byte) []string {
	p := string(prefix)
	var keys []string
	s.indexMu.RLock()
	s.index.Ascend(p, func(key string, _ struct{}) bool {
		if len(key) < len(p) || key[:len(p)] != p {
			return false
		}
		keys = append(keys, key)
		return true
	})
	s.indexMu.RUnlock()
	return keys
}

// DropPrefix physically removes every chain whose key starts with prefix.
// Used by branch cascade deletion. Returns the number of keys removed.
func (s *Store) DropPrefix(prefix []byte) int {
	keys := s.keysWithPrefix(prefix)
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		delete(sh.chains, key)
		sh.mu.Unlock()
	}
	s.indexMu.Lock()
	for _, key := range keys {
		s.index.Delete(key)
	}
	s.indexMu.Unlock()
	s.keyCount.Add(int64(-len(keys)))
	return len(keys)
}

// RangeHeadsAsOf visits, in key order, the newest entry with stamp <=
// maxStamp for every key (tombstones included). Used by checkpointing.
func (s *Store) RangeHeadsAsOf(maxStamp uint64, fn func(k core.Key, e Entry) bool) {
	s.indexMu.RLock()
	keys := make([]string, 0, s.index.Len())
	s.index.Scan(func(key string, _ struct{}) bool {
		keys = append(keys, key)
		return true
	})
	s.indexMu.RUnlock()

	for _, key := range keys {
		k, err := core.DecodeKey([]byte(key))
		if err != nil {
			continue
		}
		sh := s.shardFor(key)
		sh.mu.RLock()
		chain := sh.chains[key]
		var head Entry
		found := false
		for _, e := range chain {
			if e.Stamp <= maxStamp {
				head = e
				found = true
				break
			}
		}
		sh.mu.RUnlock()
		if !found {
			continue
		}
		if !fn(k, head) {
			return
		}
	}
}

// KeyCount returns the number of live chains.
func (s *Store) KeyCount() int64 { return s.keyCount.Load() }

// MaxStampAndVersions reports the highest stamp and the highest version
// number per version kind across the whole store. Recovery uses this to
// advance allocators past everything replayed.
func (s *Store) MaxStampAndVersions() (maxStamp uint64, maxByKind map[core.VersionKind]uint64) {
	maxByKind = make(map[core.VersionKind]uint64)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, chain := range sh.chains {
			for _, e := range chain {
				if e.Stamp > maxStamp {
					maxStamp = e.Stamp
				}
				if e.Version.N > maxByKind[e.Version.Kind] {
					maxByKind[e.Version.Kind] = e.Version.N
				}
			}
		}
		sh.mu.RUnlock()
	}
	return maxStamp, maxByKind
}
