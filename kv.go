package strata

import (
	"time"

	"github.com/stratadb-labs/strata/internal/engine"
)

// KV is the key-value facade. Stateless: it holds only the engine handle,
// and every method without an explicit transaction runs in an implicit
// single-operation one.
type KV struct {
	eng *engine.Engine
}

// KVPair is one scan result.
type KVPair struct {
	Key   string
	Value VersionedValue
}

// Put writes a value and returns the commit version.
func (kv KV) Put(branch Branch, key string, v Value) (Version, error) {
	return kv.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.Put(key, v, 0)
	})
}

// PutTTL writes a value that expires after ttl.
func (kv KV) PutTTL(branch Branch, key string, v Value, ttl time.Duration) (Version, error) {
	return kv.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.Put(key, v, ttl)
	})
}

// Get reads the live value.
func (kv KV) Get(branch Branch, key string) (VersionedValue, bool) {
	return kv.eng.KVGet(branch, key)
}

// Delete tombstones the key, reporting whether it existed.
func (kv KV) Delete(branch Branch, key string) (bool, error) {
	existed := false
	_, err := kv.eng.WithTxn(branch, nil, func(t *Txn) error {
		var derr error
		existed, derr = t.Delete(key)
		return derr
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// CASVersion writes only if the stored version matches expected. A version
// mismatch returns (false, nil); other failures return the error.
func (kv KV) CASVersion(branch Branch, key string, expected Version, v Value) (bool, error) {
	_, err := kv.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.CAS(key, expected, v)
	})
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Incr atomically adds delta to an integer key, creating it at delta.
func (kv KV) Incr(branch Branch, key string, delta int64) (int64, error) {
	return kv.eng.Incr(branch, key, delta)
}

// List returns up to limit (key, value) pairs under prefix in key order.
func (kv KV) List(branch Branch, prefix string, limit int) []KVPair {
	pairs := kv.eng.KVList(branch, prefix, limit)
	out := make([]KVPair, len(pairs))
	for i, p := range pairs {
		out[i] = KVPair{Key: string(p.Key.User), Value: p.Entry.VersionedValue}
	}
	return out
}

// History walks the key's version chain newest-first. beforeVersion 0 means
// unbounded; tombstones appear as entries with Tombstone set.
func (kv KV) History(branch Branch, key string, limit int, beforeVersion uint64) []VersionedValue {
	return kv.eng.KVHistory(branch, key, limit, beforeVersion)
}
