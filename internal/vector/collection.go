package vector

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/stratadb-labs/strata/internal/core"
)

// Config is a collection's immutable shape.
type Config struct {
	Dimension int
	Metric    DistanceMetric
}

// Collection tracks one collection's identity state: the monotonic next
// vector id (ids are never reused), the free slots left by deletes
// (recorded and snapshotted; allocation does not draw from them), and the
// user-key ↔ id mapping. Embedding payloads live in the versioned store;
// the collection mirrors them into its index backend.
type Collection struct {
	Cfg Config

	NextID    uint64
	FreeSlots []uint64

	idByKey map[string]uint64
	keyByID map[uint64]string

	Backend IndexBackend
}

// NewCollection creates an empty collection with a brute-force backend.
func NewCollection(cfg Config) *Collection {
	return &Collection{
		Cfg:     cfg,
		NextID:  1,
		idByKey: make(map[string]uint64),
		keyByID: make(map[uint64]string),
		Backend: NewBruteForce(cfg.Dimension, cfg.Metric),
	}
}

// IDFor returns the vector id of a user key.
func (c *Collection) IDFor(key string) (uint64, bool) {
	id, ok := c.idByKey[key]
	return id, ok
}

// KeyFor returns the user key of a vector id.
func (c *Collection) KeyFor(id uint64) (string, bool) {
	k, ok := c.keyByID[id]
	return k, ok
}

// AllocateID reserves the id an upsert of key will use without applying it.
// Existing keys keep their id; new keys peek the monotonic allocator.
func (c *Collection) AllocateID(key string) uint64 {
	if id, ok := c.idByKey[key]; ok {
		return id
	}
	return c.NextID
}

// ApplyUpsert binds key to id, bumps the allocator when the id is fresh, and
// feeds the backend. Used by both commit and replay with the exact id the
// WAL recorded.
func (c *Collection) ApplyUpsert(key string, id uint64, embedding []float32) {
	if old, ok := c.idByKey[key]; ok && old != id {
		// Replay after a delete+reinsert: the key moved to a newer id.
		delete(c.keyByID, old)
		c.Backend.Delete(old)
	}
	c.idByKey[key] = id
	c.keyByID[id] = key
	if id >= c.NextID {
		c.NextID = id + 1
	}
	c.Backend.Insert(id, embedding)
}

// ApplyDelete unbinds key, frees its slot, and updates the backend.
func (c *Collection) ApplyDelete(key string) bool {
	id, ok := c.idByKey[key]
	if !ok {
		return false
	}
	delete(c.idByKey, key)
	delete(c.keyByID, id)
	c.FreeSlots = append(c.FreeSlots, id)
	c.Backend.Delete(id)
	return true
}

// Len returns the live vector count.
func (c *Collection) Len() int { return len(c.idByKey) }

// Registry is the in-memory set of collections per (branch, name). It is
// derived state: rebuilt from the store during recovery, with allocator
// state restored from its snapshot section.
type Registry struct {
	mu   sync.RWMutex
	cols map[string]*Collection // key: namespace-prefixed collection name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cols: make(map[string]*Collection)}
}

func regKey(branch core.BranchID, name string) string {
	ns := branch.Namespace()
	return string(ns[:]) + name
}

// RawKey builds a registry key from a namespace already in hand. Recovery
// rebuilds collections from store keys, where only the namespace (not the
// branch name) is recoverable.
func RawKey(ns core.Namespace, name string) string {
	return string(ns[:]) + name
}

// GetRaw returns the collection under a raw registry key, or nil.
func (r *Registry) GetRaw(key string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cols[key]
}

// CreateRaw registers a collection under a raw registry key, replacing
// nothing: an existing collection is returned as-is.
func (r *Registry) CreateRaw(key string, cfg Config) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cols[key]; ok {
		return c
	}
	c := NewCollection(cfg)
	r.cols[key] = c
	return c
}

// Get returns the collection, or nil.
func (r *Registry) Get(branch core.BranchID, name string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cols[regKey(branch, name)]
}

// Create registers a new collection; it fails if one exists.
func (r *Registry) Create(branch core.BranchID, name string, cfg Config) (*Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey(branch, name)
	if _, ok := r.cols[k]; ok {
		return nil, core.ConstraintViolation("vector collection already exists: " + name)
	}
	c := NewCollection(cfg)
	r.cols[k] = c
	return c, nil
}

// Drop removes a collection and its backend.
func (r *Registry) Drop(branch core.BranchID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey(branch, name)
	if _, ok := r.cols[k]; !ok {
		return false
	}
	delete(r.cols, k)
	return true
}

// DropBranch removes every collection of the branch (cascade delete).
func (r *Registry) DropBranch(branch core.BranchID) int {
	ns := branch.Namespace()
	prefix := string(ns[:])
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.cols {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cols, k)
			n++
		}
	}
	return n
}

// ───────────────────────────────────────────────────────────────────────────
// Allocator snapshot section
// ───────────────────────────────────────────────────────────────────────────
//
// The snapshot must preserve identity state the store alone cannot rebuild:
// next-id allocators and free slots survive even when the slots' vectors are
// gone. Layout per collection:
//   key len uvarint | key bytes | next_id uvarint | free count uvarint | ids*

// SerializeAllocators renders the registry's identity state.
func (r *Registry) SerializeAllocators() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.cols))
	for k := range r.cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := binary.AppendUvarint(nil, uint64(len(keys)))
	for _, k := range keys {
		c := r.cols[k]
		out = binary.AppendUvarint(out, uint64(len(k)))
		out = append(out, k...)
		out = binary.AppendUvarint(out, c.NextID)
		out = binary.AppendUvarint(out, uint64(len(c.FreeSlots)))
		slots := make([]uint64, len(c.FreeSlots))
		copy(slots, c.FreeSlots)
		sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
		for _, s := range slots {
			out = binary.AppendUvarint(out, s)
		}
	}
	return out
}

// RestoreAllocators applies a serialized allocator section onto collections
// already rebuilt from the store. Unknown collections are created lazily so
// an empty-but-configured collection keeps its allocator.
func (r *Registry) RestoreAllocators(data []byte, cfgFor func(regKey string) (Config, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := 0
	count, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return core.SerializationErr(nil, "bad allocator section count")
	}
	pos += n
	for i := uint64(0); i < count; i++ {
		kl, n := binary.Uvarint(data[pos:])
		if n <= 0 || uint64(len(data)-pos-n) < kl {
			return core.SerializationErr(nil, "bad allocator key")
		}
		pos += n
		k := string(data[pos : pos+int(kl)])
		pos += int(kl)
		nextID, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return core.SerializationErr(nil, "bad allocator next id")
		}
		pos += n
		freeCount, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return core.SerializationErr(nil, "bad allocator free count")
		}
		pos += n
		slots := make([]uint64, 0, freeCount)
		for j := uint64(0); j < freeCount; j++ {
			s, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return core.SerializationErr(nil, "bad allocator free slot")
			}
			pos += n
			slots = append(slots, s)
		}
		c, ok := r.cols[k]
		if !ok {
			cfg, found := cfgFor(k)
			if !found {
				continue
			}
			c = NewCollection(cfg)
			r.cols[k] = c
		}
		if nextID > c.NextID {
			c.NextID = nextID
		}
		c.FreeSlots = slots
	}
	return nil
}
