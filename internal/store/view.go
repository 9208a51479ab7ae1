package store

import (
	"time"

	"github.com/stratadb-labs/strata/internal/core"
)

// View is a read-only, consistent snapshot of the store at a commit stamp.
// It is the lazy variant: reads go to the live store with stamp filtering,
// which is safe because chains are immutable-prepend.
type View struct {
	s        *Store
	maxStamp uint64
}

// NewView captures a view at the given stamp.
func NewView(s *Store, maxStamp uint64) *View {
	return &View{s: s, maxStamp: maxStamp}
}

// Stamp returns the commit stamp the view observes.
func (v *View) Stamp() uint64 { return v.maxStamp }

// Get returns the value visible at the view's stamp.
func (v *View) Get(k core.Key) (Entry, bool) {
	return v.s.GetAsOf(k, v.maxStamp, nowMicros())
}

// HeadStamp returns the stamp observed for the key at the view (tombstones
// included), 0 for never-existed.
func (v *View) HeadStamp(k core.Key) uint64 {
	return v.s.HeadStampAsOf(k, v.maxStamp)
}

// ScanPrefix iterates visible keys under prefix in key order.
func (v *View) ScanPrefix(prefix []byte, limit int) []Pair {
	return v.s.ScanPrefix(prefix, v.maxStamp, nowMicros(), limit)
}

func nowMicros() int64 { return time.Now().UnixMicro() }
