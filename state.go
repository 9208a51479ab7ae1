package strata

import (
	"github.com/stratadb-labs/strata/internal/engine"
)

// State is the versioned state-cell facade. Each cell carries a counter
// version incremented on every write; CAS and the engine-managed Transition
// loop are the concurrency tools.
type State struct {
	eng *engine.Engine
}

// Init creates a cell at counter 1. It fails if the cell exists. A cell
// re-created after deletion resumes its counter past the tombstone so
// version monotonicity holds per key.
func (s State) Init(branch Branch, name string, v Value) (Version, error) {
	if _, err := s.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.StateInit(name, v)
	}); err != nil {
		return ZeroVersion, err
	}
	got, _ := s.eng.StateGet(branch, name)
	return got.Version, nil
}

// Read returns the cell's value, counter, and timestamp.
func (s State) Read(branch Branch, name string) (Value, uint64, int64, bool) {
	vv, ok := s.eng.StateGet(branch, name)
	if !ok {
		return Value{}, 0, 0, false
	}
	return vv.Value, vv.Version.N, vv.TimestampMicros, true
}

// CAS writes the cell only if its counter matches expected, returning the
// new counter. A mismatch returns a conflict error.
func (s State) CAS(branch Branch, name string, expectedCounter uint64, v Value) (uint64, error) {
	_, err := s.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.StateCAS(name, expectedCounter, v)
	})
	if err != nil {
		return 0, err
	}
	return expectedCounter + 1, nil
}

// Set writes the cell unconditionally.
func (s State) Set(branch Branch, name string, v Value) error {
	_, err := s.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.StateSet(name, v)
	})
	return err
}

// Transition applies a pure function inside the engine-managed OCC retry
// loop: read, apply, CAS; on conflict re-read and retry with exponential
// backoff up to a bounded attempt count. fn may run multiple times.
func (s State) Transition(branch Branch, name string, fn func(Value) (Value, error)) (uint64, error) {
	return s.eng.StateTransition(branch, name, fn)
}

// Delete removes the cell.
func (s State) Delete(branch Branch, name string) error {
	_, err := s.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.StateDelete(name)
	})
	return err
}

// Exists reports whether the cell is live.
func (s State) Exists(branch Branch, name string) bool {
	_, ok := s.eng.StateGet(branch, name)
	return ok
}

// History walks the cell's counter history newest-first.
func (s State) History(branch Branch, name string, limit int, beforeCounter uint64) []VersionedValue {
	return s.eng.StateHistory(branch, name, limit, beforeCounter)
}

// List names the branch's cells in order.
func (s State) List(branch Branch, limit int) []string {
	return s.eng.StateList(branch, limit)
}
