package strata

import (
	"github.com/stratadb-labs/strata/internal/engine"
)

// JSON is the path-addressed document facade. Paths use dotted keys with
// bracketed array indexes ("profile.emails[0].address"); no wildcards or
// filters. Conflict detection at commit is region-based: two transactions
// touching the same document conflict iff their paths overlap (one is an
// ancestor of, equal to, or a descendant of the other).
type JSON struct {
	eng *engine.Engine
}

// Create stores a new document at revision 1. The root must be an object.
func (j JSON) Create(branch Branch, docID string, initial Value) (uint64, error) {
	_, err := j.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.JSONCreate(docID, initial)
	})
	if err != nil {
		return 0, err
	}
	return j.eng.JSONVersion(branch, docID), nil
}

// Set writes a value at a path, creating intermediate objects. Returns the
// document's new revision counter.
func (j JSON) Set(branch Branch, docID, path string, v Value) (uint64, error) {
	_, err := j.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.JSONSet(docID, path, v)
	})
	if err != nil {
		return 0, err
	}
	return j.eng.JSONVersion(branch, docID), nil
}

// Delete removes the value at a path.
func (j JSON) Delete(branch Branch, docID, path string) (uint64, error) {
	_, err := j.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.JSONDelete(docID, path)
	})
	if err != nil {
		return 0, err
	}
	return j.eng.JSONVersion(branch, docID), nil
}

// Destroy deletes the whole document.
func (j JSON) Destroy(branch Branch, docID string) error {
	_, err := j.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.JSONDestroy(docID)
	})
	return err
}

// Get resolves a path. An empty path returns the whole document.
func (j JSON) Get(branch Branch, docID, path string) (Value, bool, error) {
	return j.eng.JSONGet(branch, docID, path)
}

// Revision returns the document's revision counter, 0 when absent.
func (j JSON) Revision(branch Branch, docID string) uint64 {
	return j.eng.JSONVersion(branch, docID)
}
