package strata

import (
	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/engine"
)

// Run lifecycle states. Terminal states never return to Active; Archived
// is final.
const (
	RunActive    = core.RunActive
	RunCompleted = core.RunCompleted
	RunFailed    = core.RunFailed
	RunCancelled = core.RunCancelled
	RunPaused    = core.RunPaused
	RunArchived  = core.RunArchived
)

// Runs is the run-index facade. A run id names a branch; deleting a run
// cascades to its whole keyspace. Status and tag secondary indexes are
// maintained in the same transaction as the metadata mutation.
type Runs struct {
	eng *engine.Engine
}

// Create registers a run in Active status.
func (r Runs) Create(runID string, tags []string, meta Value) error {
	_, err := r.eng.WithTxn(engine.RunRegistryBranch, nil, func(t *Txn) error {
		return t.RunCreate(runID, tags, meta)
	})
	return err
}

// Get returns one run's metadata.
func (r Runs) Get(runID string) (RunInfo, bool) {
	return r.eng.RunGet(runID)
}

// UpdateStatus moves the run through the closed transition table.
func (r Runs) UpdateStatus(runID string, to RunStatus) error {
	_, err := r.eng.WithTxn(engine.RunRegistryBranch, nil, func(t *Txn) error {
		return t.RunUpdateStatus(runID, to)
	})
	return err
}

// Archive moves the run to Archived.
func (r Runs) Archive(runID string) error {
	return r.UpdateStatus(runID, RunArchived)
}

// List returns runs in id order.
func (r Runs) List(limit int) []RunInfo {
	return r.eng.RunList(limit)
}

// Query filters runs by status and/or tag via the secondary indexes. Zero
// values mean "any".
func (r Runs) Query(status RunStatus, tag string, limit int) []RunInfo {
	return r.eng.RunQuery(status, tag, limit)
}

// Delete removes the run and cascades to every key in its keyspace,
// including vector collections.
func (r Runs) Delete(runID string) error {
	_, err := r.eng.WithTxn(engine.RunRegistryBranch, nil, func(t *Txn) error {
		return t.RunDelete(runID)
	})
	return err
}
