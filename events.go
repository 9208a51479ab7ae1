package strata

import (
	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/engine"
)

// Events is the append-only event-log facade. Streams are single-writer
// ordered per branch, causally hash-chained, and gap-free: sequence numbers
// are allocated under the commit lock and rolled back with the transaction.
type Events struct {
	eng *engine.Engine
}

// Append writes one event and returns its sequence and chain hash.
func (ev Events) Append(branch Branch, stream, eventType string, payload Value) (uint64, uint64, error) {
	var res *engine.EventAppendResult
	_, err := ev.eng.WithTxn(branch, nil, func(t *Txn) error {
		var aerr error
		res, aerr = t.AppendEvent(stream, eventType, payload)
		return aerr
	})
	if err != nil {
		return 0, 0, err
	}
	return res.Sequence, res.Hash, nil
}

// Read returns the event at a sequence.
func (ev Events) Read(branch Branch, stream string, seq uint64) (Event, bool) {
	return ev.eng.EventRead(branch, stream, seq)
}

// ReadRange returns events with from <= sequence < to in order. to 0 means
// "to head"; limit 0 means unlimited.
func (ev Events) ReadRange(branch Branch, stream string, from, to uint64, limit int) []Event {
	return ev.eng.EventRange(branch, stream, from, to, limit)
}

// ReadByType filters the stream by event type.
func (ev Events) ReadByType(branch Branch, stream, eventType string, limit int) []Event {
	return ev.eng.EventReadByType(branch, stream, eventType, limit)
}

// Head returns the newest event.
func (ev Events) Head(branch Branch, stream string) (Event, bool) {
	return ev.eng.EventHead(branch, stream)
}

// Len returns the stream length.
func (ev Events) Len(branch Branch, stream string) uint64 {
	return ev.eng.EventLen(branch, stream)
}

// VerifyChain recomputes every link of the stream's hash chain.
func (ev Events) VerifyChain(branch Branch, stream string) ChainReport {
	return ev.eng.EventVerifyChain(branch, stream)
}

// Update is rejected: event logs are append-only.
func (ev Events) Update(branch Branch, stream string, seq uint64, payload Value) error {
	return core.InvalidOperation(core.Ref(branch, core.TagEvent, stream), "event logs are append-only")
}

// Delete is rejected: event logs are append-only.
func (ev Events) Delete(branch Branch, stream string, seq uint64) error {
	return core.InvalidOperation(core.Ref(branch, core.TagEvent, stream), "event logs are append-only")
}
