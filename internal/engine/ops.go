package engine

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/store"
	"github.com/stratadb-labs/strata/internal/vector"
)

// WithTxn runs fn inside a transaction on branch: commit on nil return,
// abort on error. When outer is non-nil the operations join it instead and
// the outer owner commits.
func (e *Engine) WithTxn(branch core.BranchID, outer *Txn, fn func(*Txn) error) (core.Version, error) {
	if outer != nil {
		return core.ZeroVersion, fn(outer)
	}
	t := e.Begin(branch)
	if err := fn(t); err != nil {
		t.Abort()
		return core.ZeroVersion, err
	}
	return e.Commit(t)
}

// retryPolicy is the blessed backoff for engine-managed retry loops:
// exponential with jitter, bounded attempts.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Microsecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 16)
}

// Incr atomically adds delta to an integer KV key, creating it at delta.
// Internally a read/CAS loop with bounded backoff.
func (e *Engine) Incr(branch core.BranchID, key string, delta int64) (int64, error) {
	var result int64
	operation := func() error {
		t := e.Begin(branch)
		defer func() {
			if t.Active() {
				t.Abort()
			}
		}()
		k := kvKey(branch, key)
		head, ok := e.store.Get(k, nowMicros())
		var cur int64
		expected := core.ZeroVersion
		if ok {
			i, isInt := head.Value.AsInt()
			if !isInt {
				return backoff.Permanent(core.WrongType(core.Ref(branch, core.TagKV, key), "incr on non-integer value"))
			}
			cur = i
			expected = head.Version
		}
		next := cur + delta
		if err := t.CAS(key, expected, core.Int(next)); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := e.Commit(t); err != nil {
			if core.IsConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = next
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy()); err != nil {
		return 0, err
	}
	return result, nil
}

// StateTransition runs the engine-managed OCC retry loop for a state cell:
// read, apply the pure function, CAS, and on conflict re-read and retry
// with exponential backoff. fn may run multiple times and must be pure.
func (e *Engine) StateTransition(branch core.BranchID, name string, fn func(core.Value) (core.Value, error)) (uint64, error) {
	var counter uint64
	operation := func() error {
		k := stateKey(branch, name)
		head, ok := e.store.Get(k, nowMicros())
		if !ok {
			return backoff.Permanent(core.NotFound(core.Ref(branch, core.TagState, name)))
		}
		next, err := fn(head.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		t := e.Begin(branch)
		if err := t.StateCAS(name, head.Version.N, next); err != nil {
			t.Abort()
			return backoff.Permanent(err)
		}
		if _, err := e.Commit(t); err != nil {
			if core.IsConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		counter = head.Version.N + 1
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy()); err != nil {
		return 0, err
	}
	return counter, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Read paths (consistent view, no transaction bookkeeping)
// ───────────────────────────────────────────────────────────────────────────

// KVGet reads the live value of a key.
func (e *Engine) KVGet(branch core.BranchID, key string) (core.VersionedValue, bool) {
	ent, ok := e.store.Get(kvKey(branch, key), nowMicros())
	if !ok {
		return core.VersionedValue{}, false
	}
	return ent.VersionedValue, true
}

// KVGetAsOf reads the value visible at an earlier commit version. An as-of
// read below the oldest retained version fails with HistoryTrimmed.
func (e *Engine) KVGetAsOf(branch core.BranchID, key string, stamp uint64) (core.VersionedValue, bool, error) {
	k := kvKey(branch, key)
	ent, ok := e.store.GetAsOf(k, stamp, nowMicros())
	if ok {
		return ent.VersionedValue, true, nil
	}
	if earliest, trimmed := e.store.TrimmedBelow(k, stamp); trimmed {
		return core.VersionedValue{}, false,
			core.HistoryTrimmed(core.Ref(branch, core.TagKV, key), core.TxnVersion(stamp), earliest)
	}
	return core.VersionedValue{}, false, nil
}

// KVList scans keys under prefix in order.
func (e *Engine) KVList(branch core.BranchID, prefix string, limit int) []store.Pair {
	p := core.TagPrefix(branch, core.TagKV)
	p = append(p, prefix...)
	return e.View(0).ScanPrefix(p, limit)
}

// KVHistory walks a key's version chain newest-first.
func (e *Engine) KVHistory(branch core.BranchID, key string, limit int, beforeVersion uint64) []core.VersionedValue {
	entries := e.store.History(kvKey(branch, key), limit, beforeVersion)
	out := make([]core.VersionedValue, len(entries))
	for i, ent := range entries {
		out[i] = ent.VersionedValue
	}
	return out
}

// StateHistory walks a cell's counter history newest-first.
func (e *Engine) StateHistory(branch core.BranchID, name string, limit int, beforeCounter uint64) []core.VersionedValue {
	entries := e.store.History(stateKey(branch, name), limit, beforeCounter)
	out := make([]core.VersionedValue, len(entries))
	for i, ent := range entries {
		out[i] = ent.VersionedValue
	}
	return out
}

// StateGet reads a cell.
func (e *Engine) StateGet(branch core.BranchID, name string) (core.VersionedValue, bool) {
	ent, ok := e.store.Get(stateKey(branch, name), nowMicros())
	if !ok {
		return core.VersionedValue{}, false
	}
	return ent.VersionedValue, true
}

// StateList names the branch's cells in order.
func (e *Engine) StateList(branch core.BranchID, limit int) []string {
	pairs := e.View(0).ScanPrefix(core.TagPrefix(branch, core.TagState), limit)
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = string(p.Key.User)
	}
	return out
}

// Event is one decoded event-log entry.
type Event struct {
	Sequence        uint64
	Type            string
	Payload         core.Value
	TimestampMicros int64
	Hash            uint64
	PrevHash        uint64
}

func decodeEvent(v core.Value) (Event, bool) {
	var ev Event
	sv, ok := v.MapGet("seq")
	if !ok {
		return ev, false
	}
	seq, _ := sv.AsInt()
	ev.Sequence = uint64(seq)
	if tv, ok := v.MapGet("type"); ok {
		ev.Type, _ = tv.AsString()
	}
	ev.Payload, _ = v.MapGet("payload")
	if tsv, ok := v.MapGet("ts"); ok {
		ts, _ := tsv.AsInt()
		ev.TimestampMicros = ts
	}
	if hv, ok := v.MapGet("hash"); ok {
		h, _ := hv.AsInt()
		ev.Hash = uint64(h)
	}
	if pv, ok := v.MapGet("prev"); ok {
		p, _ := pv.AsInt()
		ev.PrevHash = uint64(p)
	}
	return ev, true
}

// EventRead returns one event by sequence.
func (e *Engine) EventRead(branch core.BranchID, stream string, seq uint64) (Event, bool) {
	ent, ok := e.store.Get(eventKey(branch, stream, seq), nowMicros())
	if !ok {
		return Event{}, false
	}
	return decodeEvent(ent.Value)
}

// EventRange returns events with from <= sequence < to, in order. to of 0
// means "to head". limit 0 means unlimited.
func (e *Engine) EventRange(branch core.BranchID, stream string, from, to uint64, limit int) []Event {
	head, _ := e.peekEventHead(branch, stream)
	if to == 0 || to > head {
		to = head
	}
	var out []Event
	for seq := from; seq < to; seq++ {
		ev, ok := e.EventRead(branch, stream, seq)
		if !ok {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EventReadByType filters a range by event type.
func (e *Engine) EventReadByType(branch core.BranchID, stream, eventType string, limit int) []Event {
	var out []Event
	for _, ev := range e.EventRange(branch, stream, 0, 0, 0) {
		if ev.Type != eventType {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EventLen returns the stream length (head sequence count).
func (e *Engine) EventLen(branch core.BranchID, stream string) uint64 {
	n, _ := e.peekEventHead(branch, stream)
	return n
}

// EventHead returns the newest event, if any.
func (e *Engine) EventHead(branch core.BranchID, stream string) (Event, bool) {
	n, _ := e.peekEventHead(branch, stream)
	if n == 0 {
		return Event{}, false
	}
	return e.EventRead(branch, stream, n-1)
}

// ChainReport is the result of an event-chain verification walk.
type ChainReport struct {
	Valid        bool
	Length       uint64
	FirstInvalid uint64
	HasInvalid   bool
}

// EventVerifyChain recomputes every link of the stream's hash chain.
func (e *Engine) EventVerifyChain(branch core.BranchID, stream string) ChainReport {
	length, _ := e.peekEventHead(branch, stream)
	rep := ChainReport{Valid: true, Length: length}
	var prev uint64
	for seq := uint64(0); seq < length; seq++ {
		ev, ok := e.EventRead(branch, stream, seq)
		if !ok || ev.PrevHash != prev || eventHashOf(seq, ev.Type, ev.Payload, ev.TimestampMicros, prev) != ev.Hash {
			rep.Valid = false
			rep.FirstInvalid = seq
			rep.HasInvalid = true
			return rep
		}
		prev = ev.Hash
	}
	return rep
}

// ───────────────────────────────────────────────────────────────────────────
// JSON reads
// ───────────────────────────────────────────────────────────────────────────

// JSONGet resolves a path inside a document at the live view.
func (e *Engine) JSONGet(branch core.BranchID, docID, path string) (core.Value, bool, error) {
	segs, err := parsePath(path)
	if err != nil {
		return core.Value{}, false, err
	}
	ent, ok := e.store.Get(jsonKey(branch, docID), nowMicros())
	if !ok {
		return core.Value{}, false, nil
	}
	v, found := getAtPath(ent.Value, segs)
	return v, found, nil
}

// JSONVersion returns a document's revision counter, 0 when absent.
func (e *Engine) JSONVersion(branch core.BranchID, docID string) uint64 {
	ent, ok := e.store.Get(jsonKey(branch, docID), nowMicros())
	if !ok {
		return 0
	}
	return ent.Version.N
}

// ───────────────────────────────────────────────────────────────────────────
// Vector reads
// ───────────────────────────────────────────────────────────────────────────

// SearchResult is one similarity hit addressed by user key.
type SearchResult struct {
	Key   string
	ID    uint64
	Score float64
}

// VectorSearch runs a k-NN query. The budget is checked at phase
// boundaries only; zero means no budget. The facade ordering contract is
// (score desc, user key asc).
func (e *Engine) VectorSearch(branch core.BranchID, collection string, query []float32, k int, budget time.Duration) ([]SearchResult, error) {
	col := e.vectors.Get(branch, collection)
	if col == nil {
		return nil, core.NotFound(core.Ref(branch, core.TagVectorConfig, collection))
	}
	if len(query) != col.Cfg.Dimension {
		return nil, core.ConstraintViolation("query dimension mismatch")
	}
	start := time.Now()
	deadlineHit := func() bool { return budget > 0 && time.Since(start) > budget }

	if deadlineHit() {
		return nil, core.BudgetExceeded("vector search budget exhausted before scoring")
	}
	matches := col.Backend.Search(query, k)
	if deadlineHit() {
		return nil, core.BudgetExceeded("vector search budget exhausted after scoring")
	}

	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		key, ok := col.KeyFor(m.ID)
		if !ok {
			continue
		}
		out = append(out, SearchResult{Key: key, ID: m.ID, Score: m.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// VectorGet returns a stored embedding by user key.
func (e *Engine) VectorGet(branch core.BranchID, collection, userKey string) (uint64, []float32, bool) {
	ent, ok := e.store.Get(vectorKey(branch, collection, userKey), nowMicros())
	if !ok {
		return 0, nil, false
	}
	return decodeVectorValueOK(ent.Value)
}

func decodeVectorValueOK(v core.Value) (uint64, []float32, bool) {
	return decodeVectorValue(v)
}

// VectorCollectionConfig returns a collection's immutable configuration.
func (e *Engine) VectorCollectionConfig(branch core.BranchID, collection string) (vector.Config, bool) {
	col := e.vectors.Get(branch, collection)
	if col == nil {
		return vector.Config{}, false
	}
	return col.Cfg, true
}

// ───────────────────────────────────────────────────────────────────────────
// Run reads
// ───────────────────────────────────────────────────────────────────────────

// RunInfo is a decoded run record.
type RunInfo struct {
	ID        string
	Status    core.RunStatus
	Tags      []string
	Meta      core.Value
	CreatedAt int64
	UpdatedAt int64
}

func decodeRunInfo(v core.Value) RunInfo {
	var info RunInfo
	if iv, ok := v.MapGet("id"); ok {
		info.ID, _ = iv.AsString()
	}
	info.Status, _ = runStatusOf(v)
	info.Tags = runTagsOf(v)
	info.Meta, _ = v.MapGet("meta")
	if cv, ok := v.MapGet("created_at"); ok {
		info.CreatedAt, _ = cv.AsInt()
	}
	if uv, ok := v.MapGet("updated_at"); ok {
		info.UpdatedAt, _ = uv.AsInt()
	}
	return info
}

// RunGet returns one run's metadata.
func (e *Engine) RunGet(runID string) (RunInfo, bool) {
	ent, ok := e.store.Get(runKey(runID), nowMicros())
	if !ok {
		return RunInfo{}, false
	}
	return decodeRunInfo(ent.Value), true
}

// RunList returns runs in id order.
func (e *Engine) RunList(limit int) []RunInfo {
	prefix := core.TagPrefix(RunRegistryBranch, core.TagRun)
	prefix = append(prefix, "run\x00"...)
	pairs := e.View(0).ScanPrefix(prefix, limit)
	out := make([]RunInfo, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, decodeRunInfo(p.Entry.Value))
	}
	return out
}

// RunQuery filters runs via the status and tag secondary indexes. Zero
// values mean "any".
func (e *Engine) RunQuery(status core.RunStatus, tag string, limit int) []RunInfo {
	if status == 0 && tag == "" {
		return e.RunList(limit)
	}
	ids := make(map[string]bool)
	collect := func(prefix []byte) map[string]bool {
		found := make(map[string]bool)
		for _, p := range e.View(0).ScanPrefix(prefix, 0) {
			user := p.Key.User
			// Run id is the suffix after the last NUL separator.
			for i := len(user) - 1; i >= 0; i-- {
				if user[i] == 0 {
					found[string(user[i+1:])] = true
					break
				}
			}
		}
		return found
	}
	if status != 0 {
		prefix := core.TagPrefix(RunRegistryBranch, core.TagRun)
		prefix = append(prefix, "idx\x00status\x00"...)
		prefix = append(prefix, status.String()...)
		prefix = append(prefix, 0)
		ids = collect(prefix)
	}
	if tag != "" {
		prefix := core.TagPrefix(RunRegistryBranch, core.TagRun)
		prefix = append(prefix, "idx\x00tag\x00"...)
		prefix = append(prefix, tag...)
		prefix = append(prefix, 0)
		tagged := collect(prefix)
		if status != 0 {
			for id := range ids {
				if !tagged[id] {
					delete(ids, id)
				}
			}
		} else {
			ids = tagged
		}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	out := make([]RunInfo, 0, len(ordered))
	for _, id := range ordered {
		if info, ok := e.RunGet(id); ok {
			out = append(out, info)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
