package engine

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/encoding"
	"github.com/stratadb-labs/strata/internal/store"
	"github.com/stratadb-labs/strata/internal/vector"
	"github.com/stratadb-labs/strata/internal/wal"
)

// eventHashOf is the chain mixer: a fast non-cryptographic digest over the
// event's identity. Tamper-evident within the process trust boundary; the
// record format leaves room for a cryptographic upgrade.
func eventHashOf(seq uint64, eventType string, payload core.Value, tsMicros int64, prevHash uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putBE := func(v uint64) {
		buf[0] = byte(v >> 56)
		buf[1] = byte(v >> 48)
		buf[2] = byte(v >> 40)
		buf[3] = byte(v >> 32)
		buf[4] = byte(v >> 24)
		buf[5] = byte(v >> 16)
		buf[6] = byte(v >> 8)
		buf[7] = byte(v)
		d.Write(buf[:])
	}
	putBE(seq)
	d.WriteString(eventType)
	d.Write(encoding.EncodeValue(payload))
	putBE(uint64(tsMicros))
	putBE(prevHash)
	return d.Sum64()
}

// Commit runs the OCC pipeline: validate against the live store under the
// per-branch commit lock, allocate the commit version and per-primitive
// sequence numbers, append the framed writeset to the WAL, then apply.
func (e *Engine) Commit(t *Txn) (core.Version, error) {
	if t.state != txnActive {
		return core.ZeroVersion, core.TransactionNotActive()
	}
	if d := e.cfg.MaxTransactionValidation; d > 0 && time.Since(t.begun) > d {
		t.Abort()
		return core.ZeroVersion, core.TransactionTimeout("transaction open past validation deadline")
	}
	// Read-only transactions never conflict and never touch the WAL.
	if len(t.ops) == 0 {
		t.state = txnCommitted
		e.untrackTxn(t.id)
		e.stats.committed.Add(1)
		return core.TxnVersion(t.start), nil
	}

	lock := e.commitLock(t.branch)
	lock.Lock()
	var registryLock bool
	if t.branch != RunRegistryBranch && t.hasRunOps() {
		e.commitLock(RunRegistryBranch).Lock()
		registryLock = true
	}
	unlock := func() {
		if registryLock {
			e.commitLock(RunRegistryBranch).Unlock()
		}
		lock.Unlock()
	}

	if err := e.validate(t); err != nil {
		unlock()
		t.state = txnAborted
		e.untrackTxn(t.id)
		e.stats.conflicted.Add(1)
		return core.ZeroVersion, err
	}

	tsMicros := nowMicros()
	commitVersion := e.versionCounter.Add(1)
	effective := e.allocate(t, commitVersion, tsMicros)

	if e.cfg.Durability != InMemory {
		group := make([]wal.Record, 0, len(effective)+2)
		group = append(group, wal.Record{
			Type: wal.EntryBeginTxn, Version: payloadVersion, TxID: t.id,
			Payload: encodeBegin(beginPayload{branch: t.branch, tsMicros: tsMicros}),
		})
		for _, o := range effective {
			entryType, payload := encodeOp(o)
			group = append(group, wal.Record{
				Type: entryType, Version: payloadVersion, TxID: t.id, Payload: payload,
			})
		}
		group = append(group, wal.Record{
			Type: wal.EntryCommitTxn, Version: payloadVersion, TxID: t.id,
			Payload: encodeCommit(commitPayload{commitVersion: commitVersion, opCount: uint64(len(effective))}),
		})
		n, err := e.wal.Append(group)
		if err != nil {
			unlock()
			t.state = txnAborted
			e.untrackTxn(t.id)
			return core.ZeroVersion, err
		}
		e.walBytesSinceCkp.Add(n)
	}

	for _, o := range effective {
		if err := e.applyOp(t.branch, o, commitVersion, tsMicros, false); err != nil {
			unlock()
			return core.ZeroVersion, err
		}
	}

	// Advance the WAL frontier (monotonic across branches).
	for {
		cur := e.maxCommittedTxn.Load()
		if t.id <= cur || e.maxCommittedTxn.CompareAndSwap(cur, t.id) {
			break
		}
	}
	e.committedCount.Add(1)
	unlock()

	t.state = txnCommitted
	e.untrackTxn(t.id)
	e.stats.committed.Add(1)
	e.maybeCheckpoint()
	return core.TxnVersion(commitVersion), nil
}

func (t *Txn) hasRunOps() bool {
	for _, o := range t.ops {
		switch o.kind {
		case opRunCreate, opRunUpdate, opRunDelete:
			return true
		}
	}
	return false
}

// validate re-checks every observation against the live store. Called under
// the commit lock.
func (e *Engine) validate(t *Txn) error {
	var conflicts []core.Conflict

	for enc, observed := range t.readSet {
		k, err := core.DecodeKey([]byte(enc))
		if err != nil {
			return core.Internalf("undecodable read-set key")
		}
		if live := e.store.HeadStamp(k); live != observed {
			conflicts = append(conflicts, core.Conflict{
				Entity:   core.EntityRef{Branch: t.branch, Kind: k.Tag, ID: k.User},
				Expected: core.TxnVersion(observed),
				Actual:   core.TxnVersion(live),
			})
		}
	}

	// CAS expectations are validated independently of the read set.
	for i, o := range t.ops {
		if !t.isEffective(i) {
			continue
		}
		switch o.kind {
		case opKVCAS, opStateCAS:
			actual := e.store.HeadVersion(o.key)
			if head, ok := e.store.Head(o.key); ok && head.Tombstone && o.kind == opKVCAS {
				actual = core.ZeroVersion
			}
			if actual != o.expected {
				conflicts = append(conflicts, core.Conflict{
					Entity:   core.EntityRef{Branch: t.branch, Kind: o.key.Tag, ID: o.key.User},
					Expected: o.expected,
					Actual:   actual,
				})
			}
		case opStateInit:
			if _, ok := e.store.Get(o.key, nowMicros()); ok {
				conflicts = append(conflicts, core.Conflict{
					Entity: core.EntityRef{Branch: t.branch, Kind: core.TagState, ID: o.key.User},
					Actual: e.store.HeadVersion(o.key),
				})
			}
		case opRunUpdate:
			rec, ok := e.store.Get(o.key, nowMicros())
			if !ok {
				conflicts = append(conflicts, core.Conflict{
					Entity: core.Ref(RunRegistryBranch, core.TagRun, o.runID),
				})
				continue
			}
			cur, _ := runStatusOf(rec.Value)
			if !cur.CanTransition(o.status) {
				conflicts = append(conflicts, core.Conflict{
					Entity: core.Ref(RunRegistryBranch, core.TagRun, o.runID),
					Actual: rec.Version,
				})
			}
		}
	}

	// JSON region validation: blind path patches tolerate concurrent
	// commits to the same document when the regions are disjoint.
	for docEnc, paths := range t.jsonTouched() {
		k, err := core.DecodeKey([]byte(docEnc))
		if err != nil {
			return core.Internalf("undecodable json doc key")
		}
		if _, strict := t.readSet[docEnc]; strict {
			// Already validated strictly above (create or explicit read).
			continue
		}
		live := e.store.HeadStamp(k)
		if live <= t.start {
			continue
		}
		committed, ok := e.jsonRegionsSince(docEnc, t.start)
		overlap := !ok
		for _, cp := range committed {
			for _, p := range paths {
				if pathsOverlap(cp, p) {
					overlap = true
					break
				}
			}
			if overlap {
				break
			}
		}
		if overlap {
			conflicts = append(conflicts, core.Conflict{
				Entity:   core.EntityRef{Branch: t.branch, Kind: core.TagJSON, ID: k.User},
				Expected: core.TxnVersion(t.start),
				Actual:   core.TxnVersion(live),
			})
		}
	}

	if len(conflicts) == 1 {
		c := conflicts[0]
		return core.VersionConflict(c.Entity, c.Expected, c.Actual)
	}
	if len(conflicts) > 0 {
		return core.WriteConflict(conflicts)
	}
	return nil
}

// jsonTouched collects the path regions this transaction patches per
// document key. Create and destroy count as root regions.
func (t *Txn) jsonTouched() map[string][][]pathSeg {
	out := make(map[string][][]pathSeg)
	for _, o := range t.ops {
		switch o.kind {
		case opJSONSet, opJSONDelete:
			enc := string(o.key.Encode())
			out[enc] = append(out[enc], o.path)
		case opJSONCreate, opJSONDestroy:
			enc := string(o.key.Encode())
			out[enc] = append(out[enc], nil) // root overlaps everything
		}
	}
	return out
}

// isEffective reports whether op i survives last-writer-wins coalescing:
// for store-keyed ops only the newest op per key is written and applied.
// Event appends and JSON patches are never coalesced — each is its own
// record.
func (t *Txn) isEffective(i int) bool {
	o := t.ops[i]
	switch o.kind {
	case opEventAppend, opJSONCreate, opJSONSet, opJSONDelete, opJSONDestroy:
		return true
	}
	return t.lastOp[string(o.key.Encode())] == i
}

// allocate resolves final versions, sequence numbers, and vector ids for
// every effective op. Runs under the commit lock after validation, so live
// heads are stable for this branch.
func (e *Engine) allocate(t *Txn, commitVersion uint64, tsMicros int64) []op {
	effective := make([]op, 0, len(t.ops))

	stateCtr := make(map[string]uint64)
	docVers := make(map[string]uint64)
	type localHead struct{ next, prev uint64 }
	eventLocal := make(map[string]localHead)
	vecNext := make(map[string]uint64)
	vecAssigned := make(map[string]uint64) // collection\x00userKey -> id this txn

	for i := range t.ops {
		if !t.isEffective(i) {
			continue
		}
		o := t.ops[i]
		enc := string(o.key.Encode())
		switch o.kind {
		case opKVPut, opKVCAS, opKVDelete, opVecCollectionCreate, opVecCollectionDelete,
			opRunCreate, opRunUpdate, opRunDelete:
			o.resolved = core.TxnVersion(commitVersion)
		case opStateInit, opStateSet, opStateCAS, opStateDelete:
			ctr, ok := stateCtr[enc]
			if !ok {
				ctr = e.store.HeadVersion(o.key).N
			}
			ctr++
			stateCtr[enc] = ctr
			o.resolved = core.CounterVersion(ctr)
		case opJSONCreate, opJSONSet, opJSONDelete, opJSONDestroy:
			ver, ok := docVers[enc]
			if !ok {
				ver = e.store.HeadVersion(o.key).N
			}
			ver++
			docVers[enc] = ver
			o.resolved = core.CounterVersion(ver)
		case opEventAppend:
			h, ok := eventLocal[o.stream]
			if !ok {
				e.auxMu.Lock()
				eh := e.eventHeadFor(t.branch, o.stream)
				h = localHead{next: eh.nextSeq, prev: eh.prevHash}
				e.auxMu.Unlock()
			}
			o.seq = h.next
			o.prevHash = h.prev
			o.hash = eventHashOf(o.seq, o.eventType, o.value, tsMicros, o.prevHash)
			o.resolved = core.SequenceVersion(o.seq)
			o.key = eventKey(t.branch, o.stream, o.seq)
			eventLocal[o.stream] = localHead{next: o.seq + 1, prev: o.hash}
			if o.eventResult != nil {
				o.eventResult.Sequence = o.seq
				o.eventResult.Hash = o.hash
			}
		case opVecUpsert:
			vk := o.collection + "\x00" + o.userKey
			if id, ok := vecAssigned[vk]; ok {
				o.vecID = id
			} else if col := e.vectors.Get(t.branch, o.collection); col != nil {
				if id, ok := col.IDFor(o.userKey); ok {
					o.vecID = id
				} else {
					next, ok := vecNext[o.collection]
					if !ok {
						next = col.NextID
					}
					o.vecID = next
					vecNext[o.collection] = next + 1
				}
				vecAssigned[vk] = o.vecID
			}
			o.resolved = core.TxnVersion(commitVersion)
		case opVecDelete:
			if col := e.vectors.Get(t.branch, o.collection); col != nil {
				if id, ok := col.IDFor(o.userKey); ok {
					o.vecID = id
				}
			}
			o.resolved = core.TxnVersion(commitVersion)
		}
		effective = append(effective, o)
	}
	return effective
}

// applyOp writes one resolved op into the store and updates derived state.
// It serves both the commit path and WAL replay; replay uses the recovered
// (idempotent) store writes and tolerates already-applied records.
func (e *Engine) applyOp(branch core.BranchID, o op, stamp uint64, tsMicros int64, replay bool) error {
	put := func(k core.Key, v core.Value, ver core.Version, expires int64) error {
		if replay {
			return e.store.PutRecovered(k, storeEntry(v, ver, stamp, tsMicros, expires, false))
		}
		return e.store.PutWithVersion(k, v, ver, stamp, tsMicros, expires)
	}
	del := func(k core.Key, ver core.Version) error {
		if replay {
			return e.store.PutRecovered(k, storeEntry(core.Value{}, ver, stamp, tsMicros, 0, true))
		}
		return e.store.DeleteWithVersion(k, ver, stamp, tsMicros)
	}

	switch o.kind {
	case opKVPut, opKVCAS:
		return put(o.key, o.value, o.resolved, o.expiresMicros)
	case opKVDelete:
		return del(o.key, o.resolved)
	case opStateInit, opStateSet, opStateCAS:
		return put(o.key, o.value, o.resolved, 0)
	case opStateDelete:
		return del(o.key, o.resolved)
	case opEventAppend:
		if err := put(o.key, eventValue(o, tsMicros), o.resolved, 0); err != nil {
			return err
		}
		e.auxMu.Lock()
		h := e.eventHeadFor(branch, o.stream)
		if o.seq+1 > h.nextSeq {
			h.nextSeq = o.seq + 1
			h.prevHash = o.hash
		}
		e.auxMu.Unlock()
		return nil
	case opJSONCreate:
		if replay && e.store.HeadVersion(o.key).N >= o.resolved.N {
			return nil
		}
		if err := put(o.key, o.value, o.resolved, 0); err != nil {
			return err
		}
		e.recordJSONRegions(string(o.key.Encode()), stamp, [][]pathSeg{nil})
		return nil
	case opJSONSet, opJSONDelete:
		if e.store.HeadVersion(o.key).N >= o.resolved.N {
			if replay {
				return nil
			}
			return core.Internalf("json patch version regressed for %s", o.docID)
		}
		cur, ok := e.store.Get(o.key, tsMicros)
		if !ok {
			// Document destroyed by an earlier record of the same replayed
			// span; the patch is a no-op.
			if replay {
				return nil
			}
			return core.Internalf("json patch on missing document %s", o.docID)
		}
		var next core.Value
		var err error
		if o.kind == opJSONSet {
			next, err = setAtPath(cur.Value, o.path, o.value)
		} else {
			next, _, err = deleteAtPath(cur.Value, o.path)
		}
		if err != nil {
			return err
		}
		if err := put(o.key, next, o.resolved, 0); err != nil {
			return err
		}
		e.recordJSONRegions(string(o.key.Encode()), stamp, [][]pathSeg{o.path})
		return nil
	case opJSONDestroy:
		if replay && e.store.HeadVersion(o.key).N >= o.resolved.N {
			return nil
		}
		if err := del(o.key, o.resolved); err != nil {
			return err
		}
		e.recordJSONRegions(string(o.key.Encode()), stamp, [][]pathSeg{nil})
		return nil
	case opVecCollectionCreate:
		if _, err := e.vectors.Create(branch, o.collection, o.vecCfg); err != nil && !replay {
			return err
		}
		return put(o.key, vectorConfigValue(o.vecCfg), o.resolved, 0)
	case opVecCollectionDelete:
		e.vectors.Drop(branch, o.collection)
		if err := del(o.key, o.resolved); err != nil {
			return err
		}
		e.store.DropPrefix(vectorPrefix(branch, o.collection))
		return nil
	case opVecUpsert:
		if err := put(o.key, vectorValue(o.vecID, o.embedding), o.resolved, 0); err != nil {
			return err
		}
		if col := e.vectors.Get(branch, o.collection); col != nil {
			col.ApplyUpsert(o.userKey, o.vecID, o.embedding)
		}
		return nil
	case opVecDelete:
		if err := del(o.key, o.resolved); err != nil {
			return err
		}
		if col := e.vectors.Get(branch, o.collection); col != nil {
			col.ApplyDelete(o.userKey)
		}
		return nil
	case opRunCreate:
		rec := runRecordValue(o.runID, o.status, o.tags, o.value, tsMicros, tsMicros)
		if err := put(o.key, rec, o.resolved, 0); err != nil {
			return err
		}
		if err := put(runStatusIndexKey(o.status, o.runID), core.Null(), o.resolved, 0); err != nil {
			return err
		}
		for _, tag := range o.tags {
			if err := put(runTagIndexKey(tag, o.runID), core.Null(), o.resolved, 0); err != nil {
				return err
			}
		}
		return nil
	case opRunUpdate:
		cur, ok := e.store.Get(o.key, tsMicros)
		if !ok {
			if replay {
				return nil
			}
			return core.Internalf("run update on missing run %s", o.runID)
		}
		oldStatus, _ := runStatusOf(cur.Value)
		if replay && oldStatus == o.status {
			return nil
		}
		created := int64(0)
		if cv, ok := cur.Value.MapGet("created_at"); ok {
			created, _ = cv.AsInt()
		}
		tags := runTagsOf(cur.Value)
		meta, _ := cur.Value.MapGet("meta")
		rec := runRecordValue(o.runID, o.status, tags, meta, created, tsMicros)
		if err := put(o.key, rec, o.resolved, 0); err != nil {
			return err
		}
		if err := del(runStatusIndexKey(oldStatus, o.runID), o.resolved); err != nil {
			return err
		}
		return put(runStatusIndexKey(o.status, o.runID), core.Null(), o.resolved, 0)
	case opRunDelete:
		cur, ok := e.store.Get(o.key, tsMicros)
		if ok {
			oldStatus, _ := runStatusOf(cur.Value)
			if err := del(runStatusIndexKey(oldStatus, o.runID), o.resolved); err != nil {
				return err
			}
			for _, tag := range runTagsOf(cur.Value) {
				if err := del(runTagIndexKey(tag, o.runID), o.resolved); err != nil {
					return err
				}
			}
		}
		if err := del(o.key, o.resolved); err != nil && !replay {
			return err
		}
		// Cascade: the run id names a branch; its whole keyspace goes.
		branchOfRun := core.BranchID(o.runID)
		e.store.DropPrefix(core.NamespacePrefix(branchOfRun))
		e.vectors.DropBranch(branchOfRun)
		e.dropAux(branchOfRun)
		return nil
	}
	return core.Internalf("unknown op kind %d", o.kind)
}

func (e *Engine) dropAux(branch core.BranchID) {
	ns := branch.Namespace()
	prefix := string(ns[:])
	e.auxMu.Lock()
	for k := range e.eventHeads {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.eventHeads, k)
		}
	}
	for k := range e.jsonRegions {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.jsonRegions, k)
		}
	}
	e.auxMu.Unlock()
}

func storeEntry(v core.Value, ver core.Version, stamp uint64, ts, expires int64, tombstone bool) store.Entry {
	return store.Entry{
		VersionedValue: core.VersionedValue{
			Value:           v,
			Version:         ver,
			TimestampMicros: ts,
			ExpiresAtMicros: expires,
			Tombstone:       tombstone,
		},
		Stamp: stamp,
	}
}

// eventValue renders the stored representation of one event.
func eventValue(o op, tsMicros int64) core.Value {
	return core.Map(
		core.Entry("seq", core.Int(int64(o.seq))),
		core.Entry("type", core.String(o.eventType)),
		core.Entry("payload", o.value),
		core.Entry("ts", core.Int(tsMicros)),
		core.Entry("hash", core.Int(int64(o.hash))),
		core.Entry("prev", core.Int(int64(o.prevHash))),
	)
}

func vectorConfigValue(cfg vector.Config) core.Value {
	return core.Map(
		core.Entry("dimension", core.Int(int64(cfg.Dimension))),
		core.Entry("metric", core.String(cfg.Metric.String())),
	)
}

func vectorValue(id uint64, emb []float32) core.Value {
	return core.Map(
		core.Entry("id", core.Int(int64(id))),
		core.Entry("embedding", core.Bytes(appendEmbedding(nil, emb))),
	)
}

func runRecordValue(runID string, status core.RunStatus, tags []string, meta core.Value, createdAt, updatedAt int64) core.Value {
	tagVals := make([]core.Value, len(tags))
	for i, t := range tags {
		tagVals[i] = core.String(t)
	}
	return core.Map(
		core.Entry("id", core.String(runID)),
		core.Entry("status", core.String(status.String())),
		core.Entry("tags", core.Array(tagVals...)),
		core.Entry("meta", meta),
		core.Entry("created_at", core.Int(createdAt)),
		core.Entry("updated_at", core.Int(updatedAt)),
	)
}

func runTagsOf(v core.Value) []string {
	tv, ok := v.MapGet("tags")
	if !ok {
		return nil
	}
	arr, ok := tv.AsArray()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}
