package engine

import (
	"bytes"
	"time"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/encoding"
	"github.com/stratadb-labs/strata/internal/store"
	"github.com/stratadb-labs/strata/internal/vector"
)

// txnState tracks the context lifecycle.
type txnState uint8

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// opKind enumerates the buffered mutation kinds.
type opKind uint8

const (
	opKVPut opKind = iota + 1
	opKVDelete
	opKVCAS
	opStateInit
	opStateSet
	opStateCAS
	opStateDelete
	opEventAppend
	opJSONCreate
	opJSONSet
	opJSONDelete
	opJSONDestroy
	opVecCollectionCreate
	opVecCollectionDelete
	opVecUpsert
	opVecDelete
	opRunCreate
	opRunUpdate
	opRunDelete
)

// EventAppendResult is filled in at commit with the allocated sequence and
// chain hash of a buffered append.
type EventAppendResult struct {
	Sequence uint64
	Hash     uint64
}

// op is one buffered mutation. A closed union in the teacher's style: one
// struct, fields populated per kind.
type op struct {
	kind opKind
	key  core.Key

	value         core.Value
	expiresMicros int64

	// CAS
	expected core.Version

	// Event
	stream      string
	eventType   string
	eventResult *EventAppendResult

	// JSON
	docID string
	path  []pathSeg

	// Vector
	collection string
	userKey    string
	embedding  []float32
	vecCfg     vector.Config

	// Run
	runID  string
	status core.RunStatus
	tags   []string

	// Resolved during commit allocation.
	resolved core.Version
	seq      uint64
	hash     uint64
	prevHash uint64
	vecID    uint64
}

// Txn is an OCC transaction context: a snapshot, a read set, and buffered
// mutations. Nothing is visible to other transactions before commit.
type Txn struct {
	eng    *Engine
	id     uint64
	branch core.BranchID
	start  uint64
	view   *store.View
	begun  time.Time
	state  txnState

	readSet map[string]uint64
	ops     []op
	// lastOp indexes the newest buffered op per store key for
	// read-your-writes and last-writer-wins coalescing at apply.
	lastOp map[string]int
}

// Begin opens a transaction on the branch with a snapshot at the current
// commit version.
func (e *Engine) Begin(branch core.BranchID) *Txn {
	e.stats.begun.Add(1)
	id := e.txnCounter.Add(1)
	e.trackTxn(id)
	start := e.versionCounter.Load()
	return &Txn{
		eng:     e,
		id:      id,
		branch:  branch,
		start:   start,
		view:    store.NewView(e.store, start),
		begun:   time.Now(),
		readSet: make(map[string]uint64),
		lastOp:  make(map[string]int),
	}
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 { return t.id }

// Branch returns the branch the transaction is scoped to.
func (t *Txn) Branch() core.BranchID { return t.branch }

// StartVersion returns the snapshot commit version.
func (t *Txn) StartVersion() uint64 { return t.start }

// Active reports whether the context can still buffer operations.
func (t *Txn) Active() bool { return t.state == txnActive }

// Abort discards every buffer. Nothing reaches the WAL.
func (t *Txn) Abort() {
	if t.state != txnActive {
		return
	}
	t.state = txnAborted
	t.eng.untrackTxn(t.id)
	t.eng.stats.aborted.Add(1)
	t.ops = nil
	t.readSet = nil
	t.lastOp = nil
}

func (t *Txn) checkActive() error {
	if t.state != txnActive {
		return core.TransactionNotActive()
	}
	return nil
}

func (t *Txn) push(o op) {
	t.lastOp[string(o.key.Encode())] = len(t.ops)
	t.ops = append(t.ops, o)
}

// recordRead notes the stamp observed for a key at the snapshot.
func (t *Txn) recordRead(k core.Key) {
	enc := string(k.Encode())
	if _, ok := t.readSet[enc]; ok {
		return
	}
	t.readSet[enc] = t.view.HeadStamp(k)
}

// pendingFor returns the newest buffered op for the key, if any.
func (t *Txn) pendingFor(k core.Key) (op, bool) {
	idx, ok := t.lastOp[string(k.Encode())]
	if !ok {
		return op{}, false
	}
	return t.ops[idx], true
}

// ───────────────────────────────────────────────────────────────────────────
// Key layouts
// ───────────────────────────────────────────────────────────────────────────

func kvKey(branch core.BranchID, key string) core.Key {
	return core.StringKey(branch, core.TagKV, key)
}

func stateKey(branch core.BranchID, name string) core.Key {
	return core.StringKey(branch, core.TagState, name)
}

func jsonKey(branch core.BranchID, docID string) core.Key {
	return core.StringKey(branch, core.TagJSON, docID)
}

func eventKey(branch core.BranchID, stream string, seq uint64) core.Key {
	user := make([]byte, 0, len(stream)+9)
	user = append(user, stream...)
	user = append(user, 0)
	user = core.AppendBigEndian(user, seq)
	return core.NewKey(branch, core.TagEvent, user)
}

func vectorKey(branch core.BranchID, collection, userKey string) core.Key {
	user := make([]byte, 0, len(collection)+1+len(userKey))
	user = append(user, collection...)
	user = append(user, 0)
	user = append(user, userKey...)
	return core.NewKey(branch, core.TagVector, user)
}

func vectorPrefix(branch core.BranchID, collection string) []byte {
	p := core.TagPrefix(branch, core.TagVector)
	p = append(p, collection...)
	return append(p, 0)
}

func vectorCfgKey(branch core.BranchID, collection string) core.Key {
	return core.StringKey(branch, core.TagVectorConfig, collection)
}

// RunRegistryBranch is the reserved branch whose namespace stores run
// metadata and its secondary indexes.
const RunRegistryBranch core.BranchID = "system:runs"

func runKey(runID string) core.Key {
	user := append([]byte("run\x00"), runID...)
	return core.NewKey(RunRegistryBranch, core.TagRun, user)
}

func runStatusIndexKey(status core.RunStatus, runID string) core.Key {
	user := append([]byte("idx\x00status\x00"), status.String()...)
	user = append(user, 0)
	user = append(user, runID...)
	return core.NewKey(RunRegistryBranch, core.TagRun, user)
}

func runTagIndexKey(tag, runID string) core.Key {
	user := append([]byte("idx\x00tag\x00"), tag...)
	user = append(user, 0)
	user = append(user, runID...)
	return core.NewKey(RunRegistryBranch, core.TagRun, user)
}

func validStreamName(s string) bool {
	return s != "" && !bytes.ContainsAny([]byte(s), "\x00")
}

// ───────────────────────────────────────────────────────────────────────────
// KV operations
// ───────────────────────────────────────────────────────────────────────────

// Get reads a key with read-your-writes semantics and records the
// observation in the read set.
func (t *Txn) Get(key string) (core.VersionedValue, bool, error) {
	if err := t.checkActive(); err != nil {
		return core.VersionedValue{}, false, err
	}
	k := kvKey(t.branch, key)
	if pending, ok := t.pendingFor(k); ok {
		switch pending.kind {
		case opKVPut, opKVCAS:
			return core.VersionedValue{Value: pending.value}, true, nil
		case opKVDelete:
			return core.VersionedValue{}, false, nil
		}
	}
	t.recordRead(k)
	e, ok := t.view.Get(k)
	if !ok {
		return core.VersionedValue{}, false, nil
	}
	return e.VersionedValue, true, nil
}

// Put buffers a write. TTL zero means no expiry.
func (t *Txn) Put(key string, v core.Value, ttl time.Duration) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if key == "" {
		return core.InvalidKeyErr("empty key")
	}
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixMicro()
	}
	t.push(op{kind: opKVPut, key: kvKey(t.branch, key), value: v, expiresMicros: exp})
	return nil
}

// Delete buffers a tombstone. The return reports whether the key was
// visible at the snapshot (or pending in this transaction).
func (t *Txn) Delete(key string) (bool, error) {
	if err := t.checkActive(); err != nil {
		return false, err
	}
	k := kvKey(t.branch, key)
	existed := false
	if pending, ok := t.pendingFor(k); ok {
		existed = pending.kind == opKVPut || pending.kind == opKVCAS
	} else if _, ok := t.view.Get(k); ok {
		existed = true
	}
	t.push(op{kind: opKVDelete, key: k})
	return existed, nil
}

// CAS buffers a compare-and-swap against an expected version. The expected
// version is validated at commit, independently of the read set.
func (t *Txn) CAS(key string, expected core.Version, v core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.push(op{kind: opKVCAS, key: kvKey(t.branch, key), expected: expected, value: v})
	return nil
}

// List scans keys under prefix in order at the snapshot.
func (t *Txn) List(prefix string, limit int) ([]store.Pair, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	p := core.TagPrefix(t.branch, core.TagKV)
	p = append(p, prefix...)
	return t.view.ScanPrefix(p, limit), nil
}

// ───────────────────────────────────────────────────────────────────────────
// State cell operations
// ───────────────────────────────────────────────────────────────────────────

// StateInit buffers cell creation; commit fails if the cell exists.
func (t *Txn) StateInit(name string, v core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	k := stateKey(t.branch, name)
	if _, ok := t.view.Get(k); ok {
		return core.ConstraintViolation("state cell already exists: " + name)
	}
	if pending, ok := t.pendingFor(k); ok && pending.kind != opStateDelete {
		return core.ConstraintViolation("state cell already exists: " + name)
	}
	t.recordRead(k)
	t.push(op{kind: opStateInit, key: k, value: v})
	return nil
}

// StateRead reads a cell.
func (t *Txn) StateRead(name string) (core.VersionedValue, bool, error) {
	if err := t.checkActive(); err != nil {
		return core.VersionedValue{}, false, err
	}
	k := stateKey(t.branch, name)
	if pending, ok := t.pendingFor(k); ok {
		switch pending.kind {
		case opStateInit, opStateSet, opStateCAS:
			return core.VersionedValue{Value: pending.value}, true, nil
		case opStateDelete:
			return core.VersionedValue{}, false, nil
		}
	}
	t.recordRead(k)
	e, ok := t.view.Get(k)
	if !ok {
		return core.VersionedValue{}, false, nil
	}
	return e.VersionedValue, true, nil
}

// StateSet buffers an unconditional cell write.
func (t *Txn) StateSet(name string, v core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.push(op{kind: opStateSet, key: stateKey(t.branch, name), value: v})
	return nil
}

// StateCAS buffers a counter-guarded cell write.
func (t *Txn) StateCAS(name string, expectedCounter uint64, v core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.push(op{
		kind:     opStateCAS,
		key:      stateKey(t.branch, name),
		expected: core.CounterVersion(expectedCounter),
		value:    v,
	})
	return nil
}

// StateDelete buffers cell deletion.
func (t *Txn) StateDelete(name string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.push(op{kind: opStateDelete, key: stateKey(t.branch, name)})
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Event log operations
// ───────────────────────────────────────────────────────────────────────────

// AppendEvent buffers an append intent. The sequence and hash are allocated
// under the commit lock; the returned result is populated once commit
// succeeds.
func (t *Txn) AppendEvent(stream, eventType string, payload core.Value) (*EventAppendResult, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if !validStreamName(stream) {
		return nil, core.InvalidKeyErr("invalid stream name")
	}
	res := &EventAppendResult{}
	t.push(op{
		kind:        opEventAppend,
		key:         eventKey(t.branch, stream, ^uint64(0)), // placeholder; real key resolved at commit
		stream:      stream,
		eventType:   eventType,
		value:       payload,
		eventResult: res,
	})
	return res, nil
}

// ───────────────────────────────────────────────────────────────────────────
// JSON document operations
// ───────────────────────────────────────────────────────────────────────────

// JSONCreate buffers document creation. The initial value must be an object.
func (t *Txn) JSONCreate(docID string, initial core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if docID == "" {
		return core.InvalidKeyErr("empty document id")
	}
	if err := validateDoc(initial, len(encoding.EncodeValue(initial))); err != nil {
		return err
	}
	k := jsonKey(t.branch, docID)
	if _, ok := t.view.Get(k); ok {
		return core.ConstraintViolation("document already exists: " + docID)
	}
	t.recordRead(k)
	t.push(op{kind: opJSONCreate, key: k, docID: docID, value: initial})
	return nil
}

// JSONGet resolves a path inside a document, applying this transaction's
// pending patches first.
func (t *Txn) JSONGet(docID, path string) (core.Value, bool, error) {
	if err := t.checkActive(); err != nil {
		return core.Value{}, false, err
	}
	segs, err := parsePath(path)
	if err != nil {
		return core.Value{}, false, err
	}
	doc, ok, err := t.jsonCurrentDoc(docID, true)
	if err != nil || !ok {
		return core.Value{}, false, err
	}
	v, found := getAtPath(doc, segs)
	return v, found, nil
}

// jsonCurrentDoc materializes the document as this transaction sees it:
// snapshot state plus pending ops in order. record controls read-set
// tracking.
func (t *Txn) jsonCurrentDoc(docID string, record bool) (core.Value, bool, error) {
	k := jsonKey(t.branch, docID)
	if record {
		t.recordRead(k)
	}
	var doc core.Value
	exists := false
	if e, ok := t.view.Get(k); ok {
		doc = e.Value
		exists = true
	}
	for _, o := range t.ops {
		if o.docID != docID {
			continue
		}
		switch o.kind {
		case opJSONCreate:
			doc = o.value
			exists = true
		case opJSONSet:
			if !exists {
				continue
			}
			next, err := setAtPath(doc, o.path, o.value)
			if err != nil {
				return core.Value{}, false, err
			}
			doc = next
		case opJSONDelete:
			if !exists {
				continue
			}
			next, _, err := deleteAtPath(doc, o.path)
			if err != nil {
				return core.Value{}, false, err
			}
			doc = next
		case opJSONDestroy:
			doc = core.Value{}
			exists = false
		}
	}
	return doc, exists, nil
}

// JSONSet buffers a path write.
func (t *Txn) JSONSet(docID, path string, v core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	doc, ok, err := t.jsonCurrentDoc(docID, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.NotFound(core.Ref(t.branch, core.TagJSON, docID))
	}
	next, err := setAtPath(doc, segs, v)
	if err != nil {
		return err
	}
	if err := validateDoc(next, len(encoding.EncodeValue(next))); err != nil {
		return err
	}
	t.push(op{kind: opJSONSet, key: jsonKey(t.branch, docID), docID: docID, path: segs, value: v})
	return nil
}

// JSONDelete buffers a path removal.
func (t *Txn) JSONDelete(docID, path string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return core.InvalidPath("cannot delete document root; use destroy")
	}
	_, ok, err := t.jsonCurrentDoc(docID, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.NotFound(core.Ref(t.branch, core.TagJSON, docID))
	}
	t.push(op{kind: opJSONDelete, key: jsonKey(t.branch, docID), docID: docID, path: segs})
	return nil
}

// JSONDestroy buffers whole-document deletion.
func (t *Txn) JSONDestroy(docID string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	_, ok, err := t.jsonCurrentDoc(docID, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.NotFound(core.Ref(t.branch, core.TagJSON, docID))
	}
	t.push(op{kind: opJSONDestroy, key: jsonKey(t.branch, docID), docID: docID})
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Vector operations
// ───────────────────────────────────────────────────────────────────────────

// VectorCreateCollection buffers collection creation. Configuration is
// immutable once committed.
func (t *Txn) VectorCreateCollection(name string, cfg vector.Config) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if !validStreamName(name) {
		return core.InvalidKeyErr("invalid collection name")
	}
	if cfg.Dimension <= 0 {
		return core.ConstraintViolation("vector dimension must be positive")
	}
	k := vectorCfgKey(t.branch, name)
	if _, ok := t.view.Get(k); ok {
		return core.ConstraintViolation("vector collection already exists: " + name)
	}
	t.recordRead(k)
	t.push(op{kind: opVecCollectionCreate, key: k, collection: name, vecCfg: cfg})
	return nil
}

// VectorDropCollection buffers collection deletion (cascades to vectors).
func (t *Txn) VectorDropCollection(name string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	k := vectorCfgKey(t.branch, name)
	if _, ok := t.view.Get(k); !ok {
		return core.NotFound(core.Ref(t.branch, core.TagVectorConfig, name))
	}
	t.recordRead(k)
	t.push(op{kind: opVecCollectionDelete, key: k, collection: name})
	return nil
}

// VectorUpsert buffers an embedding write. Dimension is checked against the
// collection config.
func (t *Txn) VectorUpsert(collection, userKey string, embedding []float32) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	col := t.eng.vectors.Get(t.branch, collection)
	if col == nil {
		return core.NotFound(core.Ref(t.branch, core.TagVectorConfig, collection))
	}
	if len(embedding) != col.Cfg.Dimension {
		return core.ConstraintViolation("embedding dimension mismatch")
	}
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	t.push(op{
		kind:       opVecUpsert,
		key:        vectorKey(t.branch, collection, userKey),
		collection: collection,
		userKey:    userKey,
		embedding:  cp,
	})
	return nil
}

// VectorDelete buffers an embedding removal.
func (t *Txn) VectorDelete(collection, userKey string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.eng.vectors.Get(t.branch, collection) == nil {
		return core.NotFound(core.Ref(t.branch, core.TagVectorConfig, collection))
	}
	t.push(op{
		kind:       opVecDelete,
		key:        vectorKey(t.branch, collection, userKey),
		collection: collection,
		userKey:    userKey,
	})
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Run operations (always routed to the registry branch)
// ───────────────────────────────────────────────────────────────────────────

// RunCreate buffers run registration in Active status.
func (t *Txn) RunCreate(runID string, tags []string, meta core.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if !validStreamName(runID) {
		return core.InvalidKeyErr("invalid run id")
	}
	k := runKey(runID)
	if _, ok := t.view.Get(k); ok {
		return core.ConstraintViolation("run already exists: " + runID)
	}
	t.recordRead(k)
	t.push(op{kind: opRunCreate, key: k, runID: runID, status: core.RunActive, tags: tags, value: meta})
	return nil
}

// RunUpdateStatus buffers a lifecycle transition; the transition table is
// re-validated at commit against the live status.
func (t *Txn) RunUpdateStatus(runID string, to core.RunStatus) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	k := runKey(runID)
	// A create or update buffered earlier in this transaction coalesces:
	// the status transition folds into the pending op.
	if idx, ok := t.lastOp[string(k.Encode())]; ok {
		pending := t.ops[idx]
		if pending.kind == opRunCreate || pending.kind == opRunUpdate {
			if !pending.status.CanTransition(to) {
				return core.InvalidOperation(core.Ref(RunRegistryBranch, core.TagRun, runID),
					"invalid status transition "+pending.status.String()+" -> "+to.String())
			}
			t.ops[idx].status = to
			return nil
		}
	}
	e, ok := t.view.Get(k)
	if !ok {
		return core.NotFound(core.Ref(RunRegistryBranch, core.TagRun, runID))
	}
	cur, _ := runStatusOf(e.Value)
	if !cur.CanTransition(to) {
		return core.InvalidOperation(core.Ref(RunRegistryBranch, core.TagRun, runID),
			"invalid status transition "+cur.String()+" -> "+to.String())
	}
	t.recordRead(k)
	t.push(op{kind: opRunUpdate, key: k, runID: runID, status: to})
	return nil
}

// RunDelete buffers run removal with cascading deletion of the run's
// keyspace.
func (t *Txn) RunDelete(runID string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	k := runKey(runID)
	if _, ok := t.view.Get(k); !ok {
		return core.NotFound(core.Ref(RunRegistryBranch, core.TagRun, runID))
	}
	t.recordRead(k)
	t.push(op{kind: opRunDelete, key: k, runID: runID})
	return nil
}

// runStatusOf extracts the status from a run record value.
func runStatusOf(v core.Value) (core.RunStatus, bool) {
	sv, ok := v.MapGet("status")
	if !ok {
		return 0, false
	}
	s, ok := sv.AsString()
	if !ok {
		return 0, false
	}
	return core.ParseRunStatus(s)
}
