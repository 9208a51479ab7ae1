package strata

import (
	"errors"
	"testing"
	"time"
)

func memDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("", InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strictDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := OpenOrCreate(dir, StrictConfig())
	if err != nil {
		t.Fatal(err)
	}
	return db
}

// crash abandons a database without closing it: no shutdown checkpoint, no
// WAL release. The registry slot is freed so the path can be reopened.
func crash(db *DB) {
	if db.path != "" {
		openDBs.mu.Lock()
		delete(openDBs.m, db.path)
		openDBs.mu.Unlock()
	}
}

func TestOpenRegistryRejectsDoubleOpen(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)
	defer db.Close()

	if _, err := Open(dir, StrictConfig()); err == nil {
		t.Fatal("second open of the same path succeeded")
	}
}

func TestCloseFreesRegistrySlot(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db2 := strictDB(t, dir)
	db2.Close()
}

func TestKVBasics(t *testing.T) {
	db := memDB(t)
	kv := db.KV()

	v1, err := kv.Put(DefaultBranch, "greeting", String("hello"))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := kv.Get(DefaultBranch, "greeting")
	if !ok || !got.Value.Equal(String("hello")) || got.Version != v1 {
		t.Fatalf("get = %v %s %v", got.Value, got.Version, ok)
	}

	// CAS succeeds with the right version, fails cleanly with a stale one.
	ok2, err := kv.CASVersion(DefaultBranch, "greeting", v1, String("hi"))
	if err != nil || !ok2 {
		t.Fatalf("cas = %v %v", ok2, err)
	}
	stale, err := kv.CASVersion(DefaultBranch, "greeting", v1, String("nope"))
	if err != nil || stale {
		t.Fatalf("stale cas = %v %v", stale, err)
	}

	existed, err := kv.Delete(DefaultBranch, "greeting")
	if err != nil || !existed {
		t.Fatalf("delete = %v %v", existed, err)
	}
	if _, ok := kv.Get(DefaultBranch, "greeting"); ok {
		t.Error("deleted key still visible")
	}
	// History shows the tombstone and both prior versions.
	hist := kv.History(DefaultBranch, "greeting", 0, 0)
	if len(hist) != 3 || !hist[0].Tombstone {
		t.Errorf("history = %+v", hist)
	}
}

func TestKVListOrderedByKey(t *testing.T) {
	db := memDB(t)
	kv := db.KV()
	for _, k := range []string{"b", "a", "c", "zz"} {
		if _, err := kv.Put(DefaultBranch, "item:"+k, String(k)); err != nil {
			t.Fatal(err)
		}
	}
	pairs := kv.List(DefaultBranch, "item:", 3)
	if len(pairs) != 3 {
		t.Fatalf("list returned %d pairs", len(pairs))
	}
	want := []string{"item:a", "item:b", "item:c"}
	for i, p := range pairs {
		if p.Key != want[i] {
			t.Errorf("pair %d = %q, want %q", i, p.Key, want[i])
		}
	}
}

func TestKVTTL(t *testing.T) {
	db := memDB(t)
	kv := db.KV()
	if _, err := kv.PutTTL(DefaultBranch, "tmp", Int(1), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := kv.Get(DefaultBranch, "tmp"); !ok {
		t.Fatal("fresh TTL key not visible")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := kv.Get(DefaultBranch, "tmp"); ok {
		t.Error("expired key still visible")
	}
}

func TestTransactionClosureSpansPrimitives(t *testing.T) {
	db := memDB(t)
	_, err := db.Transaction(DefaultBranch, func(tx *Txn) error {
		if err := tx.Put("counter", Int(1), 0); err != nil {
			return err
		}
		if _, err := tx.AppendEvent("audit", "created", Map(Entry("k", String("counter")))); err != nil {
			return err
		}
		return tx.StateInit("phase", String("boot"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := db.KV().Get(DefaultBranch, "counter"); !ok {
		t.Error("kv write missing")
	}
	if db.Events().Len(DefaultBranch, "audit") != 1 {
		t.Error("event append missing")
	}
	if !db.State().Exists(DefaultBranch, "phase") {
		t.Error("state init missing")
	}
}

func TestTransactionClosureAbortsOnError(t *testing.T) {
	db := memDB(t)
	boom := Map(Entry("x", Int(1)))
	_, err := db.Transaction(DefaultBranch, func(tx *Txn) error {
		if err := tx.Put("k", boom, 0); err != nil {
			return err
		}
		return errSentinel
	})
	if err != errSentinel {
		t.Fatalf("closure error = %v", err)
	}
	if _, ok := db.KV().Get(DefaultBranch, "k"); ok {
		t.Error("aborted transaction left a write behind")
	}
	// Nothing was appended either: the audit stream stays empty under abort.
	if n := db.Events().Len(DefaultBranch, "audit"); n != 0 {
		t.Errorf("aborted txn consumed sequences: len = %d", n)
	}
}

var errSentinel = errors.New("sentinel")

func TestEventsRejectMutation(t *testing.T) {
	db := memDB(t)
	if _, _, err := db.Events().Append(DefaultBranch, "s", "e", Null()); err != nil {
		t.Fatal(err)
	}
	if err := db.Events().Update(DefaultBranch, "s", 0, Null()); err == nil {
		t.Error("update accepted on append-only log")
	}
	if err := db.Events().Delete(DefaultBranch, "s", 0); err == nil {
		t.Error("delete accepted on append-only log")
	}
}

func TestEventReadByType(t *testing.T) {
	db := memDB(t)
	ev := db.Events()
	for i, typ := range []string{"a", "b", "a", "c", "a"} {
		if _, _, err := ev.Append(DefaultBranch, "s", typ, Int(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	got := ev.ReadByType(DefaultBranch, "s", "a", 0)
	if len(got) != 3 {
		t.Fatalf("filtered %d events, want 3", len(got))
	}
	if got[0].Sequence != 0 || got[1].Sequence != 2 || got[2].Sequence != 4 {
		t.Errorf("sequences = %d %d %d", got[0].Sequence, got[1].Sequence, got[2].Sequence)
	}
	head, ok := ev.Head(DefaultBranch, "s")
	if !ok || head.Sequence != 4 {
		t.Errorf("head = %+v %v", head, ok)
	}
}

func TestStateCellFlow(t *testing.T) {
	db := memDB(t)
	st := db.State()

	v, err := st.Init(DefaultBranch, "cfg", Map(Entry("mode", String("fast"))))
	if err != nil {
		t.Fatal(err)
	}
	if v.N != 1 {
		t.Errorf("init counter = %d, want 1", v.N)
	}
	if _, err := st.Init(DefaultBranch, "cfg", Null()); err == nil {
		t.Error("double init accepted")
	}

	ctr, err := st.CAS(DefaultBranch, "cfg", 1, Map(Entry("mode", String("safe"))))
	if err != nil || ctr != 2 {
		t.Fatalf("cas = %d %v", ctr, err)
	}
	if _, err := st.CAS(DefaultBranch, "cfg", 1, Null()); !IsConflict(err) {
		t.Errorf("stale cas = %v, want conflict", err)
	}

	val, counter, _, ok := st.Read(DefaultBranch, "cfg")
	if !ok || counter != 2 {
		t.Fatalf("read = %v %d %v", val, counter, ok)
	}
	if m, _ := val.MapGet("mode"); !m.Equal(String("safe")) {
		t.Errorf("value = %v", val)
	}

	if err := st.Delete(DefaultBranch, "cfg"); err != nil {
		t.Fatal(err)
	}
	if st.Exists(DefaultBranch, "cfg") {
		t.Error("deleted cell still exists")
	}
	names := st.List(DefaultBranch, 0)
	if len(names) != 0 {
		t.Errorf("list = %v", names)
	}
}

func TestJSONDocumentFlow(t *testing.T) {
	db := memDB(t)
	j := db.JSON()

	rev, err := j.Create(DefaultBranch, "doc", Map(Entry("user", Map(Entry("name", String("ada"))))))
	if err != nil || rev != 1 {
		t.Fatalf("create = %d %v", rev, err)
	}
	// Root must be an object.
	if _, err := j.Create(DefaultBranch, "bad", Int(1)); err == nil {
		t.Error("non-object root accepted")
	}

	rev, err = j.Set(DefaultBranch, "doc", "user.tags[0]", String("admin"))
	if err == nil {
		// Implicit array creation is not a thing; the set above must fail.
		t.Fatalf("implicit array creation accepted at rev %d", rev)
	}
	rev, err = j.Set(DefaultBranch, "doc", "user.age", Int(36))
	if err != nil || rev != 2 {
		t.Fatalf("set = %d %v", rev, err)
	}

	got, ok, err := j.Get(DefaultBranch, "doc", "user.age")
	if err != nil || !ok || !got.Equal(Int(36)) {
		t.Fatalf("get = %v %v %v", got, ok, err)
	}
	whole, ok, _ := j.Get(DefaultBranch, "doc", "")
	if !ok {
		t.Fatal("root get failed")
	}
	if _, found := whole.MapGet("user"); !found {
		t.Fatalf("root get = %v", whole)
	}

	if _, err := j.Delete(DefaultBranch, "doc", "user.name"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := j.Get(DefaultBranch, "doc", "user.name"); ok {
		t.Error("deleted path still present")
	}

	if err := j.Destroy(DefaultBranch, "doc"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := j.Get(DefaultBranch, "doc", ""); ok {
		t.Error("destroyed document still present")
	}
}

func TestVectorSearchEndToEnd(t *testing.T) {
	db := memDB(t)
	vs := db.Vectors()
	if err := vs.CreateCollection(DefaultBranch, "mem", 2, MetricCosine); err != nil {
		t.Fatal(err)
	}
	if err := vs.CreateCollection(DefaultBranch, "mem", 2, MetricCosine); err == nil {
		t.Error("duplicate collection accepted")
	}
	for key, emb := range map[string][]float32{
		"north": {0, 1},
		"east":  {1, 0},
		"ne":    {1, 1},
	} {
		if _, err := vs.Upsert(DefaultBranch, "mem", key, emb); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := vs.Upsert(DefaultBranch, "mem", "bad", []float32{1, 2, 3}); err == nil {
		t.Error("dimension mismatch accepted")
	}

	res, err := vs.Search(DefaultBranch, "mem", []float32{0, 1}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Key != "north" {
		t.Fatalf("search = %+v", res)
	}

	cfg, ok := vs.Config(DefaultBranch, "mem")
	if !ok || cfg.Dimension != 2 || cfg.Metric != MetricCosine {
		t.Errorf("config = %+v %v", cfg, ok)
	}

	if err := vs.DropCollection(DefaultBranch, "mem"); err != nil {
		t.Fatal(err)
	}
	if _, err := vs.Search(DefaultBranch, "mem", []float32{0, 1}, 1, 0); !IsNotFound(err) {
		t.Errorf("search on dropped collection = %v", err)
	}
}

func TestRunsFacade(t *testing.T) {
	db := memDB(t)
	runs := db.Runs()
	if err := runs.Create("run-1", []string{"exp"}, Map(Entry("owner", String("ada")))); err != nil {
		t.Fatal(err)
	}
	info, ok := runs.Get("run-1")
	if !ok || info.Status != RunActive || len(info.Tags) != 1 {
		t.Fatalf("info = %+v %v", info, ok)
	}
	if err := runs.UpdateStatus("run-1", RunCompleted); err != nil {
		t.Fatal(err)
	}
	if err := runs.UpdateStatus("run-1", RunActive); err == nil {
		t.Error("terminal state returned to active")
	}
	if err := runs.Archive("run-1"); err != nil {
		t.Fatal(err)
	}
	if got := runs.Query(RunArchived, "exp", 0); len(got) != 1 {
		t.Errorf("query = %+v", got)
	}
	if err := runs.Delete("run-1"); err != nil {
		t.Fatal(err)
	}
	if got := runs.List(0); len(got) != 0 {
		t.Errorf("list after delete = %+v", got)
	}
}

func TestSnapshotViewIsStable(t *testing.T) {
	db := memDB(t)
	kv := db.KV()
	if _, err := kv.Put(DefaultBranch, "k", Int(1)); err != nil {
		t.Fatal(err)
	}
	view := db.Snapshot(0)
	if _, err := kv.Put(DefaultBranch, "k", Int(2)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := view.Get(DefaultBranch, "k")
	if err != nil || !ok || !got.Value.Equal(Int(1)) {
		t.Errorf("snapshot view = %v %v %v, want the captured value", got.Value, ok, err)
	}
	live, _ := kv.Get(DefaultBranch, "k")
	if !live.Value.Equal(Int(2)) {
		t.Errorf("live read = %v", live.Value)
	}
}

func TestStatsCount(t *testing.T) {
	db := memDB(t)
	if _, err := db.KV().Put(DefaultBranch, "k", Int(1)); err != nil {
		t.Fatal(err)
	}
	s := db.Stats()
	if s.TxnsCommitted == 0 || s.KeyCount == 0 {
		t.Errorf("stats = %+v", s)
	}
}
