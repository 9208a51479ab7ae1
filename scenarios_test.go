package strata

import (
	"sync"
	"testing"
)

// End-to-end scenarios through the public API, including crash simulation
// via crash(): the handle is abandoned with no shutdown checkpoint, exactly
// as a killed process would leave the directory.

func TestScenarioCommitCrashRecover(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)
	v1, err := db.KV().Put(DefaultBranch, "x", Int(10))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := db.KV().Put(DefaultBranch, "y", Int(20))
	if err != nil {
		t.Fatal(err)
	}
	crash(db)

	db2 := strictDB(t, dir)
	defer db2.Close()
	x, ok := db2.KV().Get(DefaultBranch, "x")
	if !ok || !x.Value.Equal(Int(10)) || x.Version != v1 {
		t.Fatalf("x after recovery = %v %s %v", x.Value, x.Version, ok)
	}
	y, ok := db2.KV().Get(DefaultBranch, "y")
	if !ok || !y.Value.Equal(Int(20)) || y.Version != v2 {
		t.Fatalf("y after recovery = %v %s %v", y.Value, y.Version, ok)
	}
	v3, err := db2.KV().Put(DefaultBranch, "z", Int(30))
	if err != nil {
		t.Fatal(err)
	}
	if v3.N <= v2.N {
		t.Errorf("version counter regressed: %s after %s", v3, v2)
	}
}

func TestScenarioEventChainCrashRecover(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)
	ev := db.Events()
	s0, h0, err := ev.Append(DefaultBranch, "s", "login", Map(Entry("u", Int(1))))
	if err != nil {
		t.Fatal(err)
	}
	s1, h1, err := ev.Append(DefaultBranch, "s", "logout", Map(Entry("u", Int(1))))
	if err != nil {
		t.Fatal(err)
	}
	if s0 != 0 || s1 != 1 {
		t.Fatalf("sequences = %d %d", s0, s1)
	}
	crash(db)

	db2 := strictDB(t, dir)
	defer db2.Close()
	ev2 := db2.Events()
	e0, _ := ev2.Read(DefaultBranch, "s", 0)
	e1, _ := ev2.Read(DefaultBranch, "s", 1)
	if e0.Hash != h0 || e1.Hash != h1 {
		t.Error("hashes changed across recovery")
	}
	if e1.PrevHash != h0 {
		t.Error("chain broken across recovery")
	}
	rep := ev2.VerifyChain(DefaultBranch, "s")
	if !rep.Valid || rep.Length != 2 {
		t.Errorf("verify = %+v", rep)
	}
	if ev2.Len(DefaultBranch, "s") != 2 {
		t.Errorf("len = %d", ev2.Len(DefaultBranch, "s"))
	}
}

func TestScenarioCheckpointThenCrash(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)
	const n = 500
	for i := 0; i < n; i++ {
		if _, err := db.KV().Put(DefaultBranch, keyName(i), Int(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	crash(db)

	db2 := strictDB(t, dir)
	defer db2.Close()
	for _, i := range []int{0, n / 3, n - 1} {
		got, ok := db2.KV().Get(DefaultBranch, keyName(i))
		if !ok || !got.Value.Equal(Int(int64(i))) {
			t.Fatalf("key %d after snapshot recovery = %v %v", i, got.Value, ok)
		}
	}
	if s := db2.Stats(); s.KeyCount < n {
		t.Errorf("recovered %d keys, want >= %d", s.KeyCount, n)
	}
}

func TestScenarioMixedPrimitivesCrashRecover(t *testing.T) {
	dir := t.TempDir()
	db := strictDB(t, dir)

	if _, err := db.Transaction(DefaultBranch, func(tx *Txn) error {
		if err := tx.Put("cfg", Map(Entry("mode", String("fast"))), 0); err != nil {
			return err
		}
		if err := tx.StateInit("phase", String("boot")); err != nil {
			return err
		}
		if err := tx.JSONCreate("profile", Map(Entry("name", String("ada")))); err != nil {
			return err
		}
		_, err := tx.AppendEvent("audit", "init", Null())
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.Vectors().CreateCollection(DefaultBranch, "emb", 2, MetricDot); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Vectors().Upsert(DefaultBranch, "emb", "v1", []float32{3, 4}); err != nil {
		t.Fatal(err)
	}
	crash(db)

	db2 := strictDB(t, dir)
	defer db2.Close()
	if _, ok := db2.KV().Get(DefaultBranch, "cfg"); !ok {
		t.Error("kv lost")
	}
	if !db2.State().Exists(DefaultBranch, "phase") {
		t.Error("state cell lost")
	}
	if _, ok, _ := db2.JSON().Get(DefaultBranch, "profile", "name"); !ok {
		t.Error("json doc lost")
	}
	if db2.Events().Len(DefaultBranch, "audit") != 1 {
		t.Error("event lost")
	}
	res, err := db2.Vectors().Search(DefaultBranch, "emb", []float32{3, 4}, 1, 0)
	if err != nil || len(res) != 1 || res[0].Key != "v1" {
		t.Errorf("vector search after recovery = %+v %v", res, err)
	}
}

func TestScenarioConcurrentBranchCommits(t *testing.T) {
	db := memDB(t)
	const branches = 8
	const writes = 50
	var wg sync.WaitGroup
	for b := 0; b < branches; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			branch := Branch("run-" + itoa(b))
			for i := 0; i < writes; i++ {
				if _, err := db.KV().Put(branch, keyName(i), Int(int64(i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(b)
	}
	wg.Wait()
	for b := 0; b < branches; b++ {
		branch := Branch("run-" + itoa(b))
		if got := len(db.KV().List(branch, "", 0)); got != writes {
			t.Errorf("branch %d has %d keys, want %d", b, got, writes)
		}
	}
}

func TestScenarioCompactAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := StrictConfig()
	cfg.WALSegmentBytes = 1024
	db, err := OpenOrCreate(dir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 200; i++ {
		if _, err := db.KV().Put(DefaultBranch, keyName(i), Bytes(make([]byte, 32))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	stats, err := db.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if stats.SegmentsRemoved == 0 {
		t.Error("no segments compacted despite checkpoint")
	}
	// Data still intact.
	if _, ok := db.KV().Get(DefaultBranch, keyName(100)); !ok {
		t.Error("compaction lost data")
	}
}

func keyName(i int) string {
	return "k" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
