package vector

import (
	"testing"

	"github.com/stratadb-labs/strata/internal/core"
)

func TestScoreMetrics(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	if got := Score(MetricCosine, a, a); got < 0.999 {
		t.Errorf("cosine(a,a) = %f", got)
	}
	if got := Score(MetricCosine, a, b); got > 0.001 {
		t.Errorf("cosine(orthogonal) = %f", got)
	}
	if got := Score(MetricDot, []float32{2, 3}, []float32{4, 5}); got != 23 {
		t.Errorf("dot = %f", got)
	}
	// Distance metrics negate so that higher is always better.
	if got := Score(MetricL2, a, a); got != 0 {
		t.Errorf("l2(a,a) = %f", got)
	}
	if Score(MetricL2, a, b) >= 0 {
		t.Error("l2 distance must be negative for distinct vectors")
	}
	if got := Score(MetricManhattan, a, b); got != -2 {
		t.Errorf("manhattan = %f", got)
	}
}

func TestBruteForceOrdering(t *testing.T) {
	b := NewBruteForce(2, MetricDot)
	// Two vectors with identical scores: ties break by ascending id.
	b.Insert(7, []float32{1, 1})
	b.Insert(3, []float32{1, 1})
	b.Insert(5, []float32{2, 2})

	got := b.Search([]float32{1, 1}, 3)
	if len(got) != 3 {
		t.Fatalf("got %d matches", len(got))
	}
	if got[0].ID != 5 {
		t.Errorf("best match id = %d, want 5", got[0].ID)
	}
	if got[1].ID != 3 || got[2].ID != 7 {
		t.Errorf("tie break order = %d, %d; want 3, 7", got[1].ID, got[2].ID)
	}
}

func TestBruteForceDeterminism(t *testing.T) {
	build := func() *BruteForce {
		b := NewBruteForce(3, MetricCosine)
		for i := uint64(1); i <= 50; i++ {
			b.Insert(i, []float32{float32(i % 7), float32(i % 5), float32(i % 3)})
		}
		b.Delete(13)
		b.Insert(13, []float32{1, 1, 1})
		return b
	}
	q := []float32{1, 2, 3}
	first := build().Search(q, 10)
	for trial := 0; trial < 5; trial++ {
		again := build().Search(q, 10)
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("search not deterministic at rank %d: %+v vs %+v", i, first[i], again[i])
			}
		}
	}
}

func TestBruteForceDelete(t *testing.T) {
	b := NewBruteForce(1, MetricL2)
	b.Insert(1, []float32{1})
	if !b.Delete(1) {
		t.Error("delete of present id returned false")
	}
	if b.Delete(1) {
		t.Error("delete of absent id returned true")
	}
	if b.Len() != 0 {
		t.Errorf("len = %d", b.Len())
	}
}

func TestCollectionIdentity(t *testing.T) {
	c := NewCollection(Config{Dimension: 2, Metric: MetricCosine})
	c.ApplyUpsert("a", c.AllocateID("a"), []float32{1, 0})
	c.ApplyUpsert("b", c.AllocateID("b"), []float32{0, 1})
	idA, _ := c.IDFor("a")
	idB, _ := c.IDFor("b")
	if idA != 1 || idB != 2 {
		t.Fatalf("ids = %d, %d", idA, idB)
	}

	// Upserting an existing key keeps its id.
	if got := c.AllocateID("a"); got != idA {
		t.Errorf("re-upsert allocated new id %d", got)
	}

	// Deleting frees the slot but the id is never reused.
	c.ApplyDelete("a")
	if got := c.AllocateID("c"); got != 3 {
		t.Errorf("new key after delete got id %d, want 3", got)
	}
	if len(c.FreeSlots) != 1 || c.FreeSlots[0] != idA {
		t.Errorf("free slots = %v", c.FreeSlots)
	}
}

func TestAllocatorSnapshotRoundTrip(t *testing.T) {
	r := NewRegistry()
	branch := core.BranchID("run-1")
	c, err := r.Create(branch, "docs", Config{Dimension: 2, Metric: MetricCosine})
	if err != nil {
		t.Fatal(err)
	}
	c.ApplyUpsert("a", c.AllocateID("a"), []float32{1, 0})
	c.ApplyUpsert("b", c.AllocateID("b"), []float32{0, 1})
	c.ApplyDelete("a")

	data := r.SerializeAllocators()

	// Restore into a registry that only knows the collection config.
	r2 := NewRegistry()
	err = r2.RestoreAllocators(data, func(regKey string) (Config, bool) {
		return Config{Dimension: 2, Metric: MetricCosine}, true
	})
	if err != nil {
		t.Fatal(err)
	}
	c2 := r2.Get(branch, "docs")
	if c2 == nil {
		t.Fatal("collection not restored")
	}
	if c2.NextID != c.NextID {
		t.Errorf("next id = %d, want %d", c2.NextID, c.NextID)
	}
	if len(c2.FreeSlots) != 1 || c2.FreeSlots[0] != 1 {
		t.Errorf("free slots = %v", c2.FreeSlots)
	}
}
