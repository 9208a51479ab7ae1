package core

import (
	"math"
	"testing"
)

func TestValueStrictEquality(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int vs float", Int(1), Float(1.0), false},
		{"bytes vs string", Bytes([]byte("a")), String("a"), false},
		{"equal ints", Int(7), Int(7), true},
		{"nan is not nan", Float(math.NaN()), Float(math.NaN()), false},
		{"negative zero equals zero", Float(math.Copysign(0, -1)), Float(0), true},
		{"null equals null", Null(), Null(), true},
		{"bool mismatch", Bool(true), Bool(false), false},
		{"array order matters", Array(Int(1), Int(2)), Array(Int(2), Int(1)), false},
		{"map order matters", Map(Entry("a", Int(1)), Entry("b", Int(2))), Map(Entry("b", Int(2)), Entry("a", Int(1))), false},
		{"deep equal", Map(Entry("a", Array(Int(1), String("x")))), Map(Entry("a", Array(Int(1), String("x")))), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Errorf("Equal(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestValueBytesCopied(t *testing.T) {
	src := []byte{1, 2, 3}
	v := Bytes(src)
	src[0] = 99
	got, _ := v.AsBytes()
	if got[0] != 1 {
		t.Error("Bytes did not copy its input")
	}
	got[1] = 42
	again, _ := v.AsBytes()
	if again[1] != 2 {
		t.Error("AsBytes did not copy its output")
	}
}

func TestMapSetPreservesOrder(t *testing.T) {
	m := Map(Entry("a", Int(1)), Entry("b", Int(2)))
	m = m.MapSet("a", Int(10))
	m = m.MapSet("c", Int(3))
	entries, _ := m.AsMap()
	wantKeys := []string{"a", "b", "c"}
	for i, k := range wantKeys {
		if entries[i].K != k {
			t.Fatalf("entry %d key = %q, want %q", i, entries[i].K, k)
		}
	}
	if v, _ := m.MapGet("a"); !v.Equal(Int(10)) {
		t.Errorf("MapSet did not replace existing key in place")
	}
}

func TestMapDuplicateKeysKeepLast(t *testing.T) {
	m := Map(Entry("k", Int(1)), Entry("k", Int(2)))
	entries, _ := m.AsMap()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if v, _ := m.MapGet("k"); !v.Equal(Int(2)) {
		t.Error("duplicate key did not keep the last value")
	}
}

func TestValueCloneIsDeep(t *testing.T) {
	orig := Map(Entry("a", Array(Int(1))))
	clone := orig.Clone()
	mutated := clone.MapSet("a", Int(9))
	if !orig.Equal(Map(Entry("a", Array(Int(1))))) {
		t.Error("mutating a clone affected the original")
	}
	_ = mutated
}

func TestValueDepth(t *testing.T) {
	if d := Int(1).Depth(); d != 1 {
		t.Errorf("scalar depth = %d", d)
	}
	nested := Map(Entry("a", Map(Entry("b", Array(Int(1))))))
	if d := nested.Depth(); d != 3 {
		t.Errorf("nested depth = %d, want 3", d)
	}
}

func TestVersionCompare(t *testing.T) {
	if !ZeroVersion.IsZero() {
		t.Error("zero version must report IsZero")
	}
	if TxnVersion(1).IsZero() {
		t.Error("nonzero version must not report IsZero")
	}
	if TxnVersion(3) == SequenceVersion(3) {
		t.Error("versions of different kinds must not compare equal")
	}
}

func TestNamespaceDerivationStable(t *testing.T) {
	a := BranchID("run-1").Namespace()
	b := BranchID("run-1").Namespace()
	c := BranchID("run-2").Namespace()
	if a != b {
		t.Error("namespace derivation is not deterministic")
	}
	if a == c {
		t.Error("distinct branches produced the same namespace")
	}
}

func TestKeyOrdering(t *testing.T) {
	b := BranchID("b")
	k1 := StringKey(b, TagKV, "a")
	k2 := StringKey(b, TagKV, "b")
	if k1.Compare(k2) >= 0 {
		t.Error("keys are not lexicographically ordered")
	}
	enc := k1.Encode()
	back, err := DecodeKey(enc)
	if err != nil {
		t.Fatal(err)
	}
	if back.Compare(k1) != 0 {
		t.Error("DecodeKey(Encode) did not round-trip")
	}
}
