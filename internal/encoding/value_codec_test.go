package encoding

import (
	"math"
	"testing"

	"github.com/stratadb-labs/strata/internal/core"
)

func roundTrip(t *testing.T, v core.Value) {
	t.Helper()
	enc := EncodeValue(v)
	back, n, err := DecodeValue(enc)
	if err != nil {
		t.Fatalf("decode(%s): %v", v, err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(enc))
	}
	if !back.Equal(v) && !(v.Kind() == core.KindFloat && isNaN(v) && isNaN(back)) {
		t.Fatalf("round trip mismatch: %s -> %s", v, back)
	}
}

func isNaN(v core.Value) bool {
	f, ok := v.AsFloat()
	return ok && math.IsNaN(f)
}

func TestValueRoundTrip(t *testing.T) {
	values := []core.Value{
		core.Null(),
		core.Bool(true),
		core.Bool(false),
		core.Int(0),
		core.Int(-1),
		core.Int(math.MaxInt64),
		core.Int(math.MinInt64),
		core.Float(0),
		core.Float(math.Copysign(0, -1)),
		core.Float(math.Inf(1)),
		core.Float(math.Inf(-1)),
		core.Float(math.NaN()),
		core.Float(3.14159),
		core.String(""),
		core.String("héllo"),
		core.Bytes(nil),
		core.Bytes([]byte{0, 1, 2, 255}),
		core.Array(),
		core.Array(core.Int(1), core.String("x"), core.Null()),
		core.Map(),
		core.Map(core.Entry("b", core.Int(2)), core.Entry("a", core.Int(1))),
		core.Map(core.Entry("nest", core.Map(core.Entry("deep", core.Array(core.Bytes([]byte("z"))))))),
	}
	for _, v := range values {
		roundTrip(t, v)
	}
}

func TestFloatBitsPreserved(t *testing.T) {
	// −0 must decode back with its sign bit intact even though it compares
	// equal to +0.
	neg := core.Float(math.Copysign(0, -1))
	back, _, err := DecodeValue(EncodeValue(neg))
	if err != nil {
		t.Fatal(err)
	}
	f, _ := back.AsFloat()
	if math.Signbit(f) != true {
		t.Error("sign bit of -0 lost in round trip")
	}
}

func TestMapOrderPreserved(t *testing.T) {
	v := core.Map(core.Entry("z", core.Int(1)), core.Entry("a", core.Int(2)), core.Entry("m", core.Int(3)))
	back, _, err := DecodeValue(EncodeValue(v))
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := back.AsMap()
	want := []string{"z", "a", "m"}
	for i, k := range want {
		if entries[i].K != k {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].K, k)
		}
	}
}

func TestVersionRoundTrip(t *testing.T) {
	for _, v := range []core.Version{
		core.ZeroVersion,
		core.TxnVersion(1),
		core.SequenceVersion(42),
		core.CounterVersion(math.MaxUint64),
	} {
		enc := AppendVersion(nil, v)
		back, n, err := DecodeVersion(enc)
		if err != nil || n != len(enc) || back != v {
			t.Errorf("version round trip failed for %s: %v %d", v, err, n)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc := EncodeValue(core.Map(core.Entry("k", core.String("value"))))
	for i := 0; i < len(enc); i++ {
		if _, _, err := DecodeValue(enc[:i]); err == nil && i > 0 {
			// A strict prefix that still decodes must consume fewer bytes
			// than it was given, never invent data.
			v, n, _ := DecodeValue(enc[:i])
			if n > i {
				t.Fatalf("decode of %d-byte prefix claimed %d bytes (%s)", i, n, v)
			}
		}
	}
}
