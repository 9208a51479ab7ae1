// Package encoding implements the canonical binary codec for core values.
//
// What: A compact, self-describing encoding for Value used in WAL payloads
// and snapshot sections.
// How: One tag byte per value followed by a variant-specific body. Integers
// use zig-zag varints, floats are raw IEEE-754 bits (little-endian), strings
// and bytes are length-prefixed, containers are count-prefixed. Ordered maps
// encode entries in order so decode reproduces the exact value.
// Why: The round-trip property decode(encode(v)) == v — including float
// specials, int/float distinction, and map order — is load-bearing for
// deterministic replay.
package encoding

import (
	"encoding/binary"
	"math"

	"github.com/stratadb-labs/strata/internal/core"
)

// Value encoding tags. The registry is closed; tags never change meaning.
const (
	tagNull  byte = 0x00
	tagFalse byte = 0x01
	tagTrue  byte = 0x02
	tagInt   byte = 0x03
	tagFloat byte = 0x04
	tagStr   byte = 0x05
	tagBytes byte = 0x06
	tagArray byte = 0x07
	tagMap   byte = 0x08
)

// AppendValue appends the canonical encoding of v to dst.
func AppendValue(dst []byte, v core.Value) []byte {
	switch v.Kind() {
	case core.KindNull:
		return append(dst, tagNull)
	case core.KindBool:
		b, _ := v.AsBool()
		if b {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case core.KindInt:
		i, _ := v.AsInt()
		dst = append(dst, tagInt)
		return binary.AppendVarint(dst, i)
	case core.KindFloat:
		f, _ := v.AsFloat()
		dst = append(dst, tagFloat)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
	case core.KindString:
		s, _ := v.AsString()
		dst = append(dst, tagStr)
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...)
	case core.KindBytes:
		b, _ := v.AsBytes()
		dst = append(dst, tagBytes)
		dst = binary.AppendUvarint(dst, uint64(len(b)))
		return append(dst, b...)
	case core.KindArray:
		arr, _ := v.AsArray()
		dst = append(dst, tagArray)
		dst = binary.AppendUvarint(dst, uint64(len(arr)))
		for _, e := range arr {
			dst = AppendValue(dst, e)
		}
		return dst
	case core.KindMap:
		entries, _ := v.AsMap()
		dst = append(dst, tagMap)
		dst = binary.AppendUvarint(dst, uint64(len(entries)))
		for _, e := range entries {
			dst = binary.AppendUvarint(dst, uint64(len(e.K)))
			dst = append(dst, e.K...)
			dst = AppendValue(dst, e.V)
		}
		return dst
	}
	// Unreachable for well-formed values; encode as null rather than panic.
	return append(dst, tagNull)
}

// EncodeValue returns the canonical encoding of v.
func EncodeValue(v core.Value) []byte {
	return AppendValue(make([]byte, 0, 64), v)
}

// DecodeValue decodes one value from b, returning it and the bytes consumed.
func DecodeValue(b []byte) (core.Value, int, error) {
	if len(b) == 0 {
		return core.Value{}, 0, core.SerializationErr(nil, "empty value encoding")
	}
	tag := b[0]
	pos := 1
	switch tag {
	case tagNull:
		return core.Null(), pos, nil
	case tagFalse:
		return core.Bool(false), pos, nil
	case tagTrue:
		return core.Bool(true), pos, nil
	case tagInt:
		i, n := binary.Varint(b[pos:])
		if n <= 0 {
			return core.Value{}, 0, core.SerializationErr(nil, "bad int varint")
		}
		return core.Int(i), pos + n, nil
	case tagFloat:
		if len(b) < pos+8 {
			return core.Value{}, 0, core.SerializationErr(nil, "short float")
		}
		bits := binary.LittleEndian.Uint64(b[pos : pos+8])
		return core.Float(math.Float64frombits(bits)), pos + 8, nil
	case tagStr, tagBytes:
		l, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return core.Value{}, 0, core.SerializationErr(nil, "bad length varint")
		}
		pos += n
		if uint64(len(b)-pos) < l {
			return core.Value{}, 0, core.SerializationErr(nil, "short string/bytes body")
		}
		body := b[pos : pos+int(l)]
		pos += int(l)
		if tag == tagStr {
			return core.String(string(body)), pos, nil
		}
		return core.Bytes(body), pos, nil
	case tagArray:
		count, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return core.Value{}, 0, core.SerializationErr(nil, "bad array count")
		}
		pos += n
		elems := make([]core.Value, 0, count)
		for i := uint64(0); i < count; i++ {
			e, used, err := DecodeValue(b[pos:])
			if err != nil {
				return core.Value{}, 0, err
			}
			pos += used
			elems = append(elems, e)
		}
		return core.Array(elems...), pos, nil
	case tagMap:
		count, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return core.Value{}, 0, core.SerializationErr(nil, "bad map count")
		}
		pos += n
		entries := make([]core.MapEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			kl, kn := binary.Uvarint(b[pos:])
			if kn <= 0 {
				return core.Value{}, 0, core.SerializationErr(nil, "bad map key length")
			}
			pos += kn
			if uint64(len(b)-pos) < kl {
				return core.Value{}, 0, core.SerializationErr(nil, "short map key")
			}
			k := string(b[pos : pos+int(kl)])
			pos += int(kl)
			v, used, err := DecodeValue(b[pos:])
			if err != nil {
				return core.Value{}, 0, err
			}
			pos += used
			entries = append(entries, core.MapEntry{K: k, V: v})
		}
		return core.Map(entries...), pos, nil
	}
	return core.Value{}, 0, core.SerializationErr(nil, "unknown value tag")
}

// AppendVersion appends a version as (kind byte, uvarint number).
func AppendVersion(dst []byte, v core.Version) []byte {
	dst = append(dst, byte(v.Kind))
	return binary.AppendUvarint(dst, v.N)
}

// DecodeVersion decodes a version, returning it and the bytes consumed.
func DecodeVersion(b []byte) (core.Version, int, error) {
	if len(b) < 1 {
		return core.Version{}, 0, core.SerializationErr(nil, "short version")
	}
	kind := core.VersionKind(b[0])
	n, used := binary.Uvarint(b[1:])
	if used <= 0 {
		return core.Version{}, 0, core.SerializationErr(nil, "bad version varint")
	}
	return core.Version{Kind: kind, N: n}, 1 + used, nil
}

// AppendUvarint re-exports the varint append used across payload codecs.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint re-exports varint decoding used across payload codecs.
func Uvarint(b []byte) (uint64, int) {
	return binary.Uvarint(b)
}

// AppendBytes appends a length-prefixed byte string.
func AppendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// DecodeBytes reads a length-prefixed byte string, returning it and the
// bytes consumed. The returned slice is a copy.
func DecodeBytes(b []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, core.SerializationErr(nil, "bad bytes length")
	}
	if uint64(len(b)-n) < l {
		return nil, 0, core.SerializationErr(nil, "short bytes body")
	}
	out := make([]byte, l)
	copy(out, b[n:n+int(l)])
	return out, n + int(l), nil
}

// AppendString appends a length-prefixed string.
func AppendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// DecodeString reads a length-prefixed string.
func DecodeString(b []byte) (string, int, error) {
	out, n, err := DecodeBytes(b)
	return string(out), n, err
}
