package core

import "fmt"

// VersionKind distinguishes the three version counters used by the
// primitives. Versions only compare within the same kind on the same entity.
type VersionKind uint8

const (
	// VersionNone is the kind of the zero version ("never existed").
	VersionNone VersionKind = iota

	// VersionTxn numbers transactional writes (KV, vectors, run metadata).
	// The number is the commit version.
	VersionTxn

	// VersionSequence numbers append-only log entries (events).
	VersionSequence

	// VersionCounter numbers state cells and JSON document revisions,
	// incremented by one on each write.
	VersionCounter
)

func (k VersionKind) String() string {
	switch k {
	case VersionNone:
		return "none"
	case VersionTxn:
		return "txn"
	case VersionSequence:
		return "seq"
	case VersionCounter:
		return "ctr"
	default:
		return fmt.Sprintf("verkind(%d)", uint8(k))
	}
}

// Version tags a stored value. The zero Version means the entity never
// existed; tombstones always carry a nonzero version.
type Version struct {
	Kind VersionKind
	N    uint64
}

// ZeroVersion is the "never existed" sentinel.
var ZeroVersion = Version{}

// TxnVersion builds a transactional version.
func TxnVersion(n uint64) Version { return Version{Kind: VersionTxn, N: n} }

// SequenceVersion builds an append-log sequence version.
func SequenceVersion(n uint64) Version { return Version{Kind: VersionSequence, N: n} }

// CounterVersion builds a state-cell counter version.
func CounterVersion(n uint64) Version { return Version{Kind: VersionCounter, N: n} }

// IsZero reports whether this is the "never existed" version.
func (v Version) IsZero() bool { return v.Kind == VersionNone && v.N == 0 }

func (v Version) String() string {
	if v.IsZero() {
		return "v0"
	}
	return fmt.Sprintf("%s:%d", v.Kind, v.N)
}

// VersionedValue is a value with its version and write metadata. A tombstone
// has no meaningful Value and marks deletion at that version.
type VersionedValue struct {
	Value Value
	Version Version

	// TimestampMicros is the commit wall-clock time in microseconds.
	// Metadata only; never consulted for state decisions.
	TimestampMicros int64

	// ExpiresAtMicros is the TTL deadline, 0 for no expiry.
	ExpiresAtMicros int64

	// Tombstone marks a deletion. Distinct from "never existed".
	Tombstone bool
}

// Expired reports whether the entry's TTL has lapsed at now (microseconds).
func (vv VersionedValue) Expired(nowMicros int64) bool {
	return vv.ExpiresAtMicros != 0 && nowMicros >= vv.ExpiresAtMicros
}
