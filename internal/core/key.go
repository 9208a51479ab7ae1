package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TypeTag is the one-byte primitive discriminator embedded in every key.
// The set is closed; new primitives claim the next free byte.
type TypeTag uint8

const (
	TagKV           TypeTag = 0x01
	TagEvent        TypeTag = 0x02
	TagState        TypeTag = 0x03
	TagTrace        TypeTag = 0x04
	TagRun          TypeTag = 0x05
	TagJSON         TypeTag = 0x06
	TagVector       TypeTag = 0x07
	TagVectorConfig TypeTag = 0x08
)

func (t TypeTag) String() string {
	switch t {
	case TagKV:
		return "kv"
	case TagEvent:
		return "event"
	case TagState:
		return "state"
	case TagTrace:
		return "trace"
	case TagRun:
		return "run"
	case TagJSON:
		return "json"
	case TagVector:
		return "vector"
	case TagVectorConfig:
		return "vectorconfig"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// NamespaceSize is the byte length of a branch namespace prefix.
const NamespaceSize = 16

// Namespace is the 128-bit keyspace prefix derived from a branch.
type Namespace [NamespaceSize]byte

// branchNamespaceRoot seeds the deterministic branch → namespace derivation.
var branchNamespaceRoot = uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")

// BranchID names an isolated keyspace. The default branch is "default";
// shared namespaces are ordinary branch ids with a reserved prefix.
type BranchID string

// DefaultBranch is the implicit branch.
const DefaultBranch BranchID = "default"

// Opt-in shared keyspaces. They behave exactly like branches; the reserved
// "shared:" prefix keeps them out of the run lifecycle.
const (
	SharedAgent  BranchID = "shared:agent"
	SharedApp    BranchID = "shared:app"
	SharedTenant BranchID = "shared:tenant"
)

// IsShared reports whether the branch is one of the shared keyspaces.
func (b BranchID) IsShared() bool {
	return len(b) > 7 && b[:7] == "shared:"
}

// Namespace derives the branch's 128-bit keyspace prefix. The derivation is
// deterministic so the same branch always maps to the same key prefix.
func (b BranchID) Namespace() Namespace {
	u := uuid.NewSHA1(branchNamespaceRoot, []byte(b))
	var ns Namespace
	copy(ns[:], u[:])
	return ns
}

// Key is the ordered triple (namespace, type tag, user bytes). Keys compare
// lexicographically on their encoded form; numeric components embedded as
// big-endian bytes keep range scans ordered.
type Key struct {
	NS   Namespace
	Tag  TypeTag
	User []byte
}

// NewKey builds a key in the branch's namespace.
func NewKey(branch BranchID, tag TypeTag, user []byte) Key {
	cp := make([]byte, len(user))
	copy(cp, user)
	return Key{NS: branch.Namespace(), Tag: tag, User: cp}
}

// StringKey builds a key from a string user part.
func StringKey(branch BranchID, tag TypeTag, user string) Key {
	return Key{NS: branch.Namespace(), Tag: tag, User: []byte(user)}
}

// Encode renders the key's canonical byte form.
func (k Key) Encode() []byte {
	out := make([]byte, 0, NamespaceSize+1+len(k.User))
	out = append(out, k.NS[:]...)
	out = append(out, byte(k.Tag))
	out = append(out, k.User...)
	return out
}

// DecodeKey parses an encoded key. It is the inverse of Encode.
func DecodeKey(b []byte) (Key, error) {
	if len(b) < NamespaceSize+1 {
		return Key{}, Internalf("short key: %d bytes", len(b))
	}
	var k Key
	copy(k.NS[:], b[:NamespaceSize])
	k.Tag = TypeTag(b[NamespaceSize])
	k.User = make([]byte, len(b)-NamespaceSize-1)
	copy(k.User, b[NamespaceSize+1:])
	return k, nil
}

// Compare orders keys lexicographically on their encoded form.
func (k Key) Compare(o Key) int {
	if c := bytes.Compare(k.NS[:], o.NS[:]); c != 0 {
		return c
	}
	if k.Tag != o.Tag {
		if k.Tag < o.Tag {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.User, o.User)
}

func (k Key) String() string {
	return fmt.Sprintf("%x/%s/%q", k.NS[:4], k.Tag, k.User)
}

// TagPrefix returns the encoded prefix covering every key of one type tag in
// the branch. Used for scans and cascade deletes.
func TagPrefix(branch BranchID, tag TypeTag) []byte {
	ns := branch.Namespace()
	out := make([]byte, 0, NamespaceSize+1)
	out = append(out, ns[:]...)
	return append(out, byte(tag))
}

// NamespacePrefix returns the encoded prefix covering every key in the
// branch across all type tags.
func NamespacePrefix(branch BranchID) []byte {
	ns := branch.Namespace()
	out := make([]byte, NamespaceSize)
	copy(out, ns[:])
	return out
}

// AppendBigEndian appends v as 8 big-endian bytes, the embedding used for
// sequence and version numbers inside user key bytes.
func AppendBigEndian(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// BigEndianAt reads the 8 big-endian bytes embedded at offset.
func BigEndianAt(b []byte, off int) (uint64, bool) {
	if off < 0 || off+8 > len(b) {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[off : off+8]), true
}
