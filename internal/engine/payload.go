package engine

import (
	"encoding/binary"
	"math"

	"github.com/stratadb-labs/strata/internal/core"
	"github.com/stratadb-labs/strata/internal/encoding"
	"github.com/stratadb-labs/strata/internal/vector"
	"github.com/stratadb-labs/strata/internal/wal"
)

// Payload format version for every entry type this engine writes.
const payloadVersion = uint8(1)

// ───────────────────────────────────────────────────────────────────────────
// Transaction boundary payloads
// ───────────────────────────────────────────────────────────────────────────

type beginPayload struct {
	branch   core.BranchID
	tsMicros int64
}

func encodeBegin(p beginPayload) []byte {
	out := encoding.AppendString(nil, string(p.branch))
	return encoding.AppendUvarint(out, uint64(p.tsMicros))
}

func decodeBegin(b []byte) (beginPayload, error) {
	branch, n, err := encoding.DecodeString(b)
	if err != nil {
		return beginPayload{}, err
	}
	ts, m := encoding.Uvarint(b[n:])
	if m <= 0 {
		return beginPayload{}, core.SerializationErr(nil, "bad begin timestamp")
	}
	return beginPayload{branch: core.BranchID(branch), tsMicros: int64(ts)}, nil
}

type commitPayload struct {
	commitVersion uint64
	opCount       uint64
}

func encodeCommit(p commitPayload) []byte {
	out := encoding.AppendUvarint(nil, p.commitVersion)
	return encoding.AppendUvarint(out, p.opCount)
}

func decodeCommit(b []byte) (commitPayload, error) {
	v, n := encoding.Uvarint(b)
	if n <= 0 {
		return commitPayload{}, core.SerializationErr(nil, "bad commit version")
	}
	c, m := encoding.Uvarint(b[n:])
	if m <= 0 {
		return commitPayload{}, core.SerializationErr(nil, "bad commit op count")
	}
	return commitPayload{commitVersion: v, opCount: c}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Mutation payloads — one record per mutation, self-sufficient for replay
// with the exact versions the commit allocated.
// ───────────────────────────────────────────────────────────────────────────

func appendPath(dst []byte, segs []pathSeg) []byte {
	dst = encoding.AppendUvarint(dst, uint64(len(segs)))
	for _, s := range segs {
		if s.isIndex {
			dst = append(dst, 1)
			dst = encoding.AppendUvarint(dst, uint64(s.index))
		} else {
			dst = append(dst, 0)
			dst = encoding.AppendString(dst, s.key)
		}
	}
	return dst
}

func decodePath(b []byte) ([]pathSeg, int, error) {
	count, n := encoding.Uvarint(b)
	if n <= 0 {
		return nil, 0, core.SerializationErr(nil, "bad path count")
	}
	pos := n
	segs := make([]pathSeg, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos >= len(b) {
			return nil, 0, core.SerializationErr(nil, "short path segment")
		}
		isIndex := b[pos] == 1
		pos++
		if isIndex {
			idx, m := encoding.Uvarint(b[pos:])
			if m <= 0 {
				return nil, 0, core.SerializationErr(nil, "bad path index")
			}
			pos += m
			segs = append(segs, pathSeg{index: int(idx), isIndex: true})
		} else {
			key, m, err := encoding.DecodeString(b[pos:])
			if err != nil {
				return nil, 0, err
			}
			pos += m
			segs = append(segs, pathSeg{key: key})
		}
	}
	return segs, pos, nil
}

func appendEmbedding(dst []byte, emb []float32) []byte {
	dst = encoding.AppendUvarint(dst, uint64(len(emb)))
	for _, f := range emb {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func decodeEmbedding(b []byte) ([]float32, int, error) {
	dim, n := encoding.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < dim*4 {
		return nil, 0, core.SerializationErr(nil, "bad embedding")
	}
	out := make([]float32, dim)
	pos := n
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
	}
	return out, pos, nil
}

// encodeOp renders the WAL payload for one resolved op. The record must let
// replay reproduce the write byte-for-byte, versions included.
func encodeOp(o op) (wal.EntryType, []byte) {
	switch o.kind {
	case opKVPut, opKVCAS:
		out := encoding.AppendBytes(nil, o.key.User)
		out = encoding.AppendValue(out, o.value)
		out = encoding.AppendUvarint(out, uint64(o.expiresMicros))
		return wal.EntryKVPut, out
	case opKVDelete:
		return wal.EntryKVDelete, encoding.AppendBytes(nil, o.key.User)
	case opStateInit, opStateSet, opStateCAS, opStateDelete:
		out := encoding.AppendBytes(nil, o.key.User)
		if o.kind != opStateDelete {
			out = encoding.AppendValue(out, o.value)
		}
		out = encoding.AppendUvarint(out, o.resolved.N)
		switch o.kind {
		case opStateInit:
			return wal.EntryStateInit, out
		case opStateSet:
			return wal.EntryStateSet, out
		case opStateCAS:
			return wal.EntryStateCAS, out
		default:
			return wal.EntryStateDelete, out
		}
	case opEventAppend:
		out := encoding.AppendString(nil, o.stream)
		out = encoding.AppendString(out, o.eventType)
		out = encoding.AppendValue(out, o.value)
		out = encoding.AppendUvarint(out, o.seq)
		out = encoding.AppendUvarint(out, o.hash)
		out = encoding.AppendUvarint(out, o.prevHash)
		return wal.EntryEventAppend, out
	case opJSONCreate:
		out := encoding.AppendString(nil, o.docID)
		out = encoding.AppendValue(out, o.value)
		out = encoding.AppendUvarint(out, o.resolved.N)
		return wal.EntryJSONCreate, out
	case opJSONSet:
		out := encoding.AppendString(nil, o.docID)
		out = appendPath(out, o.path)
		out = encoding.AppendValue(out, o.value)
		out = encoding.AppendUvarint(out, o.resolved.N)
		return wal.EntryJSONSet, out
	case opJSONDelete:
		out := encoding.AppendString(nil, o.docID)
		out = appendPath(out, o.path)
		out = encoding.AppendUvarint(out, o.resolved.N)
		return wal.EntryJSONDelete, out
	case opJSONDestroy:
		out := encoding.AppendString(nil, o.docID)
		out = encoding.AppendUvarint(out, o.resolved.N)
		return wal.EntryJSONDestroy, out
	case opVecCollectionCreate:
		out := encoding.AppendString(nil, o.collection)
		out = encoding.AppendUvarint(out, uint64(o.vecCfg.Dimension))
		out = append(out, byte(o.vecCfg.Metric))
		return wal.EntryVectorCollectionCreate, out
	case opVecCollectionDelete:
		return wal.EntryVectorCollectionDelete, encoding.AppendString(nil, o.collection)
	case opVecUpsert:
		out := encoding.AppendString(nil, o.collection)
		out = encoding.AppendString(out, o.userKey)
		out = encoding.AppendUvarint(out, o.vecID)
		out = appendEmbedding(out, o.embedding)
		return wal.EntryVectorUpsert, out
	case opVecDelete:
		out := encoding.AppendString(nil, o.collection)
		out = encoding.AppendString(out, o.userKey)
		out = encoding.AppendUvarint(out, o.vecID)
		return wal.EntryVectorDelete, out
	case opRunCreate:
		out := encoding.AppendString(nil, o.runID)
		out = append(out, byte(o.status))
		out = encoding.AppendUvarint(out, uint64(len(o.tags)))
		for _, tag := range o.tags {
			out = encoding.AppendString(out, tag)
		}
		out = encoding.AppendValue(out, o.value)
		return wal.EntryRunCreate, out
	case opRunUpdate:
		out := encoding.AppendString(nil, o.runID)
		out = append(out, byte(o.status))
		return wal.EntryRunUpdate, out
	case opRunDelete:
		return wal.EntryRunDelete, encoding.AppendString(nil, o.runID)
	}
	return 0, nil
}

// decodeOp parses a mutation record back into a resolved op for replay.
// The branch comes from the surrounding BeginTxn.
func decodeOp(branch core.BranchID, t wal.EntryType, b []byte) (op, error) {
	bad := func(what string) (op, error) {
		return op{}, core.SerializationErr(nil, "bad "+what+" payload")
	}
	switch t {
	case wal.EntryKVPut:
		user, n, err := encoding.DecodeBytes(b)
		if err != nil {
			return op{}, err
		}
		val, m, err := encoding.DecodeValue(b[n:])
		if err != nil {
			return op{}, err
		}
		exp, k := encoding.Uvarint(b[n+m:])
		if k <= 0 {
			return bad("kv put")
		}
		return op{kind: opKVPut, key: core.NewKey(branch, core.TagKV, user), value: val, expiresMicros: int64(exp)}, nil
	case wal.EntryKVDelete:
		user, _, err := encoding.DecodeBytes(b)
		if err != nil {
			return op{}, err
		}
		return op{kind: opKVDelete, key: core.NewKey(branch, core.TagKV, user)}, nil
	case wal.EntryStateInit, wal.EntryStateSet, wal.EntryStateCAS, wal.EntryStateDelete:
		user, n, err := encoding.DecodeBytes(b)
		if err != nil {
			return op{}, err
		}
		o := op{key: core.NewKey(branch, core.TagState, user)}
		pos := n
		if t != wal.EntryStateDelete {
			val, m, err := encoding.DecodeValue(b[pos:])
			if err != nil {
				return op{}, err
			}
			o.value = val
			pos += m
		}
		ctr, k := encoding.Uvarint(b[pos:])
		if k <= 0 {
			return bad("state")
		}
		o.resolved = core.CounterVersion(ctr)
		switch t {
		case wal.EntryStateInit:
			o.kind = opStateInit
		case wal.EntryStateSet:
			o.kind = opStateSet
		case wal.EntryStateCAS:
			o.kind = opStateCAS
		default:
			o.kind = opStateDelete
		}
		return o, nil
	case wal.EntryEventAppend:
		stream, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		etype, m, err := encoding.DecodeString(b[n:])
		if err != nil {
			return op{}, err
		}
		pos := n + m
		val, vn, err := encoding.DecodeValue(b[pos:])
		if err != nil {
			return op{}, err
		}
		pos += vn
		seq, k1 := encoding.Uvarint(b[pos:])
		if k1 <= 0 {
			return bad("event seq")
		}
		pos += k1
		hash, k2 := encoding.Uvarint(b[pos:])
		if k2 <= 0 {
			return bad("event hash")
		}
		pos += k2
		prev, k3 := encoding.Uvarint(b[pos:])
		if k3 <= 0 {
			return bad("event prev hash")
		}
		return op{
			kind: opEventAppend, stream: stream, eventType: etype, value: val,
			seq: seq, hash: hash, prevHash: prev,
			key:      eventKey(branch, stream, seq),
			resolved: core.SequenceVersion(seq),
		}, nil
	case wal.EntryJSONCreate, wal.EntryJSONDestroy:
		docID, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		o := op{docID: docID, key: jsonKey(branch, docID)}
		pos := n
		if t == wal.EntryJSONCreate {
			val, m, err := encoding.DecodeValue(b[pos:])
			if err != nil {
				return op{}, err
			}
			o.value = val
			o.kind = opJSONCreate
			pos += m
		} else {
			o.kind = opJSONDestroy
		}
		ctr, k := encoding.Uvarint(b[pos:])
		if k <= 0 {
			return bad("json version")
		}
		o.resolved = core.CounterVersion(ctr)
		return o, nil
	case wal.EntryJSONSet, wal.EntryJSONDelete:
		docID, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		path, m, err := decodePath(b[n:])
		if err != nil {
			return op{}, err
		}
		o := op{docID: docID, path: path, key: jsonKey(branch, docID)}
		pos := n + m
		if t == wal.EntryJSONSet {
			val, vn, err := encoding.DecodeValue(b[pos:])
			if err != nil {
				return op{}, err
			}
			o.value = val
			o.kind = opJSONSet
			pos += vn
		} else {
			o.kind = opJSONDelete
		}
		ctr, k := encoding.Uvarint(b[pos:])
		if k <= 0 {
			return bad("json version")
		}
		o.resolved = core.CounterVersion(ctr)
		return o, nil
	case wal.EntryVectorCollectionCreate:
		name, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		dim, m := encoding.Uvarint(b[n:])
		if m <= 0 || n+m >= len(b) {
			return bad("vector collection")
		}
		metric := vector.DistanceMetric(b[n+m])
		return op{
			kind: opVecCollectionCreate, collection: name,
			vecCfg: vector.Config{Dimension: int(dim), Metric: metric},
			key:    vectorCfgKey(branch, name),
		}, nil
	case wal.EntryVectorCollectionDelete:
		name, _, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		return op{kind: opVecCollectionDelete, collection: name, key: vectorCfgKey(branch, name)}, nil
	case wal.EntryVectorUpsert, wal.EntryVectorDelete:
		collection, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		userKey, m, err := encoding.DecodeString(b[n:])
		if err != nil {
			return op{}, err
		}
		pos := n + m
		id, k := encoding.Uvarint(b[pos:])
		if k <= 0 {
			return bad("vector id")
		}
		pos += k
		o := op{collection: collection, userKey: userKey, vecID: id, key: vectorKey(branch, collection, userKey)}
		if t == wal.EntryVectorUpsert {
			emb, _, err := decodeEmbedding(b[pos:])
			if err != nil {
				return op{}, err
			}
			o.embedding = emb
			o.kind = opVecUpsert
		} else {
			o.kind = opVecDelete
		}
		return o, nil
	case wal.EntryRunCreate:
		runID, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		if n >= len(b) {
			return bad("run create")
		}
		status := core.RunStatus(b[n])
		n++
		count, m := encoding.Uvarint(b[n:])
		if m <= 0 {
			return bad("run tags")
		}
		pos := n + m
		tags := make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			tag, k, err := encoding.DecodeString(b[pos:])
			if err != nil {
				return op{}, err
			}
			tags = append(tags, tag)
			pos += k
		}
		meta, _, err := encoding.DecodeValue(b[pos:])
		if err != nil {
			return op{}, err
		}
		return op{kind: opRunCreate, runID: runID, tags: tags, value: meta, status: status, key: runKey(runID)}, nil
	case wal.EntryRunUpdate:
		runID, n, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		if n >= len(b) {
			return bad("run update")
		}
		return op{kind: opRunUpdate, runID: runID, status: core.RunStatus(b[n]), key: runKey(runID)}, nil
	case wal.EntryRunDelete:
		runID, _, err := encoding.DecodeString(b)
		if err != nil {
			return op{}, err
		}
		return op{kind: opRunDelete, runID: runID, key: runKey(runID)}, nil
	}
	return op{}, core.SerializationErr(nil, "unknown WAL entry type "+t.String())
}
