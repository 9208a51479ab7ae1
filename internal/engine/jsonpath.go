package engine

import (
	"fmt"
	"strings"

	"github.com/stratadb-labs/strata/internal/core"
)

// JSON document limits.
const (
	jsonMaxDocBytes  = 16 << 20
	jsonMaxDepth     = 100
	jsonMaxArrayLen  = 1 << 20
	jsonMaxPathDepth = jsonMaxDepth
)

// pathSeg is one segment of a document path: an object key or an array
// index. No wildcards or filters.
type pathSeg struct {
	key     string
	index   int
	isIndex bool
}

func (s pathSeg) String() string {
	if s.isIndex {
		return fmt.Sprintf("[%d]", s.index)
	}
	return s.key
}

// parsePath parses dotted paths with bracketed indexes: "a.b[2].c".
// An empty path addresses the document root.
func parsePath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, nil
	}
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, core.InvalidPath("empty path segment in " + path)
		}
		rest := part
		// Leading object key before any brackets.
		if idx := strings.IndexByte(rest, '['); idx != 0 {
			keyEnd := len(rest)
			if idx > 0 {
				keyEnd = idx
			}
			segs = append(segs, pathSeg{key: rest[:keyEnd]})
			rest = rest[keyEnd:]
		}
		for rest != "" {
			if rest[0] != '[' {
				return nil, core.InvalidPath("malformed index in " + path)
			}
			end := strings.IndexByte(rest, ']')
			if end < 2 {
				return nil, core.InvalidPath("unterminated index in " + path)
			}
			n := 0
			for _, c := range rest[1:end] {
				if c < '0' || c > '9' {
					return nil, core.InvalidPath("non-numeric index in " + path)
				}
				n = n*10 + int(c-'0')
				if n > jsonMaxArrayLen {
					return nil, core.ConstraintViolation("array index beyond limit")
				}
			}
			segs = append(segs, pathSeg{index: n, isIndex: true})
			rest = rest[end+1:]
		}
	}
	if len(segs) > jsonMaxPathDepth {
		return nil, core.ConstraintViolation("path deeper than nesting limit")
	}
	return segs, nil
}

// pathsOverlap reports the region relation: true iff one path is an
// ancestor of, equal to, or a descendant of the other.
func pathsOverlap(a, b []pathSeg) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].isIndex != b[i].isIndex {
			return false
		}
		if a[i].isIndex {
			if a[i].index != b[i].index {
				return false
			}
		} else if a[i].key != b[i].key {
			return false
		}
	}
	return true
}

// getAtPath resolves a path inside a document value.
func getAtPath(doc core.Value, segs []pathSeg) (core.Value, bool) {
	cur := doc
	for _, s := range segs {
		if s.isIndex {
			arr, ok := cur.AsArray()
			if !ok || s.index >= len(arr) {
				return core.Value{}, false
			}
			cur = arr[s.index]
			continue
		}
		v, ok := cur.MapGet(s.key)
		if !ok {
			return core.Value{}, false
		}
		cur = v
	}
	return cur, true
}

// setAtPath returns a new document with val placed at the path. Missing
// intermediate objects are created; array writes are positional and may
// extend the array by exactly one slot (append).
func setAtPath(doc core.Value, segs []pathSeg, val core.Value) (core.Value, error) {
	if len(segs) == 0 {
		if val.Kind() != core.KindMap {
			return core.Value{}, core.ConstraintViolation("document root must be an object")
		}
		return val, nil
	}
	s := segs[0]
	if s.isIndex {
		arr, ok := doc.AsArray()
		if !ok {
			return core.Value{}, core.WrongType(core.EntityRef{}, "array index into non-array at "+s.String())
		}
		if s.index > len(arr) {
			return core.Value{}, core.InvalidPath(fmt.Sprintf("index %d beyond array length %d", s.index, len(arr)))
		}
		if s.index == len(arr) && len(arr) >= jsonMaxArrayLen {
			return core.Value{}, core.ConstraintViolation("array length limit exceeded")
		}
		out := make([]core.Value, len(arr), len(arr)+1)
		copy(out, arr)
		var child core.Value
		if s.index < len(arr) {
			child = arr[s.index]
		} else {
			child = core.Map()
			out = append(out, child)
		}
		next, err := descendSet(child, segs[1:], val)
		if err != nil {
			return core.Value{}, err
		}
		out[s.index] = next
		return core.Array(out...), nil
	}
	if doc.Kind() != core.KindMap {
		return core.Value{}, core.WrongType(core.EntityRef{}, "object key into non-object at "+s.key)
	}
	child, ok := doc.MapGet(s.key)
	if !ok {
		child = core.Map()
	}
	next, err := descendSet(child, segs[1:], val)
	if err != nil {
		return core.Value{}, err
	}
	return doc.MapSet(s.key, next), nil
}

// descendSet continues a set below one resolved segment. Intermediate
// objects materialize on demand; arrays never do — an index into a
// non-array fails in setAtPath.
func descendSet(child core.Value, rest []pathSeg, val core.Value) (core.Value, error) {
	if len(rest) == 0 {
		return val, nil
	}
	return setAtPath(child, rest, val)
}

// deleteAtPath returns a new document with the path removed. Deleting a
// missing path is reported via found=false.
func deleteAtPath(doc core.Value, segs []pathSeg) (out core.Value, found bool, err error) {
	if len(segs) == 0 {
		return core.Value{}, false, core.InvalidPath("cannot delete document root; use destroy")
	}
	s := segs[0]
	if len(segs) == 1 {
		if s.isIndex {
			arr, ok := doc.AsArray()
			if !ok || s.index >= len(arr) {
				return doc, false, nil
			}
			next := make([]core.Value, 0, len(arr)-1)
			next = append(next, arr[:s.index]...)
			next = append(next, arr[s.index+1:]...)
			return core.Array(next...), true, nil
		}
		next, ok := doc.MapDelete(s.key)
		return next, ok, nil
	}
	if s.isIndex {
		arr, ok := doc.AsArray()
		if !ok || s.index >= len(arr) {
			return doc, false, nil
		}
		child, found, err := deleteAtPath(arr[s.index], segs[1:])
		if err != nil || !found {
			return doc, found, err
		}
		next := make([]core.Value, len(arr))
		copy(next, arr)
		next[s.index] = child
		return core.Array(next...), true, nil
	}
	child, ok := doc.MapGet(s.key)
	if !ok {
		return doc, false, nil
	}
	next, found, err := deleteAtPath(child, segs[1:])
	if err != nil || !found {
		return doc, found, err
	}
	return doc.MapSet(s.key, next), true, nil
}

// validateDoc enforces the document constraints: object root, nesting
// depth, array lengths, and encoded size.
func validateDoc(doc core.Value, encodedLen int) error {
	if doc.Kind() != core.KindMap {
		return core.ConstraintViolation("document root must be an object")
	}
	if doc.Depth() > jsonMaxDepth {
		return core.ConstraintViolation("document nesting exceeds limit")
	}
	if encodedLen > jsonMaxDocBytes {
		return core.ConstraintViolation("document exceeds size limit")
	}
	return validateArrays(doc)
}

func validateArrays(v core.Value) error {
	switch v.Kind() {
	case core.KindArray:
		arr, _ := v.AsArray()
		if len(arr) > jsonMaxArrayLen {
			return core.ConstraintViolation("array length exceeds limit")
		}
		for _, e := range arr {
			if err := validateArrays(e); err != nil {
				return err
			}
		}
	case core.KindMap:
		m, _ := v.AsMap()
		for _, e := range m {
			if err := validateArrays(e.V); err != nil {
				return err
			}
		}
	}
	return nil
}
