package strata

import (
	"strconv"
	"strings"
)

// pathSegment is one step of a document path: either a map key or an array
// index.
type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// parsePath parses a "$"-rooted dotted path like "$.a.b[0].c". The bare root
// "$" parses to an empty segment list.
func parsePath(op, path string) ([]pathSegment, error) {
	if path == "" || path[0] != '$' {
		return nil, newError(KindValidation, op, "path %q must start with $", path)
	}

	rest := path[1:]
	var segs []pathSegment
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end == -1 {
				end = len(rest)
			}
			if end == 0 {
				return nil, newError(KindValidation, op, "path %q has an empty segment", path)
			}
			segs = append(segs, pathSegment{key: rest[:end]})
			rest = rest[end:]

		case '[':
			end := strings.IndexByte(rest, ']')
			if end == -1 {
				return nil, newError(KindValidation, op, "path %q has an unterminated index", path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, newError(KindValidation, op, "path %q has an invalid index %q", path, rest[1:end])
			}
			segs = append(segs, pathSegment{index: idx, isIdx: true})
			rest = rest[end+1:]

		default:
			return nil, newError(KindValidation, op, "path %q has an unexpected character %q", path, rest[0])
		}
	}
	return segs, nil
}

// resolvePath walks a document down the segments. The bool reports whether
// the addressed node exists.
func resolvePath(doc any, segs []pathSegment) (any, bool) {
	cur := doc
	for _, seg := range segs {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath installs value at the addressed node, creating intermediate maps
// for missing key segments. Array indexes must address existing elements.
// The document is mutated in place; callers pass a fresh deep copy.
func setPath(op string, doc map[string]any, segs []pathSegment, value any) error {
	var cur any = doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := step(cur, seg)
		if !ok {
			if seg.isIdx {
				return newError(KindNotFound, op, "path index [%d] does not exist", seg.index)
			}
			// Missing map keys on the way down are created.
			child := map[string]any{}
			if err := install(op, cur, seg, child); err != nil {
				return err
			}
			next = child
		}
		cur = next
	}
	return install(op, cur, segs[len(segs)-1], value)
}

// deletePath removes the addressed node. The bool reports whether it
// existed.
func deletePath(doc map[string]any, segs []pathSegment) bool {
	var cur any = doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := step(cur, seg)
		if !ok {
			return false
		}
		cur = next
	}

	last := segs[len(segs)-1]
	if last.isIdx {
		// Deleting an array element would reindex its siblings; the parent
		// holds the slice, so splice through the map key above it. Walking
		// again from the root is simpler than tracking parents.
		return spliceIndex(doc, segs)
	}

	m, ok := cur.(map[string]any)
	if !ok {
		return false
	}
	if _, exists := m[last.key]; !exists {
		return false
	}
	delete(m, last.key)
	return true
}

// spliceIndex removes an array element addressed by the final index segment.
func spliceIndex(doc map[string]any, segs []pathSegment) bool {
	parentSegs := segs[:len(segs)-1]
	last := segs[len(segs)-1]

	parent, ok := resolvePath(doc, parentSegs)
	if !ok {
		return false
	}
	arr, ok := parent.([]any)
	if !ok || last.index >= len(arr) {
		return false
	}

	spliced := append(append([]any{}, arr[:last.index]...), arr[last.index+1:]...)
	if len(parentSegs) == 0 {
		return false // The root is always a map.
	}
	var cur any = doc
	for _, seg := range parentSegs[:len(parentSegs)-1] {
		cur, ok = step(cur, seg)
		if !ok {
			return false
		}
	}
	return install("", cur, parentSegs[len(parentSegs)-1], spliced) == nil
}

func step(cur any, seg pathSegment) (any, bool) {
	if seg.isIdx {
		arr, ok := cur.([]any)
		if !ok || seg.index >= len(arr) {
			return nil, false
		}
		return arr[seg.index], true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[seg.key]
	return v, ok
}

func install(op string, parent any, seg pathSegment, value any) error {
	if seg.isIdx {
		arr, ok := parent.([]any)
		if !ok || seg.index >= len(arr) {
			return newError(KindNotFound, op, "path index [%d] does not exist", seg.index)
		}
		arr[seg.index] = value
		return nil
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return newError(KindNotFound, op, "path segment %q does not address an object", seg.key)
	}
	m[seg.key] = value
	return nil
}
