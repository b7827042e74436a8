package value

import "strings"

// Pointer addresses a node in the value tree, one segment per nesting level.
// A dotted template name "a.b.c" and the slash form "/a/b/c" both map to the
// pointer ["a", "b", "c"].
type Pointer []string

// PointerFromName converts a dotted variable name into a pointer.
func PointerFromName(name string) Pointer {
	if name == "" {
		return nil
	}
	return Pointer(strings.Split(name, "."))
}

// PointerFromString converts a slash-separated pointer string into a pointer.
func PointerFromString(s string) Pointer {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil
	}
	return Pointer(strings.Split(s, "/"))
}

// String returns the slash-separated form of the pointer.
func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	return "/" + strings.Join(p, "/")
}

// Name returns the dotted form of the pointer.
func (p Pointer) Name() string {
	return strings.Join(p, ".")
}

// Find resolves the pointer against the value. It never errors: a missing
// key, an out-of-range index or a non-container at any depth yields
// (nil, false).
func (v *Value) Find(p Pointer) (*Value, bool) {
	cur := v
	for _, seg := range p {
		switch cur.Kind() {
		case KindObject:
			next, ok := cur.Get(seg)
			if !ok {
				return nil, false
			}
			cur = next
		case KindArray:
			idx, ok := parseIndex(seg)
			if !ok {
				return nil, false
			}
			next, ok := cur.At(idx)
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// Contains reports whether the pointer resolves against the value.
func (v *Value) Contains(p Pointer) bool {
	_, ok := v.Find(p)
	return ok
}

// SetPath writes val at the pointer, creating intermediate objects as
// needed. Intermediate nulls become objects; other non-objects along the
// path are replaced.
func (v *Value) SetPath(p Pointer, val *Value) {
	if v == nil || len(p) == 0 {
		return
	}
	cur := v
	for _, seg := range p[:len(p)-1] {
		if cur.kind != KindObject && cur.kind != KindNull {
			cur.SetNull()
		}
		next, ok := cur.Get(seg)
		if !ok || !next.IsObject() {
			next = NewObject()
			cur.Set(seg, next)
		}
		cur = next
	}
	cur.Set(p[len(p)-1], val)
}
