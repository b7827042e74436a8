// Package value implements the dynamically typed data model the template
// engine operates on: a JSON-like tree of nulls, booleans, numbers, strings,
// arrays and insertion-ordered objects, addressable by pointer paths.
package value

import (
	"fmt"
	"strconv"
)

// Kind identifies the type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is one node of the data tree. The zero value and the nil pointer both
// behave as null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []*Value
	keys []string
	obj  map[string]*Value
}

// Null returns a new null value.
func Null() *Value {
	return &Value{kind: KindNull}
}

// NewBool returns a new boolean value.
func NewBool(b bool) *Value {
	return &Value{kind: KindBool, b: b}
}

// NewInt returns a new integer value.
func NewInt(i int64) *Value {
	return &Value{kind: KindInt, i: i}
}

// NewFloat returns a new float value.
func NewFloat(f float64) *Value {
	return &Value{kind: KindFloat, f: f}
}

// NewString returns a new string value.
func NewString(s string) *Value {
	return &Value{kind: KindString, s: s}
}

// NewArray returns a new array value holding the given elements.
func NewArray(elems ...*Value) *Value {
	arr := make([]*Value, len(elems))
	copy(arr, elems)
	return &Value{kind: KindArray, arr: arr}
}

// NewObject returns a new empty object value.
func NewObject() *Value {
	return &Value{kind: KindObject, obj: make(map[string]*Value)}
}

// Kind returns the kind of the value. A nil receiver is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether the value is null.
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// IsBool reports whether the value is a boolean.
func (v *Value) IsBool() bool { return v.Kind() == KindBool }

// IsInt reports whether the value is an integer.
func (v *Value) IsInt() bool { return v.Kind() == KindInt }

// IsFloat reports whether the value is a float.
func (v *Value) IsFloat() bool { return v.Kind() == KindFloat }

// IsNumber reports whether the value is an integer or a float.
func (v *Value) IsNumber() bool { return v.IsInt() || v.IsFloat() }

// IsString reports whether the value is a string.
func (v *Value) IsString() bool { return v.Kind() == KindString }

// IsArray reports whether the value is an array.
func (v *Value) IsArray() bool { return v.Kind() == KindArray }

// IsObject reports whether the value is an object.
func (v *Value) IsObject() bool { return v.Kind() == KindObject }

// Bool returns the boolean held by the value.
func (v *Value) Bool() (bool, error) {
	if !v.IsBool() {
		return false, fmt.Errorf("value is %s, not boolean", v.Kind())
	}
	return v.b, nil
}

// Int returns the integer held by the value.
func (v *Value) Int() (int64, error) {
	if !v.IsInt() {
		return 0, fmt.Errorf("value is %s, not integer", v.Kind())
	}
	return v.i, nil
}

// Float returns the numeric content of the value as a float. Integers are
// promoted.
func (v *Value) Float() (float64, error) {
	switch v.Kind() {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, fmt.Errorf("value is %s, not a number", v.Kind())
	}
}

// Str returns the string held by the value.
func (v *Value) Str() (string, error) {
	if !v.IsString() {
		return "", fmt.Errorf("value is %s, not string", v.Kind())
	}
	return v.s, nil
}

// Len returns the element count of a container, the byte length of a string,
// 0 for null and 1 for other scalars.
func (v *Value) Len() int {
	switch v.Kind() {
	case KindNull:
		return 0
	case KindString:
		return len(v.s)
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	default:
		return 1
	}
}

// Empty reports whether the value is null or an empty container. Scalars are
// never empty.
func (v *Value) Empty() bool {
	switch v.Kind() {
	case KindNull:
		return true
	case KindArray:
		return len(v.arr) == 0
	case KindObject:
		return len(v.keys) == 0
	default:
		return false
	}
}

// Keys returns the object keys in insertion order, or nil for non-objects.
func (v *Value) Keys() []string {
	if !v.IsObject() {
		return nil
	}
	return v.keys
}

// Get returns the member with the given key.
func (v *Value) Get(key string) (*Value, bool) {
	if !v.IsObject() {
		return nil, false
	}
	m, ok := v.obj[key]
	return m, ok
}

// Has reports whether the object has the given key.
func (v *Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Set inserts or replaces the member with the given key, keeping the
// first-insertion key order. Writing to a null value turns it into an object.
func (v *Value) Set(key string, val *Value) {
	if v == nil {
		return
	}
	if v.kind == KindNull {
		v.kind = KindObject
		v.obj = make(map[string]*Value)
		v.keys = nil
		v.arr = nil
	}
	if v.kind != KindObject {
		return
	}
	if _, exists := v.obj[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

// Delete removes the member with the given key.
func (v *Value) Delete(key string) {
	if !v.IsObject() {
		return
	}
	if _, ok := v.obj[key]; !ok {
		return
	}
	delete(v.obj, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Elems returns the array elements, or nil for non-arrays.
func (v *Value) Elems() []*Value {
	if !v.IsArray() {
		return nil
	}
	return v.arr
}

// At returns the array element at the given index.
func (v *Value) At(i int) (*Value, bool) {
	if !v.IsArray() || i < 0 || i >= len(v.arr) {
		return nil, false
	}
	return v.arr[i], true
}

// Append adds elements to an array. Appending to a null value turns it into
// an array.
func (v *Value) Append(elems ...*Value) {
	if v == nil {
		return
	}
	if v.kind == KindNull {
		v.kind = KindArray
		v.obj = nil
		v.keys = nil
	}
	if v.kind != KindArray {
		return
	}
	v.arr = append(v.arr, elems...)
}

// SetNull resets the value to null in place, dropping any content.
func (v *Value) SetNull() {
	if v == nil {
		return
	}
	*v = Value{kind: KindNull}
}

// Assign replaces the content of v with the content of other in place.
func (v *Value) Assign(other *Value) {
	if v == nil {
		return
	}
	if other == nil {
		v.SetNull()
		return
	}
	*v = *other
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return Null()
	}
	c := &Value{kind: v.kind, b: v.b, i: v.i, f: v.f, s: v.s}
	switch v.kind {
	case KindArray:
		c.arr = make([]*Value, len(v.arr))
		for i, e := range v.arr {
			c.arr[i] = e.Clone()
		}
	case KindObject:
		c.keys = append([]string(nil), v.keys...)
		c.obj = make(map[string]*Value, len(v.obj))
		for k, e := range v.obj {
			c.obj[k] = e.Clone()
		}
	}
	return c
}

// Equal reports deep equality. Integers and floats compare numerically, so
// 1 and 1.0 are equal.
func Equal(a, b *Value) bool {
	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		if a.IsNumber() && b.IsNumber() {
			af, _ := a.Float()
			bf, _ := b.Float()
			return af == bf
		}
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.keys) != len(b.keys) {
			return false
		}
		for _, k := range a.keys {
			bv, ok := b.obj[k]
			if !ok || !Equal(a.obj[k], bv) {
				return false
			}
		}
		return true
	}
	return false
}

// typeRank implements the canonical cross-type ordering:
// null < boolean < number < object < array < string.
func typeRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindObject:
		return 3
	case KindArray:
		return 4
	case KindString:
		return 5
	}
	return 6
}

// Compare orders two values. Values of different types order by type rank;
// numbers compare numerically across integer and float.
func Compare(a, b *Value) int {
	ra, rb := typeRank(a.Kind()), typeRank(b.Kind())
	if ra != rb {
		return sign(ra - rb)
	}
	switch a.Kind() {
	case KindNull:
		return 0
	case KindBool:
		return boolCompare(a.b, b.b)
	case KindInt, KindFloat:
		af, _ := a.Float()
		bf, _ := b.Float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case KindString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
		return 0
	case KindArray:
		n := min(len(a.arr), len(b.arr))
		for i := 0; i < n; i++ {
			if c := Compare(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return sign(len(a.arr) - len(b.arr))
	case KindObject:
		n := min(len(a.keys), len(b.keys))
		for i := 0; i < n; i++ {
			if a.keys[i] != b.keys[i] {
				if a.keys[i] < b.keys[i] {
					return -1
				}
				return 1
			}
			if c := Compare(a.obj[a.keys[i]], b.obj[b.keys[i]]); c != 0 {
				return c
			}
		}
		return sign(len(a.keys) - len(b.keys))
	}
	return 0
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// parseIndex interprets a pointer segment as an array index.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
