package runtime

import (
	"github.com/MinLL/inja/nodes"
)

// Variadic marks a callback that accepts any number of arguments.
const Variadic = -1

// FunctionEntry describes a registered function: a builtin operation tag, or
// a user callback with an optional in-place variant for self-assignment
// optimization.
type FunctionEntry struct {
	Op       nodes.Op
	Callback nodes.CallbackFunc
	InPlace  nodes.InPlaceCallbackFunc
}

type functionKey struct {
	name    string
	numArgs int
}

// FunctionStorage maps (name, arity) pairs to builtin operations and user
// callbacks. Instances published to renders are read-only; the environment
// clones before mutating.
type FunctionStorage struct {
	entries map[functionKey]FunctionEntry
}

// NewFunctionStorage returns a storage seeded with the builtin functions.
func NewFunctionStorage() *FunctionStorage {
	s := &FunctionStorage{entries: make(map[functionKey]FunctionEntry)}
	builtins := []struct {
		name    string
		numArgs int
		op      nodes.Op
	}{
		{"at", 2, nodes.OpAt},
		{"capitalize", 1, nodes.OpCapitalize},
		{"default", 2, nodes.OpDefault},
		{"divisibleBy", 2, nodes.OpDivisibleBy},
		{"even", 1, nodes.OpEven},
		{"exists", 1, nodes.OpExists},
		{"existsIn", 2, nodes.OpExistsInObject},
		{"first", 1, nodes.OpFirst},
		{"float", 1, nodes.OpFloat},
		{"int", 1, nodes.OpInt},
		{"isArray", 1, nodes.OpIsArray},
		{"isBoolean", 1, nodes.OpIsBoolean},
		{"isFloat", 1, nodes.OpIsFloat},
		{"isInteger", 1, nodes.OpIsInteger},
		{"isNumber", 1, nodes.OpIsNumber},
		{"isObject", 1, nodes.OpIsObject},
		{"isString", 1, nodes.OpIsString},
		{"last", 1, nodes.OpLast},
		{"length", 1, nodes.OpLength},
		{"lower", 1, nodes.OpLower},
		{"max", 1, nodes.OpMax},
		{"min", 1, nodes.OpMin},
		{"odd", 1, nodes.OpOdd},
		{"range", 1, nodes.OpRange},
		{"replace", 3, nodes.OpReplace},
		{"round", 2, nodes.OpRound},
		{"sort", 1, nodes.OpSort},
		{"upper", 1, nodes.OpUpper},
		{"super", 0, nodes.OpSuper},
		{"super", 1, nodes.OpSuper},
		{"join", 2, nodes.OpJoin},
	}
	for _, b := range builtins {
		s.entries[functionKey{b.name, b.numArgs}] = FunctionEntry{Op: b.op}
	}
	return s
}

// Clone returns a copy for copy-on-write publication.
func (s *FunctionStorage) Clone() *FunctionStorage {
	c := &FunctionStorage{entries: make(map[functionKey]FunctionEntry, len(s.entries))}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	return c
}

// AddBuiltin registers an additional builtin operation under a name.
func (s *FunctionStorage) AddBuiltin(name string, numArgs int, op nodes.Op) {
	s.entries[functionKey{name, numArgs}] = FunctionEntry{Op: op}
}

// AddCallback registers a user callback. numArgs may be Variadic.
func (s *FunctionStorage) AddCallback(name string, numArgs int, callback nodes.CallbackFunc) {
	s.entries[functionKey{name, numArgs}] = FunctionEntry{Op: nodes.OpCallback, Callback: callback}
}

// AddCallbackWithInPlace registers a user callback together with an in-place
// variant used for self-assignment patterns like
// {% set x = f(x, ...) %}.
func (s *FunctionStorage) AddCallbackWithInPlace(name string, numArgs int, callback nodes.CallbackFunc, inplace nodes.InPlaceCallbackFunc) {
	s.entries[functionKey{name, numArgs}] = FunctionEntry{Op: nodes.OpCallback, Callback: callback, InPlace: inplace}
}

// Find looks up (name, numArgs), falling back to the variadic entry when
// numArgs is positive.
func (s *FunctionStorage) Find(name string, numArgs int) (FunctionEntry, bool) {
	if e, ok := s.entries[functionKey{name, numArgs}]; ok {
		return e, true
	}
	if numArgs > 0 {
		if e, ok := s.entries[functionKey{name, Variadic}]; ok {
			return e, true
		}
	}
	return FunctionEntry{Op: nodes.OpNone}, false
}

// Resolve implements parser.FunctionResolver.
func (s *FunctionStorage) Resolve(name string, numArgs int) (nodes.Op, nodes.CallbackFunc, bool) {
	e, ok := s.Find(name, numArgs)
	if !ok {
		return nodes.OpNone, nil, false
	}
	return e.Op, e.Callback, true
}
