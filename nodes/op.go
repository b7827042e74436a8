package nodes

import "github.com/MinLL/inja/value"

// Op identifies a builtin operation bound to a Function node. OpCallback
// marks a user callback; OpNone marks an unresolved name kept for graceful
// handling.
type Op int

const (
	OpNone Op = iota
	OpNot
	OpAnd
	OpOr
	OpIn
	OpEqual
	OpNotEqual
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpAdd
	OpSubtract
	OpMultiplication
	OpDivision
	OpPower
	OpModulo
	OpAtID
	OpAt
	OpCapitalize
	OpDefault
	OpDivisibleBy
	OpEven
	OpExists
	OpExistsInObject
	OpFirst
	OpFloat
	OpInt
	OpIsArray
	OpIsBoolean
	OpIsFloat
	OpIsInteger
	OpIsNumber
	OpIsObject
	OpIsString
	OpLast
	OpLength
	OpLower
	OpMax
	OpMin
	OpOdd
	OpRange
	OpReplace
	OpRound
	OpSort
	OpUpper
	OpSuper
	OpJoin
	OpCallback
)

// Arguments is the ordered argument list handed to callbacks.
type Arguments = []*value.Value

// CallbackFunc is a user-registered template function.
type CallbackFunc func(args Arguments) (*value.Value, error)

// InPlaceCallbackFunc mutates its first argument instead of returning a new
// value. It is invoked for self-assignment patterns like
// {% set items = append(items, x) %}.
type InPlaceCallbackFunc func(target *value.Value, args Arguments) error
