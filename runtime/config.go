package runtime

import (
	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/value"
)

// Thunk executes the wrapped callback and returns its result.
type Thunk func() (*value.Value, error)

// CallbackWrapper interposes on every user-callback invocation. The wrapper
// receives the callback name, its arguments, and a thunk executing the real
// callback; the engine uses the wrapper's return value. Wrappers implement
// tracing, timing and the callback cache.
type CallbackWrapper func(name string, args nodes.Arguments, thunk Thunk) (*value.Value, error)

// InstrumentationEvent identifies a point of interest during rendering.
type InstrumentationEvent int

const (
	EventRenderStart InstrumentationEvent = iota
	EventRenderEnd
	EventSetStatementStart
	EventSetStatementEnd
	EventInplaceOptUsed
	EventInplaceOptSkipped
	EventForLoopStart
	EventForLoopEnd
	EventIncludeStart
	EventIncludeEnd
)

// InstrumentationData carries the payload of an instrumentation event. Name
// holds a variable, template or function name; Detail holds an outcome tag
// or skip reason; Count holds numeric data such as an iteration count.
type InstrumentationData struct {
	Event  InstrumentationEvent
	Name   string
	Detail string
	Count  int
}

// InstrumentationCallback receives instrumentation events. It runs
// synchronously on the render path and must be fast.
type InstrumentationCallback func(data InstrumentationData)

// RenderConfig is the render-time configuration. The environment snapshots
// it under its write lock at render start, so the function-typed fields are
// never read while being assigned.
type RenderConfig struct {
	// ThrowAtMissingIncludes makes a missing include or extends target an
	// error instead of being ignored.
	ThrowAtMissingIncludes bool
	// HTMLAutoescape escapes printed strings.
	HTMLAutoescape bool
	// GracefulErrors keeps rendering through expression failures, emitting
	// the original template span instead.
	GracefulErrors bool

	CallbackWrapper         CallbackWrapper
	InstrumentationCallback InstrumentationCallback
}

// DefaultRenderConfig returns the default render configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{ThrowAtMissingIncludes: true}
}
