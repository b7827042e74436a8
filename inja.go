// Package inja is a template engine that renders template source against a
// structured data context. It supports expression substitution, control
// flow, template inheritance and inclusion, user-registered callbacks with
// result caching, and a graceful mode in which failing expressions emit
// their original template text instead of aborting the render.
package inja

import (
	"io"

	"github.com/MinLL/inja/runtime"
	"github.com/MinLL/inja/value"
)

// Template represents a compiled template.
type Template = runtime.Template

// Environment binds configuration, callbacks, templates and the callback
// cache.
type Environment = runtime.Environment

// Value is the dynamically typed data context.
type Value = value.Value

// RenderConfig is the render-time configuration snapshot.
type RenderConfig = runtime.RenderConfig

// RenderErrorInfo is one entry of the graceful-mode error list.
type RenderErrorInfo = runtime.RenderErrorInfo

// CallbackCacheConfig controls callback result caching.
type CallbackCacheConfig = runtime.CallbackCacheConfig

// CallbackCache memoises callback results with TTL and LRU eviction.
type CallbackCache = runtime.CallbackCache

// Error is an engine error with kind and source position.
type Error = runtime.Error

// NewEnvironment creates an environment with default configuration.
func NewEnvironment() *Environment {
	return runtime.NewEnvironment()
}

// Render renders template source against data with default settings.
func Render(source string, data *Value) (string, error) {
	return runtime.NewEnvironment().RenderString(source, data)
}

// RenderTo renders template source against data to the given writer with
// default settings.
func RenderTo(w io.Writer, source string, data *Value) error {
	env := runtime.NewEnvironment()
	tmpl, err := env.Parse(source)
	if err != nil {
		return err
	}
	_, err = env.RenderTo(w, tmpl, data)
	return err
}
