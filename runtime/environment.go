package runtime

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/MinLL/inja/lexer"
	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/parser"
	"github.com/MinLL/inja/value"
)

// Environment binds configuration, the function registry, the template store
// and the optional callback cache, and publishes them to renders.
//
// Thread-safety design: the registry and store are atomic pointers to
// read-only snapshots. Renders acquire-load their snapshots at start and
// keep them for the render's lifetime, so the read path takes no lock.
// Writers clone the current snapshot, mutate the clone, and publish it
// atomically under a short mutex; renders in flight keep their original
// view. The render config, which contains function-typed fields, is also
// snapshotted under the same mutex at render start.
type Environment struct {
	functions atomic.Pointer[FunctionStorage]
	templates atomic.Pointer[TemplateStorage]

	mu           sync.Mutex
	lexerConfig  lexer.Config
	parserConfig parser.Config
	renderConfig RenderConfig
	loader       Loader
	cache        *CallbackCache

	parseGroup singleflight.Group
}

// NewEnvironment creates an environment with default configuration and the
// builtin function set.
func NewEnvironment() *Environment {
	e := &Environment{
		lexerConfig:  lexer.DefaultConfig(),
		renderConfig: DefaultRenderConfig(),
		loader:       NewFileSystemLoader(),
	}
	e.parserConfig.SearchIncludedTemplatesInFiles = true
	e.functions.Store(NewFunctionStorage())
	store := NewTemplateStorage()
	e.templates.Store(&store)
	return e
}

// Parse compiles template source. Sub-templates discovered through include
// and extends statements are collected in a per-call publish buffer and
// merged into the store on success; a failed parse publishes nothing.
func (e *Environment) Parse(source string) (*Template, error) {
	return e.parseNamed(source, "")
}

func (e *Environment) parseNamed(source, name string) (*Template, error) {
	e.mu.Lock()
	lexCfg := e.lexerConfig
	parseCfg := e.parserConfig
	loader := e.loader
	e.mu.Unlock()

	functions := e.functions.Load()
	store := *e.templates.Load()
	if loader != nil {
		parseCfg.LoadSource = loader.Load
	}

	buffer := make(map[string]*parser.Template)
	p := parser.New(parseCfg, lexCfg, functions, store, buffer)
	tmpl, err := p.Parse(source, name)
	if err != nil {
		return nil, err
	}
	if len(buffer) > 0 {
		e.publishTemplates(buffer)
	}
	return tmpl, nil
}

// publishTemplates merges a parse buffer into the store via copy-on-write.
// Already published names win over buffered ones.
func (e *Environment) publishTemplates(buffer map[string]*parser.Template) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.templates.Load()
	next := current.Clone()
	for name, tmpl := range buffer {
		if _, ok := next[name]; !ok {
			next[name] = tmpl
		}
	}
	e.templates.Store(&next)
}

// ParseFile loads and compiles a template through the loader. Concurrent
// calls for the same name share one load and parse.
func (e *Environment) ParseFile(name string) (*Template, error) {
	tmpl, err, _ := e.parseGroup.Do(name, func() (interface{}, error) {
		e.mu.Lock()
		loader := e.loader
		e.mu.Unlock()
		if loader == nil {
			loader = NewFileSystemLoader()
		}
		source, err := loader.Load(name)
		if err != nil {
			return nil, err
		}
		return e.parseNamed(source, name)
	})
	if err != nil {
		return nil, err
	}
	return tmpl.(*Template), nil
}

// RenderTo renders a template to w. It returns the graceful-mode error list
// and, in strict mode or on a failing sink, the fatal error.
func (e *Environment) RenderTo(w io.Writer, tmpl *Template, data *value.Value) ([]RenderErrorInfo, error) {
	e.mu.Lock()
	config := e.renderConfig
	e.mu.Unlock()

	functions := e.functions.Load()
	store := *e.templates.Load()

	r := NewRenderer(config, store, functions)
	err := r.RenderTo(w, tmpl, data, nil)
	return r.RenderErrors(), err
}

// Render renders a template to a string.
func (e *Environment) Render(tmpl *Template, data *value.Value) (string, error) {
	var b strings.Builder
	_, err := e.RenderTo(&b, tmpl, data)
	return b.String(), err
}

// RenderString parses and renders template source in one step.
func (e *Environment) RenderString(source string, data *value.Value) (string, error) {
	tmpl, err := e.Parse(source)
	if err != nil {
		return "", err
	}
	return e.Render(tmpl, data)
}

// RenderFile loads, parses and renders a template file.
func (e *Environment) RenderFile(name string, data *value.Value) (string, error) {
	tmpl, err := e.ParseFile(name)
	if err != nil {
		return "", err
	}
	return e.Render(tmpl, data)
}

// AddCallback registers a user callback under (name, numArgs). numArgs may
// be Variadic. Registration publishes a new registry snapshot; renders in
// flight keep the old one.
func (e *Environment) AddCallback(name string, numArgs int, callback nodes.CallbackFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.functions.Load().Clone()
	next.AddCallback(name, numArgs, callback)
	e.functions.Store(next)
}

// AddVariadicCallback registers a callback accepting any number of
// arguments.
func (e *Environment) AddVariadicCallback(name string, callback nodes.CallbackFunc) {
	e.AddCallback(name, Variadic, callback)
}

// AddCallbackWithInPlace registers a callback together with an in-place
// variant used for self-assignment patterns like {% set x = f(x, ...) %}:
// the in-place variant mutates x instead of producing a copy.
func (e *Environment) AddCallbackWithInPlace(name string, numArgs int, callback nodes.CallbackFunc, inplace nodes.InPlaceCallbackFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.functions.Load().Clone()
	next.AddCallbackWithInPlace(name, numArgs, callback, inplace)
	e.functions.Store(next)
}

// AddVoidCallback registers a callback invoked for its side effects; its
// result renders as null.
func (e *Environment) AddVoidCallback(name string, numArgs int, callback func(args nodes.Arguments) error) {
	e.AddCallback(name, numArgs, func(args nodes.Arguments) (*value.Value, error) {
		if err := callback(args); err != nil {
			return nil, err
		}
		return value.Null(), nil
	})
}

// IncludeTemplate publishes a preparsed template under a name so include
// and extends statements can reach it.
func (e *Environment) IncludeTemplate(name string, tmpl *Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.templates.Load().Clone()
	next[name] = tmpl
	e.templates.Store(&next)
}

// Template returns the published template with the given name.
func (e *Environment) Template(name string) (*Template, bool) {
	store := *e.templates.Load()
	t, ok := store[name]
	return t, ok
}

// SetLoader sets the template loader used by ParseFile and by include
// resolution during parsing.
func (e *Environment) SetLoader(loader Loader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loader = loader
}

// SetStatement sets the opening and closing delimiters for statements.
func (e *Environment) SetStatement(open, close string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.StatementOpen = open
	e.lexerConfig.StatementClose = close
}

// SetLineStatement sets the line statement prefix.
func (e *Environment) SetLineStatement(open string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.LineStatement = open
}

// SetExpression sets the opening and closing delimiters for expressions.
func (e *Environment) SetExpression(open, close string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.ExpressionOpen = open
	e.lexerConfig.ExpressionClose = close
}

// SetComment sets the opening and closing delimiters for comments.
func (e *Environment) SetComment(open, close string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.CommentOpen = open
	e.lexerConfig.CommentClose = close
}

// SetTrimBlocks removes the first newline after a statement or comment.
func (e *Environment) SetTrimBlocks(trimBlocks bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.TrimBlocks = trimBlocks
}

// SetLstripBlocks strips whitespace from the start of a line to a statement.
func (e *Environment) SetLstripBlocks(lstripBlocks bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lexerConfig.LstripBlocks = lstripBlocks
}

// SetSearchIncludedTemplatesInFiles makes the parser load unknown include
// targets through the loader.
func (e *Environment) SetSearchIncludedTemplatesInFiles(search bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parserConfig.SearchIncludedTemplatesInFiles = search
}

// SetIncludeCallback is consulted during parsing for include targets that
// cannot be found anywhere else.
func (e *Environment) SetIncludeCallback(callback func(name string) (*Template, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parserConfig.IncludeCallback = callback
}

// SetThrowAtMissingIncludes makes missing include and extends targets an
// error at render time.
func (e *Environment) SetThrowAtMissingIncludes(throw bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.ThrowAtMissingIncludes = throw
}

// SetHTMLAutoescape escapes printed strings.
func (e *Environment) SetHTMLAutoescape(escape bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.HTMLAutoescape = escape
}

// SetGracefulErrors switches graceful error handling for both parsing and
// rendering: unknown functions parse, and failing expressions render their
// original template text.
func (e *Environment) SetGracefulErrors(graceful bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parserConfig.GracefulErrors = graceful
	e.renderConfig.GracefulErrors = graceful
}

// SetCallbackWrapper interposes a wrapper on every user-callback
// invocation, for tracing, timing or caching.
func (e *Environment) SetCallbackWrapper(wrapper CallbackWrapper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.CallbackWrapper = wrapper
}

// ClearCallbackWrapper removes the callback wrapper.
func (e *Environment) ClearCallbackWrapper() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.CallbackWrapper = nil
}

// SetInstrumentationCallback receives internal events during rendering.
func (e *Environment) SetInstrumentationCallback(callback InstrumentationCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.InstrumentationCallback = callback
}

// ClearInstrumentationCallback removes the instrumentation callback.
func (e *Environment) ClearInstrumentationCallback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renderConfig.InstrumentationCallback = nil
}

// EnableCallbackCache installs a callback cache and the matching caching
// wrapper. An optional predicate restricts which callbacks are cached.
func (e *Environment) EnableCallbackCache(config CallbackCacheConfig, predicate ...CachePredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = NewCallbackCache(config)
	if len(predicate) > 0 && predicate[0] != nil {
		e.cache.SetCachePredicate(predicate[0])
	}
	e.renderConfig.CallbackWrapper = e.cache.CachingWrapper()
}

// EnableCallbackCacheWithWrapper combines caching with another wrapper; the
// inner wrapper runs on cache misses only.
func (e *Environment) EnableCallbackCacheWithWrapper(config CallbackCacheConfig, inner CallbackWrapper, predicate ...CachePredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = NewCallbackCache(config)
	if len(predicate) > 0 && predicate[0] != nil {
		e.cache.SetCachePredicate(predicate[0])
	}
	e.renderConfig.CallbackWrapper = e.cache.CachingWrapperWithInner(inner)
}

// SetCallbackCache installs an externally owned cache, so several
// environments can share one. A nil cache disables caching.
func (e *Environment) SetCallbackCache(cache *CallbackCache, predicate ...CachePredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = cache
	if cache == nil {
		e.renderConfig.CallbackWrapper = nil
		return
	}
	if len(predicate) > 0 && predicate[0] != nil {
		cache.SetCachePredicate(predicate[0])
	}
	e.renderConfig.CallbackWrapper = cache.CachingWrapper()
}

// DisableCallbackCache drops the cache and its wrapper. A wrapper set
// before enabling the cache must be re-set afterwards.
func (e *Environment) DisableCallbackCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = nil
	e.renderConfig.CallbackWrapper = nil
}

// CallbackCache returns the installed cache, or nil when caching is off.
func (e *Environment) CallbackCache() *CallbackCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// ClearCallbackCache empties the cache, if one is installed.
func (e *Environment) ClearCallbackCache() {
	if cache := e.CallbackCache(); cache != nil {
		cache.Clear()
	}
}

// InvalidateCallbackCache removes cached entries of one callback and
// returns the number removed.
func (e *Environment) InvalidateCallbackCache(name string) int {
	if cache := e.CallbackCache(); cache != nil {
		return cache.Invalidate(name)
	}
	return 0
}

// LoadFile reads template source through the loader.
func (e *Environment) LoadFile(name string) (string, error) {
	e.mu.Lock()
	loader := e.loader
	e.mu.Unlock()
	if loader == nil {
		loader = NewFileSystemLoader()
	}
	return loader.Load(name)
}

// LoadJSON reads and parses a JSON data file.
func (e *Environment) LoadJSON(name string) (*value.Value, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, &Error{Kind: ErrFile, Message: "failed accessing file at '" + name + "'", Cause: err}
	}
	v, perr := value.Parse(data)
	if perr != nil {
		return nil, &Error{Kind: ErrFile, Message: "failed parsing JSON file '" + name + "'", Cause: perr}
	}
	return v, nil
}
