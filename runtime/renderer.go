package runtime

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/value"
)

// notFoundInfo pairs a null result on the eval stack with the symbol that
// failed to resolve, for error reporting and graceful replay.
type notFoundInfo struct {
	name string
	node nodes.Node
}

// Renderer walks a template AST and writes output. A renderer is single-shot:
// the environment builds a fresh one per render call, so state like the
// break-rendering flag never leaks between renders.
type Renderer struct {
	config    RenderConfig
	templates TemplateStorage
	functions *FunctionStorage

	currentTemplate *Template
	currentLevel    int
	templateStack   []*Template
	blockStack      []*nodes.BlockStatement

	data *value.Value
	out  io.Writer

	// locals holds set bindings and loop variables; the loop metadata object
	// lives under the "loop" key.
	locals *value.Value

	evalStack []*value.Value
	notFound  []notFoundInfo

	breakRendering bool
	renderErrors   []RenderErrorInfo
}

// NewRenderer creates a renderer over storage snapshots.
func NewRenderer(config RenderConfig, templates TemplateStorage, functions *FunctionStorage) *Renderer {
	return &Renderer{config: config, templates: templates, functions: functions}
}

// RenderTo renders the template against data, writing output to w. locals
// seeds the per-render locals (used by include to propagate loop and set
// variables) and may be nil.
func (r *Renderer) RenderTo(w io.Writer, tmpl *Template, data *value.Value, locals *value.Value) error {
	r.out = w
	r.currentTemplate = tmpl
	if data == nil {
		data = value.Null()
	}
	r.data = data
	if locals != nil {
		r.locals = locals.Clone()
	} else {
		r.locals = value.NewObject()
	}
	if !r.locals.Has("loop") {
		r.locals.Set("loop", value.Null())
	}

	r.emit(InstrumentationData{Event: EventRenderStart, Name: tmpl.Name})
	r.templateStack = append(r.templateStack, tmpl)
	err := r.visitBlock(tmpl.Root)
	r.emit(InstrumentationData{Event: EventRenderEnd, Name: tmpl.Name})
	return err
}

// RenderErrors returns the errors collected in graceful mode.
func (r *Renderer) RenderErrors() []RenderErrorInfo {
	return r.renderErrors
}

func (r *Renderer) emit(data InstrumentationData) {
	if r.config.InstrumentationCallback != nil {
		r.config.InstrumentationCallback(data)
	}
}

// renderError reports a failure at a node. In graceful mode it records the
// error and returns nil; in strict mode it returns the error, aborting the
// render as it propagates.
func (r *Renderer) renderError(kind ErrorKind, message string, node nodes.Node, originalText string) error {
	loc := nodes.LocateSource(r.currentTemplate.Content, node.Position())
	loc.File = r.currentTemplate.Name
	if r.config.GracefulErrors {
		r.renderErrors = append(r.renderErrors, RenderErrorInfo{Message: message, Location: loc, OriginalText: originalText})
		return nil
	}
	return &Error{Kind: kind, Message: message, Location: loc}
}

// opFail handles a failing operation. Graceful mode pushes a null result
// paired with the operation tag so the surrounding expression replays its
// source; strict mode errors out.
func (r *Renderer) opFail(node nodes.Node, kind ErrorKind, opName, message string) error {
	if r.config.GracefulErrors {
		r.pushNotFound(opName, node)
		return nil
	}
	return r.renderError(kind, message, node, "")
}

func (r *Renderer) push(v *value.Value) {
	r.evalStack = append(r.evalStack, v)
}

func (r *Renderer) pushNotFound(name string, node nodes.Node) {
	r.push(nil)
	r.notFound = append(r.notFound, notFoundInfo{name: name, node: node})
}

func (r *Renderer) pop() *value.Value {
	v := r.evalStack[len(r.evalStack)-1]
	r.evalStack = r.evalStack[:len(r.evalStack)-1]
	return v
}

func (r *Renderer) popNotFound() notFoundInfo {
	nf := r.notFound[len(r.notFound)-1]
	r.notFound = r.notFound[:len(r.notFound)-1]
	return nf
}

func (r *Renderer) writeString(s string) error {
	_, err := io.WriteString(r.out, s)
	return err
}

func (r *Renderer) span(pos, length int) string {
	content := r.currentTemplate.Content
	if pos < 0 || pos+length > len(content) {
		return ""
	}
	return content[pos : pos+length]
}

// originalText returns the replayable source of an expression list in
// graceful mode.
func (r *Renderer) originalText(list *nodes.ExpressionList) string {
	if r.config.GracefulErrors && list.Length > 0 {
		return r.span(list.Pos, list.Length)
	}
	return ""
}

// truthy follows the engine's truthiness rules: null and unresolved are
// false, numbers compare against zero, strings and containers by emptiness.
func truthy(v *value.Value) bool {
	if v == nil {
		return false
	}
	switch v.Kind() {
	case value.KindNull:
		return false
	case value.KindBool:
		b, _ := v.Bool()
		return b
	case value.KindInt, value.KindFloat:
		f, _ := v.Float()
		return f != 0
	default:
		return v.Len() > 0
	}
}

// htmlEscape substitutes the five HTML special characters.
func htmlEscape(data string) string {
	var b strings.Builder
	b.Grow(len(data) + len(data)/8)
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '&':
			b.WriteString("&amp;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(data[i])
		}
	}
	return b.String()
}

func (r *Renderer) printValue(v *value.Value) error {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.Str()
		if r.config.HTMLAutoescape {
			s = htmlEscape(s)
		}
		return r.writeString(s)
	case value.KindInt:
		i, _ := v.Int()
		return r.writeString(strconv.FormatInt(i, 10))
	case value.KindNull:
		return nil
	default:
		return r.writeString(v.Dump())
	}
}

func (r *Renderer) visit(node nodes.Node) error {
	switch n := node.(type) {
	case *nodes.Block:
		return r.visitBlock(n)
	case *nodes.Text:
		return r.writeString(r.span(n.Pos, n.Length))
	case *nodes.Raw:
		return r.writeString(r.span(n.Pos, n.Length))
	case *nodes.ExpressionList:
		return r.visitExpressionList(n)
	case *nodes.IfStatement:
		return r.visitIf(n)
	case *nodes.ForArrayStatement:
		return r.visitForArray(n)
	case *nodes.ForObjectStatement:
		return r.visitForObject(n)
	case *nodes.IncludeStatement:
		return r.visitInclude(n)
	case *nodes.ExtendsStatement:
		return r.visitExtends(n)
	case *nodes.BlockStatement:
		return r.visitBlockStatement(n)
	case *nodes.SetStatement:
		return r.visitSet(n)
	default:
		return r.renderError(ErrMalformedExpression, fmt.Sprintf("unexpected node %T", node), node, "")
	}
}

func (r *Renderer) visitBlock(block *nodes.Block) error {
	for _, n := range block.Nodes {
		if err := r.visit(n); err != nil {
			return err
		}
		if r.breakRendering {
			break
		}
	}
	return nil
}

// evalExpressionList evaluates one expression list and returns a deep copy
// of its single result. In graceful mode a failed expression yields
// (nil, nil) after recording the error; strict mode returns the error.
func (r *Renderer) evalExpressionList(list *nodes.ExpressionList) (*value.Value, error) {
	if list.Root == nil {
		return nil, r.renderError(ErrEmptyExpression, "empty expression", list, r.originalText(list))
	}

	mark := len(r.evalStack)
	if err := r.visitExpression(list.Root); err != nil {
		return nil, err
	}

	n := len(r.evalStack) - mark
	if n == 0 {
		return nil, r.renderError(ErrEmptyExpression, "empty expression", list, r.originalText(list))
	}
	if n != 1 {
		for len(r.evalStack) > mark {
			if r.pop() == nil {
				r.popNotFound()
			}
		}
		return nil, r.renderError(ErrMalformedExpression, "malformed expression", list, r.originalText(list))
	}

	result := r.pop()
	if result == nil {
		if len(r.notFound) == 0 {
			return nil, r.renderError(ErrMalformedExpression, "expression could not be evaluated", list, r.originalText(list))
		}
		nf := r.popNotFound()
		return nil, r.renderError(ErrVariableNotFound, fmt.Sprintf("variable '%s' not found", nf.name), nf.node, r.originalText(list))
	}
	return result.Clone(), nil
}

// visitExpressionList prints an expression result, or replays the original
// template span when the expression failed gracefully.
func (r *Renderer) visitExpressionList(list *nodes.ExpressionList) error {
	result, err := r.evalExpressionList(list)
	if err != nil {
		return err
	}
	if result != nil {
		return r.printValue(result)
	}
	if r.config.GracefulErrors && list.Length > 0 {
		return r.writeString(r.span(list.Pos, list.Length))
	}
	return nil
}

func (r *Renderer) visitExpression(expr nodes.Expression) error {
	switch n := expr.(type) {
	case *nodes.Literal:
		r.push(n.Value)
		return nil
	case *nodes.Data:
		return r.visitData(n)
	case *nodes.Function:
		return r.visitFunction(n)
	default:
		return r.renderError(ErrMalformedExpression, fmt.Sprintf("unexpected expression %T", expr), expr, "")
	}
}

// visitData resolves a dotted name: locals first, then the data input, then
// a zero-arity callback; anything else is a paired null + not-found.
func (r *Renderer) visitData(n *nodes.Data) error {
	if v, ok := r.locals.Find(n.Ptr); ok {
		r.push(v)
		return nil
	}
	if v, ok := r.data.Find(n.Ptr); ok {
		r.push(v)
		return nil
	}

	if entry, ok := r.functions.Find(n.Name, 0); ok && entry.Op == nodes.OpCallback && entry.Callback != nil {
		v, err := r.invokeCallback(n.Name, nil, entry.Callback)
		if err != nil {
			return r.opFail(n, ErrBadOperationInput, n.Name, fmt.Sprintf("operation '%s' failed: %v", n.Name, err))
		}
		r.push(v)
		return nil
	}

	r.pushNotFound(n.Name, n)
	return nil
}

// invokeCallback runs a user callback, routed through the configured
// wrapper when present. A nil result normalises to null.
func (r *Renderer) invokeCallback(name string, args nodes.Arguments, callback nodes.CallbackFunc) (*value.Value, error) {
	thunk := func() (*value.Value, error) {
		return callback(args)
	}
	var v *value.Value
	var err error
	if r.config.CallbackWrapper != nil {
		v, err = r.config.CallbackWrapper(name, args, thunk)
	} else {
		v, err = thunk()
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = value.Null()
	}
	return v, nil
}

// getArguments evaluates argument expressions [start, start+n) and returns
// their results. With throwNotFound, an unresolved argument reports
// "variable not found" and, in graceful mode, is substituted with null so
// the operation can proceed; without it, nil entries are kept for callers
// like Default that inspect missing values directly.
func (r *Renderer) getArguments(node *nodes.Function, n, start int, throwNotFound bool) ([]*value.Value, error) {
	if len(node.Args) < start+n {
		err := r.renderError(ErrBadOperationInput,
			fmt.Sprintf("function needs %d arguments, but has only found %d", start+n, len(node.Args)), node, "")
		if err != nil {
			return nil, err
		}
		result := make([]*value.Value, n)
		for i := range result {
			result[i] = value.Null()
		}
		return result, nil
	}

	result := make([]*value.Value, 0, n)
	for i := start; i < start+n; i++ {
		if err := r.visitExpression(node.Args[i]); err != nil {
			return nil, err
		}
		v := r.pop()
		if v == nil {
			nf := r.popNotFound()
			if throwNotFound {
				if err := r.renderError(ErrVariableNotFound, fmt.Sprintf("variable '%s' not found", nf.name), nf.node, ""); err != nil {
					return nil, err
				}
				v = value.Null()
			}
		}
		result = append(result, v)
	}
	return result, nil
}

func (r *Renderer) getArgumentVector(node *nodes.Function) ([]*value.Value, error) {
	return r.getArguments(node, len(node.Args), 0, true)
}

func (r *Renderer) argFloat(node *nodes.Function, opName string, v *value.Value) (float64, error) {
	f, err := v.Float()
	if err != nil {
		return 0, r.opFail(node, ErrTypeMismatch, opName, fmt.Sprintf("operation '%s' failed: %v", opName, err))
	}
	return f, nil
}

func (r *Renderer) argInt(node *nodes.Function, opName string, v *value.Value) (int64, error) {
	i, err := v.Int()
	if err != nil {
		return 0, r.opFail(node, ErrTypeMismatch, opName, fmt.Sprintf("operation '%s' failed: %v", opName, err))
	}
	return i, nil
}

func (r *Renderer) argString(node *nodes.Function, opName string, v *value.Value) (string, error) {
	s, err := v.Str()
	if err != nil {
		return "", r.opFail(node, ErrTypeMismatch, opName, fmt.Sprintf("operation '%s' failed: %v", opName, err))
	}
	return s, nil
}

// opFailed reports whether the preceding opFail pushed a graceful null, in
// which case the operation must stop without pushing anything else.
func (r *Renderer) opFailed(mark int) bool {
	return len(r.evalStack) > mark
}

func (r *Renderer) visitFunction(node *nodes.Function) error {
	switch node.Op {
	case nodes.OpNot:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(!truthy(args[0])))

	case nodes.OpAnd:
		left, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		if !truthy(left[0]) {
			r.push(value.NewBool(false))
			return nil
		}
		right, err := r.getArguments(node, 1, 1, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(truthy(right[0])))

	case nodes.OpOr:
		left, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		if truthy(left[0]) {
			r.push(value.NewBool(true))
			return nil
		}
		right, err := r.getArguments(node, 1, 1, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(truthy(right[0])))

	case nodes.OpIn:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(valueIn(args[0], args[1])))

	case nodes.OpEqual:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(value.Equal(args[0], args[1])))

	case nodes.OpNotEqual:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(!value.Equal(args[0], args[1])))

	case nodes.OpGreater:
		return r.compareOp(node, func(c int) bool { return c > 0 })
	case nodes.OpGreaterEqual:
		return r.compareOp(node, func(c int) bool { return c >= 0 })
	case nodes.OpLess:
		return r.compareOp(node, func(c int) bool { return c < 0 })
	case nodes.OpLessEqual:
		return r.compareOp(node, func(c int) bool { return c <= 0 })

	case nodes.OpAdd:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		if args[0].IsString() && args[1].IsString() {
			a, _ := args[0].Str()
			b, _ := args[1].Str()
			r.push(value.NewString(a + b))
			return nil
		}
		if args[0].IsInt() && args[1].IsInt() {
			a, _ := args[0].Int()
			b, _ := args[1].Int()
			r.push(value.NewInt(a + b))
			return nil
		}
		mark := len(r.evalStack)
		a, err := r.argFloat(node, "add", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		b, err := r.argFloat(node, "add", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewFloat(a + b))

	case nodes.OpSubtract:
		return r.numericOp(node, "subtract",
			func(a, b int64) int64 { return a - b },
			func(a, b float64) float64 { return a - b })

	case nodes.OpMultiplication:
		return r.numericOp(node, "multiply",
			func(a, b int64) int64 { return a * b },
			func(a, b float64) float64 { return a * b })

	case nodes.OpDivision:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		a, err := r.argFloat(node, "division", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		b, err := r.argFloat(node, "division", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		if b == 0 {
			return r.opFail(node, ErrDivisionByZero, "division", "division by zero")
		}
		r.push(value.NewFloat(a / b))

	case nodes.OpPower:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		if args[0].IsInt() && args[1].IsInt() {
			exp, _ := args[1].Int()
			if exp >= 0 {
				base, _ := args[0].Int()
				r.push(value.NewInt(int64(math.Pow(float64(base), float64(exp)))))
				return nil
			}
		}
		base, err := r.argFloat(node, "power", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		exp, err := r.argFloat(node, "power", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewFloat(math.Pow(base, exp)))

	case nodes.OpModulo:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		a, err := r.argInt(node, "modulo", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		b, err := r.argInt(node, "modulo", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		if b == 0 {
			return r.opFail(node, ErrDivisionByZero, "modulo", "division by zero")
		}
		r.push(value.NewInt(a % b))

	case nodes.OpAtID:
		return r.visitAtID(node)

	case nodes.OpAt:
		return r.visitAt(node)

	case nodes.OpCapitalize:
		return r.stringOp(node, "capitalize", func(s string) string {
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		})

	case nodes.OpLower:
		return r.stringOp(node, "lower", strings.ToLower)

	case nodes.OpUpper:
		return r.stringOp(node, "upper", strings.ToUpper)

	case nodes.OpDefault:
		test, err := r.getArguments(node, 1, 0, false)
		if err != nil {
			return err
		}
		if test[0] != nil {
			r.push(test[0])
			return nil
		}
		fallback, err := r.getArguments(node, 1, 1, true)
		if err != nil {
			return err
		}
		r.push(fallback[0])

	case nodes.OpDivisibleBy:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		a, err := r.argInt(node, "divisibleBy", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		divisor, err := r.argInt(node, "divisibleBy", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewBool(divisor != 0 && a%divisor == 0))

	case nodes.OpEven:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		a, err := r.argInt(node, "even", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewBool(a%2 == 0))

	case nodes.OpOdd:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		a, err := r.argInt(node, "odd", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewBool(a%2 != 0))

	case nodes.OpExists:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		name, err := r.argString(node, "exists", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		// The data input only: set bindings are deliberately invisible here;
		// existsIn covers local checks.
		r.push(value.NewBool(r.data.Contains(value.PointerFromName(name))))

	case nodes.OpExistsInObject:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		name, err := r.argString(node, "existsIn", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		if !args[0].IsObject() {
			return r.opFail(node, ErrTypeMismatch, "existsIn", "operation 'existsIn' failed: value is not an object")
		}
		r.push(value.NewBool(args[0].Has(name)))

	case nodes.OpFirst:
		return r.boundaryOp(node, "first", "cannot get first element of empty array", 0)

	case nodes.OpLast:
		return r.boundaryOp(node, "last", "cannot get last element of empty array", -1)

	case nodes.OpLength:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewInt(int64(args[0].Len())))

	case nodes.OpFloat:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		s, err := r.argString(node, "float", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return r.opFail(node, ErrBadOperationInput, "float", fmt.Sprintf("operation 'float' failed: %v", perr))
		}
		r.push(value.NewFloat(f))

	case nodes.OpInt:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		s, err := r.argString(node, "int", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		i, perr := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if perr != nil {
			return r.opFail(node, ErrBadOperationInput, "int", fmt.Sprintf("operation 'int' failed: %v", perr))
		}
		r.push(value.NewInt(i))

	case nodes.OpMax:
		return r.extremeOp(node, "max", func(c int) bool { return c > 0 })

	case nodes.OpMin:
		return r.extremeOp(node, "min", func(c int) bool { return c < 0 })

	case nodes.OpRange:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		n, err := r.argInt(node, "range", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		if n < 0 {
			return r.opFail(node, ErrBadOperationInput, "range", "operation 'range' failed: negative length")
		}
		arr := value.NewArray()
		for i := int64(0); i < n; i++ {
			arr.Append(value.NewInt(i))
		}
		r.push(arr)

	case nodes.OpReplace:
		args, err := r.getArguments(node, 3, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		s, err := r.argString(node, "replace", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		old, err := r.argString(node, "replace", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		repl, err := r.argString(node, "replace", args[2])
		if err != nil || r.opFailed(mark) {
			return err
		}
		r.push(value.NewString(strings.ReplaceAll(s, old, repl)))

	case nodes.OpRound:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		x, err := r.argFloat(node, "round", args[0])
		if err != nil || r.opFailed(mark) {
			return err
		}
		precision, err := r.argInt(node, "round", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		scale := math.Pow(10, float64(precision))
		rounded := math.Round(x*scale) / scale
		if precision == 0 {
			r.push(value.NewInt(int64(rounded)))
		} else {
			r.push(value.NewFloat(rounded))
		}

	case nodes.OpSort:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		if !args[0].IsArray() {
			return r.opFail(node, ErrTypeMismatch, "sort", "operation 'sort' failed: value is not an array")
		}
		// A sorted copy: the input array is never mutated.
		sorted := args[0].Clone()
		elems := sorted.Elems()
		sort.SliceStable(elems, func(i, j int) bool {
			return value.Compare(elems[i], elems[j]) < 0
		})
		r.push(sorted)

	case nodes.OpJoin:
		args, err := r.getArguments(node, 2, 0, true)
		if err != nil {
			return err
		}
		mark := len(r.evalStack)
		separator, err := r.argString(node, "join", args[1])
		if err != nil || r.opFailed(mark) {
			return err
		}
		if !args[0].IsArray() {
			return r.opFail(node, ErrTypeMismatch, "join", "operation 'join' failed: value is not an array")
		}
		var b strings.Builder
		for i, e := range args[0].Elems() {
			if i > 0 {
				b.WriteString(separator)
			}
			if e.IsString() {
				s, _ := e.Str()
				b.WriteString(s) // unquoted, unlike Dump
			} else {
				b.WriteString(e.Dump())
			}
		}
		r.push(value.NewString(b.String()))

	case nodes.OpIsArray, nodes.OpIsBoolean, nodes.OpIsFloat, nodes.OpIsInteger,
		nodes.OpIsNumber, nodes.OpIsObject, nodes.OpIsString:
		args, err := r.getArguments(node, 1, 0, true)
		if err != nil {
			return err
		}
		r.push(value.NewBool(typeTest(node.Op, args[0])))

	case nodes.OpCallback:
		return r.visitCallback(node)

	case nodes.OpSuper:
		return r.visitSuper(node)

	case nodes.OpNone:
		if r.config.GracefulErrors {
			r.pushNotFound(node.Name, node)
			return nil
		}
		return r.renderError(ErrFunctionNotFound, fmt.Sprintf("function '%s' not found", node.Name), node, "")

	default:
		return r.renderError(ErrFunctionNotFound, fmt.Sprintf("unknown operation in function '%s'", node.Name), node, "")
	}
	return nil
}

func typeTest(op nodes.Op, v *value.Value) bool {
	switch op {
	case nodes.OpIsArray:
		return v.IsArray()
	case nodes.OpIsBoolean:
		return v.IsBool()
	case nodes.OpIsFloat:
		return v.IsFloat()
	case nodes.OpIsInteger:
		return v.IsInt()
	case nodes.OpIsNumber:
		return v.IsNumber()
	case nodes.OpIsObject:
		return v.IsObject()
	case nodes.OpIsString:
		return v.IsString()
	}
	return false
}

// valueIn reports membership: array elements, object values, or equality
// against a scalar.
func valueIn(needle, haystack *value.Value) bool {
	switch haystack.Kind() {
	case value.KindArray:
		for _, e := range haystack.Elems() {
			if value.Equal(needle, e) {
				return true
			}
		}
		return false
	case value.KindObject:
		for _, k := range haystack.Keys() {
			member, _ := haystack.Get(k)
			if value.Equal(needle, member) {
				return true
			}
		}
		return false
	case value.KindNull:
		return false
	default:
		return value.Equal(needle, haystack)
	}
}

func (r *Renderer) compareOp(node *nodes.Function, accept func(int) bool) error {
	args, err := r.getArguments(node, 2, 0, true)
	if err != nil {
		return err
	}
	r.push(value.NewBool(accept(value.Compare(args[0], args[1]))))
	return nil
}

// numericOp implements the integer-preserving arithmetic operations.
func (r *Renderer) numericOp(node *nodes.Function, opName string, intFn func(a, b int64) int64, floatFn func(a, b float64) float64) error {
	args, err := r.getArguments(node, 2, 0, true)
	if err != nil {
		return err
	}
	if args[0].IsInt() && args[1].IsInt() {
		a, _ := args[0].Int()
		b, _ := args[1].Int()
		r.push(value.NewInt(intFn(a, b)))
		return nil
	}
	mark := len(r.evalStack)
	a, err := r.argFloat(node, opName, args[0])
	if err != nil || r.opFailed(mark) {
		return err
	}
	b, err := r.argFloat(node, opName, args[1])
	if err != nil || r.opFailed(mark) {
		return err
	}
	r.push(value.NewFloat(floatFn(a, b)))
	return nil
}

func (r *Renderer) stringOp(node *nodes.Function, opName string, fn func(string) string) error {
	args, err := r.getArguments(node, 1, 0, true)
	if err != nil {
		return err
	}
	mark := len(r.evalStack)
	s, err := r.argString(node, opName, args[0])
	if err != nil || r.opFailed(mark) {
		return err
	}
	r.push(value.NewString(fn(s)))
	return nil
}

// boundaryOp implements first and last. index -1 selects the last element.
func (r *Renderer) boundaryOp(node *nodes.Function, opName, emptyMessage string, index int) error {
	args, err := r.getArguments(node, 1, 0, true)
	if err != nil {
		return err
	}
	if !args[0].IsArray() {
		return r.opFail(node, ErrTypeMismatch, opName, fmt.Sprintf("operation '%s' failed: value is not an array", opName))
	}
	elems := args[0].Elems()
	if len(elems) == 0 {
		return r.opFail(node, ErrEmptyArray, opName, emptyMessage)
	}
	if index < 0 {
		index = len(elems) - 1
	}
	r.push(elems[index])
	return nil
}

func (r *Renderer) extremeOp(node *nodes.Function, opName string, better func(int) bool) error {
	args, err := r.getArguments(node, 1, 0, true)
	if err != nil {
		return err
	}
	if !args[0].IsArray() {
		return r.opFail(node, ErrTypeMismatch, opName, fmt.Sprintf("operation '%s' failed: value is not an array", opName))
	}
	elems := args[0].Elems()
	if len(elems) == 0 {
		return r.opFail(node, ErrEmptyArray, opName, fmt.Sprintf("cannot get %s of empty array", opName))
	}
	best := elems[0]
	for _, e := range elems[1:] {
		if better(value.Compare(e, best)) {
			best = e
		}
	}
	r.push(best)
	return nil
}

// visitAtID accesses a member by name: obj.at_id(x) where x names the member.
// A Data second argument supplies its name directly, whether or not that name
// also resolves as a variable; any other second argument must push null with
// its symbol on the not-found stack.
func (r *Renderer) visitAtID(node *nodes.Function) error {
	if len(node.Args) < 2 {
		return r.opFail(node, ErrBadOperationInput, "at_id", "function needs 2 arguments")
	}
	container, err := r.getArguments(node, 1, 0, false)
	if err != nil {
		return err
	}
	var nf notFoundInfo
	if data, ok := node.Args[1].(*nodes.Data); ok {
		nf = notFoundInfo{name: data.Name, node: data}
	} else {
		if err := r.visitExpression(node.Args[1]); err != nil {
			return err
		}
		top := r.pop()
		if top != nil {
			return r.opFail(node, ErrBadOperationInput, "at_id", "could not find element with given name")
		}
		nf = r.popNotFound()
	}

	if container[0] != nil && container[0].Has(nf.name) {
		member, _ := container[0].Get(nf.name)
		r.push(member)
		return nil
	}
	if r.config.GracefulErrors {
		r.pushNotFound(nf.name, nf.node)
		return nil
	}
	return r.renderError(ErrMemberMissing, fmt.Sprintf("member '%s' not found in container", nf.name), node, "")
}

func (r *Renderer) visitAt(node *nodes.Function) error {
	args, err := r.getArguments(node, 2, 0, true)
	if err != nil {
		return err
	}
	switch args[0].Kind() {
	case value.KindObject:
		key, kerr := args[1].Str()
		if kerr != nil {
			return r.opFail(node, ErrTypeMismatch, "at", fmt.Sprintf("operation 'at' failed: %v", kerr))
		}
		if member, ok := args[0].Get(key); ok {
			r.push(member)
			return nil
		}
		if r.config.GracefulErrors {
			r.pushNotFound(key, node)
			return nil
		}
		return r.renderError(ErrMemberMissing, fmt.Sprintf("key '%s' not found in object", key), node, "")
	case value.KindArray:
		index, kerr := args[1].Int()
		if kerr != nil {
			return r.opFail(node, ErrTypeMismatch, "at", fmt.Sprintf("operation 'at' failed: %v", kerr))
		}
		if elem, ok := args[0].At(int(index)); ok {
			r.push(elem)
			return nil
		}
		if r.config.GracefulErrors {
			r.pushNotFound(fmt.Sprintf("index[%d]", index), node)
			return nil
		}
		return r.renderError(ErrIndexOutOfRange, fmt.Sprintf("index %d out of bounds", index), node, "")
	default:
		return r.opFail(node, ErrTypeMismatch, "at", "cannot access element on non-container type")
	}
}

func (r *Renderer) visitCallback(node *nodes.Function) error {
	if node.Callback == nil {
		if r.config.GracefulErrors {
			r.pushNotFound(node.Name, node)
			return nil
		}
		return r.renderError(ErrFunctionNotFound,
			fmt.Sprintf("function '%s' not found or has no callback", node.Name), node, "")
	}

	args, err := r.getArgumentVector(node)
	if err != nil {
		return err
	}
	result, cerr := r.invokeCallback(node.Name, args, node.Callback)
	if cerr != nil {
		return r.opFail(node, ErrBadOperationInput, node.Name,
			fmt.Sprintf("operation '%s' failed: %v", node.Name, cerr))
	}
	r.push(result)
	return nil
}

func (r *Renderer) visitSuper(node *nodes.Function) error {
	args, err := r.getArgumentVector(node)
	if err != nil {
		return err
	}
	levelDiff := int64(1)
	if len(args) == 1 {
		var ierr error
		levelDiff, ierr = args[0].Int()
		if ierr != nil {
			return r.opFail(node, ErrTypeMismatch, "super", fmt.Sprintf("operation 'super' failed: %v", ierr))
		}
	}

	oldLevel := r.currentLevel
	level := r.currentLevel + int(levelDiff)

	if len(r.blockStack) == 0 {
		if err := r.renderError(ErrSuperMisuse, "super() call is not within a block", node, ""); err != nil {
			return err
		}
		r.push(value.Null())
		return nil
	}
	if level < 1 || level > len(r.templateStack)-1 {
		message := fmt.Sprintf("level of super() call does not match parent templates (between 1 and %d)", len(r.templateStack)-1)
		if err := r.renderError(ErrSuperMisuse, message, node, ""); err != nil {
			return err
		}
		r.push(value.Null())
		return nil
	}

	currentBlock := r.blockStack[len(r.blockStack)-1]
	newTemplate := r.templateStack[level]
	oldTemplate := r.currentTemplate
	block, ok := newTemplate.Block(currentBlock.Name)
	if !ok {
		if err := r.renderError(ErrSuperMisuse, fmt.Sprintf("could not find block with name '%s'", currentBlock.Name), node, ""); err != nil {
			return err
		}
		r.push(value.Null())
		return nil
	}

	r.currentTemplate = newTemplate
	r.currentLevel = level
	verr := r.visitBlock(block.Body)
	r.currentLevel = oldLevel
	r.currentTemplate = oldTemplate
	if verr != nil {
		return verr
	}
	r.push(value.Null())
	return nil
}

func (r *Renderer) visitIf(node *nodes.IfStatement) error {
	result, err := r.evalExpressionList(node.Condition)
	if err != nil {
		return err
	}
	if result != nil && truthy(result) {
		return r.visitBlock(node.TrueBranch)
	}
	if node.HasFalse {
		return r.visitBlock(node.FalseBranch)
	}
	return nil
}

// loopData returns the loop metadata object stored in the locals.
func (r *Renderer) loopData() *value.Value {
	loop, ok := r.locals.Get("loop")
	if !ok {
		loop = value.Null()
		r.locals.Set("loop", loop)
	}
	return loop
}

// enterLoop moves an active loop object under the new loop's parent.
func (r *Renderer) enterLoop(size int) *value.Value {
	outer := r.loopData()
	if !outer.Empty() {
		inner := value.NewObject()
		inner.Set("parent", outer)
		r.locals.Set("loop", inner)
	}
	loop := r.loopData()
	loop.Set("is_first", value.NewBool(true))
	loop.Set("is_last", value.NewBool(size <= 1))
	return loop
}

func (r *Renderer) stepLoop(loop *value.Value, index, size int) {
	loop.Set("index", value.NewInt(int64(index)))
	loop.Set("index1", value.NewInt(int64(index+1)))
	if index == 1 {
		loop.Set("is_first", value.NewBool(false))
	}
	if index == size-1 {
		loop.Set("is_last", value.NewBool(true))
	}
}

// exitLoop hoists the parent loop object back up, if any.
func (r *Renderer) exitLoop(loop *value.Value) {
	if parent, ok := loop.Get("parent"); ok && !parent.Empty() {
		r.locals.Set("loop", parent)
	}
}

func (r *Renderer) visitForArray(node *nodes.ForArrayStatement) error {
	result, err := r.evalExpressionList(node.Condition)
	if err != nil {
		return err
	}
	if result == nil {
		// Graceful mode with a missing loop value: skip silently.
		return nil
	}
	if !result.IsArray() {
		return r.renderError(ErrTypeMismatch, "object must be an array", node, "")
	}

	elems := result.Elems()
	r.emit(InstrumentationData{Event: EventForLoopStart, Name: node.Value, Detail: "array", Count: len(elems)})

	loop := r.enterLoop(len(elems))
	for index, elem := range elems {
		r.locals.Set(node.Value, elem)
		r.stepLoop(loop, index, len(elems))
		if err := r.visitBlock(node.Body); err != nil {
			return err
		}
	}

	r.locals.Set(node.Value, value.Null())
	r.exitLoop(loop)

	r.emit(InstrumentationData{Event: EventForLoopEnd, Name: node.Value, Detail: "array", Count: len(elems)})
	return nil
}

func (r *Renderer) visitForObject(node *nodes.ForObjectStatement) error {
	result, err := r.evalExpressionList(node.Condition)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if !result.IsObject() {
		return r.renderError(ErrTypeMismatch, "object must be an object", node, "")
	}

	keys := result.Keys()
	r.emit(InstrumentationData{Event: EventForLoopStart, Name: node.Value, Detail: "object", Count: len(keys)})

	loop := r.enterLoop(len(keys))
	for index, key := range keys {
		member, _ := result.Get(key)
		r.locals.Set(node.Key, value.NewString(key))
		r.locals.Set(node.Value, member)
		r.stepLoop(loop, index, len(keys))
		if err := r.visitBlock(node.Body); err != nil {
			return err
		}
	}

	r.locals.Set(node.Key, value.Null())
	r.locals.Set(node.Value, value.Null())
	r.exitLoop(loop)

	r.emit(InstrumentationData{Event: EventForLoopEnd, Name: node.Value, Detail: "object", Count: len(keys)})
	return nil
}

func (r *Renderer) visitInclude(node *nodes.IncludeStatement) error {
	r.emit(InstrumentationData{Event: EventIncludeStart, Name: node.Name})

	if tmpl, ok := r.templates[node.Name]; ok {
		// The current locals propagate loop and set variables into the
		// included template.
		sub := NewRenderer(r.config, r.templates, r.functions)
		err := sub.RenderTo(r.out, tmpl, r.data, r.locals)
		r.renderErrors = append(r.renderErrors, sub.renderErrors...)
		if err != nil {
			return err
		}
		r.emit(InstrumentationData{Event: EventIncludeEnd, Name: node.Name, Detail: "success"})
		return nil
	}
	if r.config.ThrowAtMissingIncludes {
		r.emit(InstrumentationData{Event: EventIncludeEnd, Name: node.Name, Detail: "not_found"})
		return r.renderError(ErrMissingInclude, fmt.Sprintf("include '%s' not found", node.Name), node, "")
	}
	r.emit(InstrumentationData{Event: EventIncludeEnd, Name: node.Name, Detail: "not_found_ignored"})
	return nil
}

func (r *Renderer) visitExtends(node *nodes.ExtendsStatement) error {
	tmpl, ok := r.templates[node.Name]
	if !ok {
		if r.config.ThrowAtMissingIncludes {
			return r.renderError(ErrMissingExtends, fmt.Sprintf("extends '%s' not found", node.Name), node, "")
		}
		return nil
	}

	// Render the parent in place with the same renderer so the template
	// stack grows for block and super resolution, then suppress the
	// remainder of the current template.
	r.currentTemplate = tmpl
	r.templateStack = append(r.templateStack, tmpl)
	if err := r.visitBlock(tmpl.Root); err != nil {
		return err
	}
	r.breakRendering = true
	return nil
}

// visitBlockStatement resolves the block against the most-derived template
// in the inheritance stack.
func (r *Renderer) visitBlockStatement(node *nodes.BlockStatement) error {
	oldLevel := r.currentLevel
	r.currentLevel = 0
	r.currentTemplate = r.templateStack[0]

	if block, ok := r.currentTemplate.Block(node.Name); ok {
		r.blockStack = append(r.blockStack, node)
		err := r.visitBlock(block.Body)
		r.blockStack = r.blockStack[:len(r.blockStack)-1]
		if err != nil {
			return err
		}
	}

	r.currentLevel = oldLevel
	r.currentTemplate = r.templateStack[len(r.templateStack)-1]
	return nil
}

func (r *Renderer) visitSet(node *nodes.SetStatement) error {
	r.emit(InstrumentationData{Event: EventSetStatementStart, Name: node.Key})

	ptr := value.PointerFromName(node.Key)

	used, ierr := r.tryInplaceSelfAssignment(node, ptr)
	if ierr != nil {
		if r.config.GracefulErrors {
			r.locals.SetPath(ptr, value.Null())
			r.emit(InstrumentationData{Event: EventSetStatementEnd, Name: node.Key, Detail: "exception_graceful"})
			return nil
		}
		return ierr
	}
	if used {
		r.emit(InstrumentationData{Event: EventSetStatementEnd, Name: node.Key, Detail: "inplace"})
		return nil
	}

	result, err := r.evalExpressionList(node.Expression)
	if err != nil {
		if r.config.GracefulErrors {
			r.locals.SetPath(ptr, value.Null())
			r.emit(InstrumentationData{Event: EventSetStatementEnd, Name: node.Key, Detail: "exception_graceful"})
			return nil
		}
		return err
	}
	if result != nil {
		r.locals.SetPath(ptr, result)
		r.emit(InstrumentationData{Event: EventSetStatementEnd, Name: node.Key, Detail: "copy"})
		return nil
	}
	if r.config.GracefulErrors {
		r.locals.SetPath(ptr, value.Null())
		r.emit(InstrumentationData{Event: EventSetStatementEnd, Name: node.Key, Detail: "null_graceful"})
		return nil
	}
	return r.renderError(ErrMalformedExpression,
		fmt.Sprintf("failed to evaluate expression for variable '%s'", node.Key), node, "")
}

// tryInplaceSelfAssignment detects {% set x = f(x, ...) %} where f has an
// in-place variant and x already exists in the locals, and mutates x
// directly instead of evaluating into a copy.
func (r *Renderer) tryInplaceSelfAssignment(node *nodes.SetStatement, ptr value.Pointer) (bool, error) {
	if node.Expression == nil || node.Expression.Root == nil {
		return false, nil
	}
	fn, ok := node.Expression.Root.(*nodes.Function)
	if !ok || fn.Op != nodes.OpCallback {
		return false, nil
	}
	if len(fn.Args) == 0 {
		return false, nil
	}
	dataNode, ok := fn.Args[0].(*nodes.Data)
	if !ok || dataNode.Name != node.Key {
		return false, nil
	}

	entry, found := r.functions.Find(fn.Name, len(fn.Args))
	if !found || entry.Op != nodes.OpCallback || entry.InPlace == nil {
		// The self-assignment pattern matched but the function has no
		// in-place variant: worth surfacing.
		r.emit(InstrumentationData{Event: EventInplaceOptSkipped, Name: node.Key, Detail: "no_inplace_cb:" + fn.Name})
		return false, nil
	}

	target, ok := r.locals.Find(ptr)
	if !ok {
		r.emit(InstrumentationData{Event: EventInplaceOptSkipped, Name: node.Key, Detail: "var_not_exists:" + fn.Name})
		return false, nil
	}

	// Evaluate the remaining arguments, skipping the self argument.
	remaining := make(nodes.Arguments, 0, len(fn.Args)-1)
	for _, arg := range fn.Args[1:] {
		if err := r.visitExpression(arg); err != nil {
			return false, err
		}
		v := r.pop()
		if v == nil {
			nf := r.popNotFound()
			if err := r.renderError(ErrVariableNotFound, fmt.Sprintf("variable '%s' not found", nf.name), nf.node, ""); err != nil {
				return false, err
			}
			v = value.Null()
		}
		remaining = append(remaining, v)
	}

	if r.config.CallbackWrapper != nil {
		all := make(nodes.Arguments, 0, len(remaining)+1)
		all = append(all, target)
		all = append(all, remaining...)
		// The thunk returns a small size summary instead of the mutated
		// value: handing the target back through the wrapper would cost an
		// O(n) copy purely for instrumentation.
		_, err := r.config.CallbackWrapper(fn.Name, all, func() (*value.Value, error) {
			if err := entry.InPlace(target, remaining); err != nil {
				return nil, err
			}
			size := 0
			if target.IsArray() {
				size = target.Len()
			}
			summary := value.NewObject()
			summary.Set("_inplace", value.NewBool(true))
			summary.Set("size", value.NewInt(int64(size)))
			return summary, nil
		})
		if err != nil {
			return false, err
		}
	} else if err := entry.InPlace(target, remaining); err != nil {
		return false, err
	}

	size := 0
	if target.IsArray() {
		size = target.Len()
	}
	r.emit(InstrumentationData{Event: EventInplaceOptUsed, Name: node.Key, Detail: fn.Name, Count: size})
	return true, nil
}
