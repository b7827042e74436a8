// Package parser turns template source into the AST of package nodes. It
// binds function names to operation tags at parse time and discovers
// included templates into a caller-owned publish buffer.
package parser

import (
	"fmt"
	"strings"

	"github.com/MinLL/inja/lexer"
	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/value"
)

// FunctionResolver maps a (name, arity) pair to an operation tag and, for
// user callbacks, the callback itself. Arity -1 entries are variadic.
type FunctionResolver interface {
	Resolve(name string, numArgs int) (nodes.Op, nodes.CallbackFunc, bool)
}

// TemplateLookup provides read access to already published templates.
type TemplateLookup interface {
	Lookup(name string) (*Template, bool)
}

// Config controls parse behaviour.
type Config struct {
	// SearchIncludedTemplatesInFiles makes the parser load unknown include
	// and extends targets through LoadSource.
	SearchIncludedTemplatesInFiles bool
	// GracefulErrors lets unknown function names parse as unresolved
	// instead of failing.
	GracefulErrors bool
	// LoadSource loads template source by name, typically backed by the
	// environment's loader.
	LoadSource func(name string) (string, error)
	// IncludeCallback is consulted for include targets that cannot be
	// found anywhere else.
	IncludeCallback func(name string) (*Template, error)
}

// Error is a parse failure with its source position.
type Error struct {
	Message  string
	Template string
	Location nodes.SourceLocation
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Location.Line > 0 {
		return fmt.Sprintf("parse error at line %d, column %d: %s", e.Location.Line, e.Location.Column, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Parser parses templates against a function resolver and a template store
// snapshot. Included templates discovered during parsing land in buffer; the
// caller publishes the buffer on success and discards it on failure.
type Parser struct {
	cfg      Config
	lexCfg   lexer.Config
	resolver FunctionResolver
	store    TemplateLookup
	buffer   map[string]*Template
}

// New returns a parser. buffer may be nil when include discovery is not
// needed.
func New(cfg Config, lexCfg lexer.Config, resolver FunctionResolver, store TemplateLookup, buffer map[string]*Template) *Parser {
	return &Parser{cfg: cfg, lexCfg: lexCfg, resolver: resolver, store: store, buffer: buffer}
}

// Parse parses source into a template with the given name.
func (p *Parser) Parse(source, name string) (*Template, error) {
	tmpl := &Template{Name: name, Content: source, Blocks: make(map[string]*nodes.BlockStatement)}
	if err := p.parseInto(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (p *Parser) parseInto(tmpl *Template) error {
	tp := &templateParser{p: p, lex: lexer.New(p.lexCfg, tmpl.Content), tmpl: tmpl}
	block, term, err := tp.parseBlock(nil)
	if err != nil {
		return err
	}
	if term != "" {
		return tp.errorAt(tp.tok.Pos, "unexpected '%s' statement", term)
	}
	tmpl.Root = block
	return nil
}

// resolveTemplate makes sure the named template is reachable at render time,
// parsing it from a file or the include callback if necessary. Names that
// cannot be resolved are left to the render-time missing-include policy.
func (p *Parser) resolveTemplate(name string) error {
	if p.buffer != nil {
		if _, ok := p.buffer[name]; ok {
			return nil
		}
	}
	if p.store != nil {
		if _, ok := p.store.Lookup(name); ok {
			return nil
		}
	}
	if p.cfg.SearchIncludedTemplatesInFiles && p.cfg.LoadSource != nil && p.buffer != nil {
		source, err := p.cfg.LoadSource(name)
		if err == nil {
			sub := &Template{Name: name, Content: source, Blocks: make(map[string]*nodes.BlockStatement)}
			// Pre-register so self-references resolve during the sub-parse.
			p.buffer[name] = sub
			if err := p.parseInto(sub); err != nil {
				delete(p.buffer, name)
				return err
			}
			return nil
		}
	}
	if p.cfg.IncludeCallback != nil && p.buffer != nil {
		tmpl, err := p.cfg.IncludeCallback(name)
		if err == nil && tmpl != nil {
			p.buffer[name] = tmpl
		}
	}
	return nil
}

// templateParser holds the per-template token state.
type templateParser struct {
	p      *Parser
	lex    *lexer.Lexer
	tmpl   *Template
	tok    lexer.Token
	peeked *lexer.Token
}

func (tp *templateParser) next() lexer.Token {
	if tp.peeked != nil {
		tp.tok = *tp.peeked
		tp.peeked = nil
		return tp.tok
	}
	tp.tok = tp.lex.Next()
	return tp.tok
}

func (tp *templateParser) peek() lexer.Token {
	if tp.peeked == nil {
		t := tp.lex.Next()
		tp.peeked = &t
	}
	return *tp.peeked
}

func (tp *templateParser) errorAt(pos int, format string, args ...interface{}) error {
	return &Error{
		Message:  fmt.Sprintf(format, args...),
		Template: tp.tmpl.Name,
		Location: nodes.LocateSource(tp.tmpl.Content, pos),
	}
}

func (tp *templateParser) expect(kind lexer.Kind) (lexer.Token, error) {
	tok := tp.next()
	if tok.Kind != kind {
		return tok, tp.errorAt(tok.Pos, "expected %s, found %s", kind, describeToken(tok))
	}
	return tok, nil
}

func describeToken(tok lexer.Token) string {
	if tok.Kind == lexer.EOF {
		return "end of input"
	}
	if tok.Text == "" {
		return tok.Kind.String()
	}
	return fmt.Sprintf("'%s'", tok.Text)
}

// blockTerminators are the statement keywords that end a nested block. They
// are only valid when the surrounding construct expects them.
var blockTerminators = map[string]bool{
	"endfor":   true,
	"endif":    true,
	"else":     true,
	"endblock": true,
	"endraw":   true,
}

// parseBlock parses nodes until end of input or until a statement whose
// keyword is in terminators. It returns the consumed terminator keyword, or
// "" at end of input.
func (tp *templateParser) parseBlock(terminators map[string]bool) (*nodes.Block, string, error) {
	block := &nodes.Block{}
	first := true
	for {
		tok := tp.next()
		if first {
			block.Pos = tok.Pos
			first = false
		}
		switch tok.Kind {
		case lexer.EOF:
			return block, "", nil
		case lexer.Text:
			block.Nodes = append(block.Nodes, &nodes.Text{Base: nodes.Base{Pos: tok.Pos}, Length: len(tok.Text)})
		case lexer.ExpressionOpen:
			list, err := tp.parseExpressionBlock(tok)
			if err != nil {
				return nil, "", err
			}
			block.Nodes = append(block.Nodes, list)
		case lexer.StatementOpen:
			node, term, err := tp.parseStatement(terminators)
			if err != nil {
				return nil, "", err
			}
			if term != "" {
				return block, term, nil
			}
			if node != nil {
				block.Nodes = append(block.Nodes, node)
			}
		default:
			return nil, "", tp.errorAt(tok.Pos, "unexpected %s", describeToken(tok))
		}
	}
}

// parseExpressionBlock parses {{ expr }} and records the full source span
// including delimiters for graceful replay.
func (tp *templateParser) parseExpressionBlock(open lexer.Token) (*nodes.ExpressionList, error) {
	// An empty expression block is kept for the renderer to report, so the
	// error carries a render-time source span.
	if tp.peek().Kind == lexer.ExpressionClose {
		closeTok := tp.next()
		return &nodes.ExpressionList{
			Base:   nodes.Base{Pos: open.Pos},
			Length: closeTok.End() - open.Pos,
		}, nil
	}
	root, err := tp.parseExpression(0)
	if err != nil {
		return nil, err
	}
	closeTok, err := tp.expect(lexer.ExpressionClose)
	if err != nil {
		return nil, err
	}
	return &nodes.ExpressionList{
		Base:   nodes.Base{Pos: open.Pos},
		Length: closeTok.End() - open.Pos,
		Root:   root,
	}, nil
}

// parseCondition parses an expression terminated by a statement close. The
// resulting list carries no replay span.
func (tp *templateParser) parseCondition() (*nodes.ExpressionList, error) {
	start := tp.peek().Pos
	root, err := tp.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	return &nodes.ExpressionList{Base: nodes.Base{Pos: start}, Root: root}, nil
}

func (tp *templateParser) parseStatement(terminators map[string]bool) (nodes.Node, string, error) {
	tok, err := tp.expect(lexer.ID)
	if err != nil {
		return nil, "", err
	}
	keyword := tok.Text

	if blockTerminators[keyword] {
		if terminators == nil || !terminators[keyword] {
			return nil, "", tp.errorAt(tok.Pos, "unexpected '%s' statement", keyword)
		}
		// "else" keeps its trailing tokens for the if parser; the others
		// close immediately.
		if keyword != "else" {
			if _, err := tp.expect(lexer.StatementClose); err != nil {
				return nil, "", err
			}
		}
		return nil, keyword, nil
	}

	switch keyword {
	case "if":
		node, err := tp.parseIf(tok.Pos)
		return node, "", err
	case "for":
		node, err := tp.parseFor(tok.Pos)
		return node, "", err
	case "set":
		node, err := tp.parseSet(tok.Pos)
		return node, "", err
	case "include":
		node, err := tp.parseInclude(tok.Pos)
		return node, "", err
	case "extends":
		node, err := tp.parseExtends(tok.Pos)
		return node, "", err
	case "block":
		node, err := tp.parseBlockStatement(tok.Pos)
		return node, "", err
	case "raw":
		node, err := tp.parseRaw(tok.Pos)
		return node, "", err
	default:
		return nil, "", tp.errorAt(tok.Pos, "unknown statement '%s'", keyword)
	}
}

func (tp *templateParser) parseIf(pos int) (*nodes.IfStatement, error) {
	cond, err := tp.parseCondition()
	if err != nil {
		return nil, err
	}
	node := &nodes.IfStatement{Base: nodes.Base{Pos: pos}, Condition: cond}

	trueBranch, term, err := tp.parseBlock(map[string]bool{"else": true, "endif": true})
	if err != nil {
		return nil, err
	}
	node.TrueBranch = trueBranch
	if term == "endif" {
		return node, nil
	}
	if term == "" {
		return nil, tp.errorAt(tp.tok.Pos, "missing 'endif' statement")
	}

	// term == "else": either a chained "else if" or a plain else branch.
	if tp.peek().Kind == lexer.ID && tp.peek().Text == "if" {
		ifTok := tp.next()
		nested, err := tp.parseIf(ifTok.Pos)
		if err != nil {
			return nil, err
		}
		node.HasFalse = true
		node.FalseBranch = &nodes.Block{Base: nodes.Base{Pos: ifTok.Pos}, Nodes: []nodes.Node{nested}}
		return node, nil
	}

	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	falseBranch, term, err := tp.parseBlock(map[string]bool{"endif": true})
	if err != nil {
		return nil, err
	}
	if term != "endif" {
		return nil, tp.errorAt(tp.tok.Pos, "missing 'endif' statement")
	}
	node.HasFalse = true
	node.FalseBranch = falseBranch
	return node, nil
}

func (tp *templateParser) parseFor(pos int) (nodes.Node, error) {
	first, err := tp.expect(lexer.ID)
	if err != nil {
		return nil, err
	}

	var keyName string
	valueName := first.Text
	if tp.peek().Kind == lexer.Comma {
		tp.next()
		second, err := tp.expect(lexer.ID)
		if err != nil {
			return nil, err
		}
		keyName = first.Text
		valueName = second.Text
	}

	inTok := tp.next()
	if inTok.Kind != lexer.ID || inTok.Text != "in" {
		return nil, tp.errorAt(inTok.Pos, "expected 'in', found %s", describeToken(inTok))
	}

	cond, err := tp.parseCondition()
	if err != nil {
		return nil, err
	}
	body, term, err := tp.parseBlock(map[string]bool{"endfor": true})
	if err != nil {
		return nil, err
	}
	if term != "endfor" {
		return nil, tp.errorAt(tp.tok.Pos, "missing 'endfor' statement")
	}

	if keyName != "" {
		return &nodes.ForObjectStatement{
			Base: nodes.Base{Pos: pos}, Key: keyName, Value: valueName,
			Condition: cond, Body: body,
		}, nil
	}
	return &nodes.ForArrayStatement{
		Base: nodes.Base{Pos: pos}, Value: valueName,
		Condition: cond, Body: body,
	}, nil
}

func (tp *templateParser) parseSet(pos int) (*nodes.SetStatement, error) {
	key, err := tp.expect(lexer.ID)
	if err != nil {
		return nil, err
	}
	if _, err := tp.expect(lexer.Assign); err != nil {
		return nil, err
	}
	expr, err := tp.parseCondition()
	if err != nil {
		return nil, err
	}
	return &nodes.SetStatement{Base: nodes.Base{Pos: pos}, Key: key.Text, Expression: expr}, nil
}

func (tp *templateParser) parseTemplateName() (string, error) {
	tok, err := tp.expect(lexer.String)
	if err != nil {
		return "", err
	}
	v, perr := value.ParseString(tok.Text)
	if perr != nil {
		return "", tp.errorAt(tok.Pos, "malformed template name %s", tok.Text)
	}
	name, _ := v.Str()
	return name, nil
}

func (tp *templateParser) parseInclude(pos int) (*nodes.IncludeStatement, error) {
	name, err := tp.parseTemplateName()
	if err != nil {
		return nil, err
	}
	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	if err := tp.p.resolveTemplate(name); err != nil {
		return nil, err
	}
	return &nodes.IncludeStatement{Base: nodes.Base{Pos: pos}, Name: name}, nil
}

func (tp *templateParser) parseExtends(pos int) (*nodes.ExtendsStatement, error) {
	name, err := tp.parseTemplateName()
	if err != nil {
		return nil, err
	}
	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	if err := tp.p.resolveTemplate(name); err != nil {
		return nil, err
	}
	return &nodes.ExtendsStatement{Base: nodes.Base{Pos: pos}, Name: name}, nil
}

func (tp *templateParser) parseBlockStatement(pos int) (*nodes.BlockStatement, error) {
	nameTok, err := tp.expect(lexer.ID)
	if err != nil {
		return nil, err
	}
	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	body, term, err := tp.parseBlock(map[string]bool{"endblock": true})
	if err != nil {
		return nil, err
	}
	if term != "endblock" {
		return nil, tp.errorAt(tp.tok.Pos, "missing 'endblock' statement")
	}
	stmt := &nodes.BlockStatement{Base: nodes.Base{Pos: pos}, Name: nameTok.Text, Body: body}
	tp.tmpl.Blocks[stmt.Name] = stmt
	return stmt, nil
}

func (tp *templateParser) parseRaw(pos int) (*nodes.Raw, error) {
	if _, err := tp.expect(lexer.StatementClose); err != nil {
		return nil, err
	}
	contentPos, length, ok := tp.lex.ScanRaw()
	if !ok {
		return nil, tp.errorAt(pos, "missing 'endraw' statement")
	}
	return &nodes.Raw{Base: nodes.Base{Pos: contentPos}, Length: length}, nil
}

// Operator precedence, loosest first. The filter pipe binds tighter than any
// binary operator; "not" sits between "and" and the comparisons.
const (
	precOr         = 1
	precAnd        = 2
	precNot        = 3
	precComparison = 4
	precAdditive   = 5
	precFactor     = 6
	precPower      = 7
)

type binaryOp struct {
	op   nodes.Op
	name string
	prec int
}

func binaryOpFor(tok lexer.Token) (binaryOp, bool) {
	switch tok.Kind {
	case lexer.ID:
		switch tok.Text {
		case "or":
			return binaryOp{nodes.OpOr, "or", precOr}, true
		case "and":
			return binaryOp{nodes.OpAnd, "and", precAnd}, true
		case "in":
			return binaryOp{nodes.OpIn, "in", precComparison}, true
		}
	case lexer.Equal:
		return binaryOp{nodes.OpEqual, "==", precComparison}, true
	case lexer.NotEqual:
		return binaryOp{nodes.OpNotEqual, "!=", precComparison}, true
	case lexer.GreaterThan:
		return binaryOp{nodes.OpGreater, ">", precComparison}, true
	case lexer.GreaterEqual:
		return binaryOp{nodes.OpGreaterEqual, ">=", precComparison}, true
	case lexer.LessThan:
		return binaryOp{nodes.OpLess, "<", precComparison}, true
	case lexer.LessEqual:
		return binaryOp{nodes.OpLessEqual, "<=", precComparison}, true
	case lexer.Plus:
		return binaryOp{nodes.OpAdd, "+", precAdditive}, true
	case lexer.Minus:
		return binaryOp{nodes.OpSubtract, "-", precAdditive}, true
	case lexer.Times:
		return binaryOp{nodes.OpMultiplication, "*", precFactor}, true
	case lexer.Slash:
		return binaryOp{nodes.OpDivision, "/", precFactor}, true
	case lexer.Percent:
		return binaryOp{nodes.OpModulo, "%", precFactor}, true
	case lexer.Power:
		return binaryOp{nodes.OpPower, "^", precPower}, true
	}
	return binaryOp{}, false
}

func (tp *templateParser) parseExpression(minPrec int) (nodes.Expression, error) {
	left, err := tp.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := binaryOpFor(tp.peek())
		if !ok || op.prec < minPrec {
			return left, nil
		}
		opTok := tp.next()
		right, err := tp.parseExpression(op.prec + 1)
		if err != nil {
			return nil, err
		}
		left = &nodes.Function{
			Base: nodes.Base{Pos: opTok.Pos},
			Name: op.name,
			Op:   op.op,
			Args: []nodes.Expression{left, right},
		}
	}
}

func (tp *templateParser) parseUnary() (nodes.Expression, error) {
	tok := tp.peek()
	switch {
	case tok.Kind == lexer.ID && tok.Text == "not":
		tp.next()
		operand, err := tp.parseExpression(precNot + 1)
		if err != nil {
			return nil, err
		}
		return &nodes.Function{
			Base: nodes.Base{Pos: tok.Pos}, Name: "not", Op: nodes.OpNot,
			Args: []nodes.Expression{operand},
		}, nil
	case tok.Kind == lexer.Minus:
		tp.next()
		operand, err := tp.parseUnary()
		if err != nil {
			return nil, err
		}
		zero := &nodes.Literal{Base: nodes.Base{Pos: tok.Pos}, Value: value.NewInt(0)}
		return &nodes.Function{
			Base: nodes.Base{Pos: tok.Pos}, Name: "-", Op: nodes.OpSubtract,
			Args: []nodes.Expression{zero, operand},
		}, nil
	}

	expr, err := tp.parsePrimary()
	if err != nil {
		return nil, err
	}
	expr, err = tp.parseMemberAccess(expr)
	if err != nil {
		return nil, err
	}
	return tp.parsePipes(expr)
}

// parseMemberAccess applies postfix dot access on non-variable expressions:
// first(users).name becomes an at_id access per name segment. Plain dotted
// variables never reach here; the lexer folds them into one identifier.
func (tp *templateParser) parseMemberAccess(operand nodes.Expression) (nodes.Expression, error) {
	for tp.peek().Kind == lexer.Dot {
		dot := tp.next()
		nameTok, err := tp.expect(lexer.ID)
		if err != nil {
			return nil, err
		}
		for _, segment := range strings.Split(nameTok.Text, ".") {
			operand = &nodes.Function{
				Base: nodes.Base{Pos: dot.Pos},
				Name: "at_id",
				Op:   nodes.OpAtID,
				Args: []nodes.Expression{operand, nodes.NewData(nameTok.Pos, segment)},
			}
		}
	}
	return operand, nil
}

// parsePipes applies filter pipes: x | f(a) desugars to f(x, a).
func (tp *templateParser) parsePipes(operand nodes.Expression) (nodes.Expression, error) {
	for tp.peek().Kind == lexer.Pipe {
		tp.next()
		nameTok, err := tp.expect(lexer.ID)
		if err != nil {
			return nil, err
		}
		args := []nodes.Expression{operand}
		if tp.peek().Kind == lexer.LeftParen {
			tp.next()
			more, err := tp.parseArguments()
			if err != nil {
				return nil, err
			}
			args = append(args, more...)
		}
		operand, err = tp.makeFunction(nameTok, args)
		if err != nil {
			return nil, err
		}
	}
	return operand, nil
}

func (tp *templateParser) parsePrimary() (nodes.Expression, error) {
	tok := tp.next()
	switch tok.Kind {
	case lexer.Number, lexer.String, lexer.Literal:
		v, err := value.ParseString(tok.Text)
		if err != nil {
			return nil, tp.errorAt(tok.Pos, "malformed literal %s", tok.Text)
		}
		return &nodes.Literal{Base: nodes.Base{Pos: tok.Pos}, Value: v}, nil
	case lexer.LeftParen:
		expr, err := tp.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := tp.expect(lexer.RightParen); err != nil {
			return nil, err
		}
		return expr, nil
	case lexer.ID:
		switch tok.Text {
		case "true":
			return &nodes.Literal{Base: nodes.Base{Pos: tok.Pos}, Value: value.NewBool(true)}, nil
		case "false":
			return &nodes.Literal{Base: nodes.Base{Pos: tok.Pos}, Value: value.NewBool(false)}, nil
		case "null":
			return &nodes.Literal{Base: nodes.Base{Pos: tok.Pos}, Value: value.Null()}, nil
		}
		if tp.peek().Kind == lexer.LeftParen {
			tp.next()
			args, err := tp.parseArguments()
			if err != nil {
				return nil, err
			}
			return tp.makeFunction(tok, args)
		}
		return nodes.NewData(tok.Pos, tok.Text), nil
	default:
		return nil, tp.errorAt(tok.Pos, "unexpected %s in expression", describeToken(tok))
	}
}

// parseArguments parses a comma-separated argument list; the opening paren
// has already been consumed.
func (tp *templateParser) parseArguments() ([]nodes.Expression, error) {
	var args []nodes.Expression
	if tp.peek().Kind == lexer.RightParen {
		tp.next()
		return args, nil
	}
	for {
		arg, err := tp.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		sep := tp.next()
		switch sep.Kind {
		case lexer.Comma:
			continue
		case lexer.RightParen:
			return args, nil
		default:
			return nil, tp.errorAt(sep.Pos, "expected ',' or ')', found %s", describeToken(sep))
		}
	}
}

func (tp *templateParser) makeFunction(nameTok lexer.Token, args []nodes.Expression) (nodes.Expression, error) {
	name := nameTok.Text
	node := &nodes.Function{Base: nodes.Base{Pos: nameTok.Pos}, Name: name, Args: args}
	if tp.p.resolver != nil {
		if op, cb, ok := tp.p.resolver.Resolve(name, len(args)); ok {
			node.Op = op
			node.Callback = cb
			return node, nil
		}
	}
	if !tp.p.cfg.GracefulErrors {
		return nil, tp.errorAt(nameTok.Pos, "unknown function '%s'", name)
	}
	node.Op = nodes.OpNone
	return node, nil
}
