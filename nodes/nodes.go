// Package nodes defines the AST consumed by the renderer: a tagged-variant
// tree produced by the parser, with byte offsets into the owning template
// source for error reporting and graceful replay.
package nodes

import (
	"strings"

	"github.com/MinLL/inja/value"
)

// Node is the base interface for all AST nodes. Position returns the byte
// offset of the node in the template source.
type Node interface {
	Position() int
}

// Expression marks nodes that can appear inside an expression list.
type Expression interface {
	Node
	expression()
}

// Base carries the source offset shared by all nodes.
type Base struct {
	Pos int
}

// Position returns the byte offset of the node.
func (b *Base) Position() int { return b.Pos }

// Block is an ordered sequence of child nodes.
type Block struct {
	Base
	Nodes []Node
}

// Text is a verbatim span of template source.
type Text struct {
	Base
	Length int
}

// Raw is a span emitted without any parsing, produced by raw statements.
// Pos and Length cover the content between the raw markers.
type Raw struct {
	Base
	Length int
}

// Literal is a constant value embedded in an expression.
type Literal struct {
	Base
	Value *value.Value
}

func (*Literal) expression() {}

// Data is a reference into the data context by dotted name. Ptr is the
// equivalent pointer path.
type Data struct {
	Base
	Name string
	Ptr  value.Pointer
}

func (*Data) expression() {}

// NewData builds a Data node from a dotted name.
func NewData(pos int, name string) *Data {
	return &Data{Base: Base{Pos: pos}, Name: name, Ptr: value.PointerFromName(name)}
}

// Function is a builtin operation or user callback applied to an ordered
// argument list. Callback is bound at parse time for user callbacks and nil
// otherwise.
type Function struct {
	Base
	Name     string
	Op       Op
	Args     []Expression
	Callback CallbackFunc
}

func (*Function) expression() {}

// ExpressionList is one self-contained expression with its original source
// span. Length is zero for statement conditions, which never replay their
// source.
type ExpressionList struct {
	Base
	Length int
	Root   Expression
}

// ForArrayStatement iterates an array, binding each element to Value.
type ForArrayStatement struct {
	Base
	Value     string
	Condition *ExpressionList
	Body      *Block
}

// ForObjectStatement iterates an object, binding Key and Value per member.
type ForObjectStatement struct {
	Base
	Key       string
	Value     string
	Condition *ExpressionList
	Body      *Block
}

// IfStatement renders TrueBranch when the condition is truthy, otherwise
// FalseBranch when present. A chained "else if" parses as a nested
// IfStatement inside FalseBranch.
type IfStatement struct {
	Base
	Condition   *ExpressionList
	TrueBranch  *Block
	FalseBranch *Block
	HasFalse    bool
}

// IncludeStatement renders the named template inline.
type IncludeStatement struct {
	Base
	Name string
}

// ExtendsStatement renders the named parent template in place of the rest of
// the current template.
type ExtendsStatement struct {
	Base
	Name string
}

// BlockStatement is a named region participating in template inheritance.
type BlockStatement struct {
	Base
	Name string
	Body *Block
}

// SetStatement assigns the result of an expression to a dotted key in the
// per-render locals.
type SetStatement struct {
	Base
	Key        string
	Expression *ExpressionList
}

// SourceLocation is a 1-based line and column position.
type SourceLocation struct {
	Line   int
	Column int
	File   string
}

// LocateSource computes the line and column of a byte offset in content.
func LocateSource(content string, pos int) SourceLocation {
	if pos > len(content) {
		pos = len(content)
	}
	head := content[:pos]
	line := strings.Count(head, "\n") + 1
	col := pos - strings.LastIndexByte(head, '\n')
	return SourceLocation{Line: line, Column: col}
}
