package parser

import "github.com/MinLL/inja/nodes"

// Template is a parsed template: its source, the root block, and the block
// statements reachable for inheritance lookup. A template is immutable once
// published to a store.
type Template struct {
	Name    string
	Content string
	Root    *nodes.Block
	Blocks  map[string]*nodes.BlockStatement
}

// Block returns the named block statement, if the template defines one.
func (t *Template) Block(name string) (*nodes.BlockStatement, bool) {
	b, ok := t.Blocks[name]
	return b, ok
}
