package lexer

import "fmt"

// Kind classifies a token.
type Kind int

const (
	// EOF marks the end of the template source.
	EOF Kind = iota
	// Text is a verbatim run of template text outside any delimiter.
	Text
	// ExpressionOpen and ExpressionClose delimit {{ ... }} runs.
	ExpressionOpen
	ExpressionClose
	// StatementOpen and StatementClose delimit {% ... %} runs and line
	// statements.
	StatementOpen
	StatementClose
	// ID is an identifier, possibly dotted. Keywords like "and" or "for"
	// arrive as IDs; the parser tells them apart by position.
	ID
	// Number is an integer or float literal.
	Number
	// String is a double-quoted string literal, quotes included.
	String
	// Literal is a balanced [...] or {...} JSON literal span.
	Literal
	Comma
	Colon
	Dot
	LeftParen
	RightParen
	Pipe
	Assign
	Plus
	Minus
	Times
	Slash
	Percent
	Power
	Equal
	NotEqual
	GreaterThan
	GreaterEqual
	LessThan
	LessEqual
	Unknown
)

var kindNames = map[Kind]string{
	EOF:             "end of input",
	Text:            "text",
	ExpressionOpen:  "expression open",
	ExpressionClose: "expression close",
	StatementOpen:   "statement open",
	StatementClose:  "statement close",
	ID:              "identifier",
	Number:          "number",
	String:          "string",
	Literal:         "literal",
	Comma:           "','",
	Colon:           "':'",
	Dot:             "'.'",
	LeftParen:       "'('",
	RightParen:      "')'",
	Pipe:            "'|'",
	Assign:          "'='",
	Plus:            "'+'",
	Minus:           "'-'",
	Times:           "'*'",
	Slash:           "'/'",
	Percent:         "'%'",
	Power:           "'^'",
	Equal:           "'=='",
	NotEqual:        "'!='",
	GreaterThan:     "'>'",
	GreaterEqual:    "'>='",
	LessThan:        "'<'",
	LessEqual:       "'<='",
	Unknown:         "unknown token",
}

// String returns a readable name for the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Token is one lexeme with its byte offset and source text.
type Token struct {
	Kind Kind
	Pos  int
	Text string
}

// End returns the byte offset just past the token.
func (t Token) End() int { return t.Pos + len(t.Text) }
