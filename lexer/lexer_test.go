package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, src string) []Token {
	t.Helper()
	l := New(DefaultConfig(), src)
	var tokens []Token
	for {
		tok := l.Next()
		if tok.Kind == EOF {
			return tokens
		}
		tokens = append(tokens, tok)
		require.Less(t, len(tokens), 1000, "lexer did not terminate")
	}
}

func kinds(tokens []Token) []Kind {
	out := make([]Kind, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Kind
	}
	return out
}

func TestTextAndExpression(t *testing.T) {
	tokens := collect(t, "Hello {{ name }}!")
	assert.Equal(t, []Kind{Text, ExpressionOpen, ID, ExpressionClose, Text}, kinds(tokens))
	assert.Equal(t, "Hello ", tokens[0].Text)
	assert.Equal(t, "name", tokens[2].Text)
	assert.Equal(t, "!", tokens[4].Text)
}

func TestDottedIdentifier(t *testing.T) {
	tokens := collect(t, "{{ user.profile.age }}")
	require.Equal(t, []Kind{ExpressionOpen, ID, ExpressionClose}, kinds(tokens))
	assert.Equal(t, "user.profile.age", tokens[1].Text)
	assert.Equal(t, 3, tokens[1].Pos)
}

func TestOperators(t *testing.T) {
	tokens := collect(t, "{{ 1 + 2 * 3 >= 4 != a and not b }}")
	assert.Equal(t, []Kind{
		ExpressionOpen, Number, Plus, Number, Times, Number,
		GreaterEqual, Number, NotEqual, ID, ID, ID, ID, ExpressionClose,
	}, kinds(tokens))
}

func TestNumbers(t *testing.T) {
	tokens := collect(t, "{{ 42 3.14 1e3 2E-2 }}")
	require.Len(t, tokens, 6)
	assert.Equal(t, "42", tokens[1].Text)
	assert.Equal(t, "3.14", tokens[2].Text)
	assert.Equal(t, "1e3", tokens[3].Text)
	assert.Equal(t, "2E-2", tokens[4].Text)
}

func TestString(t *testing.T) {
	tokens := collect(t, `{{ "a \"quoted\" string" }}`)
	require.Equal(t, []Kind{ExpressionOpen, String, ExpressionClose}, kinds(tokens))
	assert.Equal(t, `"a \"quoted\" string"`, tokens[1].Text)
}

func TestBalancedLiteral(t *testing.T) {
	tokens := collect(t, `{{ [1, {"a": "]"}, 3] }}`)
	require.Equal(t, []Kind{ExpressionOpen, Literal, ExpressionClose}, kinds(tokens))
	assert.Equal(t, `[1, {"a": "]"}, 3]`, tokens[1].Text)
}

func TestStatement(t *testing.T) {
	tokens := collect(t, `{% if x == 1 %}yes{% endif %}`)
	assert.Equal(t, []Kind{
		StatementOpen, ID, ID, Equal, Number, StatementClose,
		Text, StatementOpen, ID, StatementClose,
	}, kinds(tokens))
}

func TestCommentSkipped(t *testing.T) {
	tokens := collect(t, "a{# a comment #}b")
	require.Equal(t, []Kind{Text, Text}, kinds(tokens))
	assert.Equal(t, "a", tokens[0].Text)
	assert.Equal(t, "b", tokens[1].Text)
}

func TestLineStatement(t *testing.T) {
	tokens := collect(t, "## set x = 1\ntail")
	assert.Equal(t, []Kind{StatementOpen, ID, ID, Assign, Number, StatementClose, Text}, kinds(tokens))
	assert.Equal(t, "tail", tokens[6].Text)
}

func TestLineStatementOnlyAtLineStart(t *testing.T) {
	tokens := collect(t, "a ## b")
	require.Equal(t, []Kind{Text}, kinds(tokens))
	assert.Equal(t, "a ## b", tokens[0].Text)
}

func TestForceLstrip(t *testing.T) {
	tokens := collect(t, "text   {{- x }}")
	require.Equal(t, []Kind{Text, ExpressionOpen, ID, ExpressionClose}, kinds(tokens))
	assert.Equal(t, "text", tokens[0].Text)
	assert.Equal(t, "{{-", tokens[1].Text)
}

func TestForceRstrip(t *testing.T) {
	tokens := collect(t, "{{ x -}}   \n  next")
	require.Equal(t, []Kind{ExpressionOpen, ID, ExpressionClose, Text}, kinds(tokens))
	assert.Equal(t, "next", tokens[3].Text)
}

func TestTrimBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrimBlocks = true
	l := New(cfg, "{% if x %}\nbody{% endif %}\n")
	var texts []string
	for {
		tok := l.Next()
		if tok.Kind == EOF {
			break
		}
		if tok.Kind == Text {
			texts = append(texts, tok.Text)
		}
	}
	assert.Equal(t, []string{"body"}, texts)
}

func TestLstripBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LstripBlocks = true
	l := New(cfg, "head\n   {% if x %}body{% endif %}")
	first := l.Next()
	require.Equal(t, Text, first.Kind)
	assert.Equal(t, "head\n", first.Text)
	second := l.Next()
	assert.Equal(t, StatementOpen, second.Kind)
}

func TestLstripBlocksPlusModifier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LstripBlocks = true
	l := New(cfg, "\n   {%+ if x %}body{% endif %}")
	first := l.Next()
	require.Equal(t, Text, first.Kind)
	assert.Equal(t, "\n   ", first.Text)
}

func TestCustomDelimiters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpressionOpen = "<%"
	cfg.ExpressionClose = "%>"
	l := New(cfg, "a <% x %> b")
	var got []Kind
	for {
		tok := l.Next()
		if tok.Kind == EOF {
			break
		}
		got = append(got, tok.Kind)
	}
	assert.Equal(t, []Kind{Text, ExpressionOpen, ID, ExpressionClose, Text}, got)
}

func TestScanRaw(t *testing.T) {
	src := `{% raw %}{{ not parsed }}{% endraw %}after`
	l := New(DefaultConfig(), src)

	// Consume the raw statement tokens, then scan.
	require.Equal(t, StatementOpen, l.Next().Kind)
	require.Equal(t, ID, l.Next().Kind)
	require.Equal(t, StatementClose, l.Next().Kind)

	pos, length, ok := l.ScanRaw()
	require.True(t, ok)
	assert.Equal(t, "{{ not parsed }}", src[pos:pos+length])

	tok := l.Next()
	require.Equal(t, Text, tok.Kind)
	assert.Equal(t, "after", tok.Text)
}

func TestScanRawMissingEnd(t *testing.T) {
	l := New(DefaultConfig(), `{% raw %}unterminated`)
	require.Equal(t, StatementOpen, l.Next().Kind)
	require.Equal(t, ID, l.Next().Kind)
	require.Equal(t, StatementClose, l.Next().Kind)

	_, _, ok := l.ScanRaw()
	assert.False(t, ok)
}

func TestDotAfterCall(t *testing.T) {
	tokens := collect(t, "{{ first(users).name }}")
	assert.Equal(t, []Kind{
		ExpressionOpen, ID, LeftParen, ID, RightParen, Dot, ID, ExpressionClose,
	}, kinds(tokens))
}
