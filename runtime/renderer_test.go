package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/value"
)

const testData = `{
	"user": {"name": "Alice", "profile": {"age": 30}},
	"good": {"exists": "value"},
	"name": "TestName",
	"items": [3, 1, 2],
	"users": [{"name": "Alice"}, {"name": "Bob"}],
	"present_null": null,
	"empty": [],
	"html": "<b>\"quoted\" & 'single'</b>"
}`

func renderStrict(t *testing.T, source string) (string, error) {
	t.Helper()
	env := NewEnvironment()
	return env.RenderString(source, value.MustParse(testData))
}

func renderGraceful(t *testing.T, source string) (string, []RenderErrorInfo) {
	t.Helper()
	env := NewEnvironment()
	env.SetGracefulErrors(true)
	tmpl, err := env.Parse(source)
	require.NoError(t, err)
	var b strings.Builder
	renderErrors, err := env.RenderTo(&b, tmpl, value.MustParse(testData))
	require.NoError(t, err)
	return b.String(), renderErrors
}

func TestBasicRendering(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain text", "Hello World", "Hello World"},
		{"simple variable", "Hello {{ name }}!", "Hello TestName!"},
		{"nested variable", "{{ user.name }} is {{ user.profile.age }}", "Alice is 30"},
		{"string literal", `{{ "literal" }}`, "literal"},
		{"int literal", "{{ 42 }}", "42"},
		{"float literal", "{{ 1.5 }}", "1.5"},
		{"bool literal", "{{ true }}", "true"},
		{"null prints empty", "{{ null }}", ""},
		{"array literal", "{{ [1, 2, 3] }}", "[1,2,3]"},
		{"object literal", `{{ {"a": 1} }}`, `{"a":1}`},
		{"present null prints empty", "{{ present_null }}", ""},
		{"comment removed", "a{# note #}b", "ab"},
		{"raw block", "{% raw %}{{ name }}{% endraw %}", "{{ name }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"int addition", "{{ 2 + 3 }}", "5"},
		{"string concatenation", `{{ "foo" + "bar" }}`, "foobar"},
		{"mixed addition is float", "{{ 2 + 1.5 }}", "3.5"},
		{"int subtraction", "{{ 10 - 4 }}", "6"},
		{"int multiplication", "{{ 3 * 4 }}", "12"},
		{"division is always float", "{{ 15 / 3 }}", "5.0"},
		{"float division", "{{ 7 / 2 }}", "3.5"},
		{"integer power", "{{ 2 ^ 10 }}", "1024"},
		{"float power", "{{ 2.0 ^ 2 }}", "4.0"},
		{"modulo", "{{ 7 % 3 }}", "1"},
		{"precedence", "{{ 1 + 2 * 3 }}", "7"},
		{"parentheses", "{{ (1 + 2) * 3 }}", "9"},
		{"unary minus", "{{ -4 + 6 }}", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLogicAndComparison(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"equal", "{{ 1 == 1 }}", "true"},
		{"not equal", `{{ "a" != "b" }}`, "true"},
		{"cross-type numeric equal", "{{ 1 == 1.0 }}", "true"},
		{"greater", "{{ 5 > 3 }}", "true"},
		{"less equal", "{{ 3 <= 3 }}", "true"},
		{"and", "{{ true and false }}", "false"},
		{"or", "{{ false or true }}", "true"},
		{"not", "{{ not true }}", "false"},
		{"not binds looser than comparison", "{{ not 1 == 2 }}", "true"},
		{"in array", "{{ 1 in [1, 2] }}", "true"},
		{"not in array", "{{ 5 in [1, 2] }}", "false"},
		{"in object values", `{{ "value" in good }}`, "true"},
		{"truthiness empty string", `{% if "" %}y{% else %}n{% endif %}`, "n"},
		{"truthiness zero", "{% if 0 %}y{% else %}n{% endif %}", "n"},
		{"truthiness empty array", "{% if empty %}y{% else %}n{% endif %}", "n"},
		{"truthiness nonzero", "{% if 2 %}y{% else %}n{% endif %}", "y"},
		{"truthiness present null", "{% if present_null %}y{% else %}n{% endif %}", "n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuiltinFunctions(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"upper", `{{ upper("hello") }}`, "HELLO"},
		{"lower", `{{ lower("HeLLo") }}`, "hello"},
		{"capitalize", `{{ capitalize("hELLO wORLD") }}`, "Hello world"},
		{"replace", `{{ replace("a-b-c", "-", "+") }}`, "a+b+c"},
		{"length string", `{{ length("hello") }}`, "5"},
		{"length array", "{{ length(items) }}", "3"},
		{"length object", "{{ length(user) }}", "2"},
		{"first", "{{ first(items) }}", "3"},
		{"last", "{{ last(items) }}", "2"},
		{"max", "{{ max(items) }}", "3"},
		{"min", "{{ min(items) }}", "1"},
		{"sort", "{{ sort(items) }}", "[1,2,3]"},
		{"range", "{{ range(4) }}", "[0,1,2,3]"},
		{"join strings unquoted", `{{ join(["a", "b"], ", ") }}`, "a, b"},
		{"join mixed", `{{ join([1, "a", true], "-") }}`, "1-a-true"},
		{"even", "{{ even(4) }}", "true"},
		{"odd", "{{ odd(4) }}", "false"},
		{"divisibleBy", "{{ divisibleBy(9, 3) }}", "true"},
		{"divisibleBy zero divisor", "{{ divisibleBy(9, 0) }}", "false"},
		{"round to precision", "{{ round(3.14159, 2) }}", "3.14"},
		{"round to integer", "{{ round(5.6, 0) }}", "6"},
		{"int from string", `{{ int("42") }}`, "42"},
		{"float from string", `{{ float("1.5") }}`, "1.5"},
		{"at object", `{{ at(user, "name") }}`, "Alice"},
		{"at array", "{{ at(items, 1) }}", "1"},
		{"member access after call", "{{ first(users).name }}", "Alice"},
		{"exists present", `{{ exists("good.exists") }}`, "true"},
		{"exists missing", `{{ exists("good.missing") }}`, "false"},
		{"existsIn", `{{ existsIn(user, "name") }}`, "true"},
		{"existsIn missing", `{{ existsIn(user, "email") }}`, "false"},
		{"isArray", "{{ isArray(items) }}", "true"},
		{"isObject", "{{ isObject(user) }}", "true"},
		{"isString", "{{ isString(name) }}", "true"},
		{"isNumber", "{{ isNumber(1.5) }}", "true"},
		{"isInteger", "{{ isInteger(1.5) }}", "false"},
		{"isFloat", "{{ isFloat(1.5) }}", "true"},
		{"isBoolean", "{{ isBoolean(false) }}", "true"},
		{"default picks value", `{{ default(user.name, "nobody") }}`, "Alice"},
		{"default picks fallback", `{{ default(user.email, "nobody") }}`, "nobody"},
		{"default keeps present null", `{{ default(present_null, "nobody") }}`, ""},
		{"filter pipe", "{{ name | upper }}", "TESTNAME"},
		{"chained pipes", `{{ items | sort | join("") }}`, "123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSortDoesNotMutateInput(t *testing.T) {
	env := NewEnvironment()
	data := value.MustParse(`{"A": [3, 1, 2]}`)
	before := data.Clone()

	got, err := env.RenderString("{{ sort(A) }} {{ A }}", data)
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3] [3,1,2]", got)
	assert.True(t, value.Equal(before, data), "context must be unchanged after render")
}

func TestStrictErrors(t *testing.T) {
	tests := []struct {
		name     string
		template string
		kind     ErrorKind
	}{
		{"missing variable", "{{ good.bad }}", ErrVariableNotFound},
		{"empty expression", "{{ }}", ErrEmptyExpression},
		{"missing nested", "{{ user.email }}", ErrVariableNotFound},
		{"division by zero", "{{ 1 / 0 }}", ErrDivisionByZero},
		{"modulo by zero", "{{ 1 % 0 }}", ErrDivisionByZero},
		{"first of empty", "{{ first(empty) }}", ErrEmptyArray},
		{"last of empty", "{{ last(empty) }}", ErrEmptyArray},
		{"max of empty", "{{ max(empty) }}", ErrEmptyArray},
		{"at missing key", `{{ at(user, "email") }}`, ErrMemberMissing},
		{"at out of range", "{{ at(items, 9) }}", ErrIndexOutOfRange},
		{"at on scalar", "{{ at(name, 0) }}", ErrTypeMismatch},
		{"add type mismatch", `{{ "a" + 1 }}`, ErrTypeMismatch},
		{"modulo type mismatch", "{{ 1.5 % 2 }}", ErrTypeMismatch},
		{"int of non-string", "{{ int(42) }}", ErrTypeMismatch},
		{"sort of non-array", "{{ sort(user) }}", ErrTypeMismatch},
		{"missing variable in operation", "{{ upper(user.email) }}", ErrVariableNotFound},
		{"for over non-array", "{% for x in name %}{% endfor %}", ErrTypeMismatch},
		{"object for over array", "{% for k, v in items %}{% endfor %}", ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := renderStrict(t, tt.template)
			require.Error(t, err)
			var engineErr *Error
			require.ErrorAs(t, err, &engineErr)
			assert.Equal(t, tt.kind, engineErr.Kind)
		})
	}
}

func TestStrictErrorLocation(t *testing.T) {
	_, err := renderStrict(t, "{{ good.bad }}")
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 1, engineErr.Location.Line)
	assert.Equal(t, 4, engineErr.Location.Column)
	assert.Contains(t, engineErr.Message, "variable 'good.bad' not found")
}

func TestGracefulScenarios(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"S1 partial resolution",
			"{{ user.name }} / {{ user.email }} / {{ user.profile.age }}",
			"Alice / {{ user.email }} / 30"},
		{"S2 deep missing chain", "{{ good.bad.bad }}", "{{ good.bad.bad }}"},
		{"S3 if over missing takes else", "{% if good.bad.bad %}yes{% else %}no{% endif %}", "no"},
		{"S4 for over missing skips", "{% for item in good.bad.items %}{{ item }}{% endfor %}Done", "Done"},
		{"division by zero replays", "{{ 1 / 0 }}", "{{ 1 / 0 }}"},
		{"first of empty replays", "{{ first(empty) }}", "{{ first(empty) }}"},
		{"operation on missing replays", "{{ upper(user.email) }}", "{{ upper(user.email) }}"},
		{"length of missing is zero", "{{ length(user.email) }}", "0"},
		{"unknown function replays", "{{ nonsense(1) }}", "{{ nonsense(1) }}"},
		{"empty expression replays", "{{ }}", "{{ }}"},
		{"if else if chain", "{% if good.bad %}a{% else if name %}b{% else %}c{% endif %}", "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := renderGraceful(t, tt.template)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGracefulErrorList(t *testing.T) {
	got, renderErrors := renderGraceful(t, "{{ user.name }} / {{ user.email }}")
	assert.Equal(t, "Alice / {{ user.email }}", got)
	require.Len(t, renderErrors, 1)
	assert.Contains(t, renderErrors[0].Message, "variable 'user.email' not found")
	assert.Equal(t, "{{ user.email }}", renderErrors[0].OriginalText)
	assert.Equal(t, 1, renderErrors[0].Location.Line)
}

func TestDeepMissingChain(t *testing.T) {
	source := "{{ a.b.c.d.e.f.g.h.i.j.k.l.m.n.o.p.q }}"
	got, renderErrors := renderGraceful(t, source)
	assert.Equal(t, source, got)
	require.Len(t, renderErrors, 1)
}

func TestSetStatement(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"set then read", "{% set x = 41 + 1 %}{{ x }}", "42"},
		{"set overrides data", "{% set name = \"local\" %}{{ name }}", "local"},
		{"set nested key", "{% set a.b = 7 %}{{ a.b }}", "7"},
		{"set from variable", "{% set x = user.name %}{{ x }}", "Alice"},
		{"set literal array", "{% set xs = [1, 2] %}{{ length(xs) }}", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSetGracefulFailureYieldsNull(t *testing.T) {
	got, renderErrors := renderGraceful(t, "{% set x = good.bad %}[{{ x }}]")
	assert.Equal(t, "[]", got, "a failed set binds present null, which prints empty")
	require.NotEmpty(t, renderErrors)
}

func TestSetDoesNotLeakIntoExists(t *testing.T) {
	// exists() consults the data input only; set bindings are visible to
	// variable resolution but not to exists().
	got, err := renderStrict(t, `{% set q = 1 %}{{ exists("q") }} {{ q }}`)
	require.NoError(t, err)
	assert.Equal(t, "false 1", got)
}

func TestForLoops(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"array loop", "{% for x in [10, 20] %}{{ x }};{% endfor %}", "10;20;"},
		{"loop over data", "{% for x in items %}{{ x }}{% endfor %}", "312"},
		{"loop index", "{% for x in [7, 8] %}{{ loop.index }}:{{ loop.index1 }};{% endfor %}", "0:1;1:2;"},
		{"loop first last",
			"{% for x in [1, 2, 3] %}{% if loop.is_first %}f{% endif %}{% if loop.is_last %}l{% endif %}{{ x }}{% endfor %}",
			"f12l3"},
		{"single element is first and last",
			"{% for x in [9] %}{{ loop.is_first }} {{ loop.is_last }}{% endfor %}",
			"true true"},
		{"nested loop parent index",
			"{% for row in [[1, 2], [3]] %}{% for cell in row %}{{ loop.parent.index }}.{{ loop.index }};{% endfor %}{% endfor %}",
			"0.0;0.1;1.0;"},
		{"object loop", `{% for k, v in {"b": 1, "a": 2} %}{{ k }}={{ v }};{% endfor %}`, "b=1;a=2;"},
		{"object loop preserves data order",
			"{% for k, v in user %}{{ k }};{% endfor %}", "name;profile;"},
		{"loop over range", "{% for i in range(3) %}{{ i }}{% endfor %}", "012"},
		{"binding cleared after loop", "{% for x in [1] %}{% endfor %}[{{ x }}]", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderStrict(t, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestHTMLAutoescape(t *testing.T) {
	env := NewEnvironment()
	env.SetHTMLAutoescape(true)
	got, err := env.RenderString("{{ html }}", value.MustParse(testData))
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;&quot;quoted&quot; &amp; &apos;single&apos;&lt;/b&gt;", got)

	// Non-string values are not escaped.
	got, err = env.RenderString("{{ 1 + 1 }}", value.MustParse(testData))
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestWhitespaceControl(t *testing.T) {
	env := NewEnvironment()
	env.SetTrimBlocks(true)
	got, err := env.RenderString("{% if true %}\nx\n{% endif %}\n", value.NewObject())
	require.NoError(t, err)
	assert.Equal(t, "x\n", got)

	got, err = NewEnvironment().RenderString("a  {{- 1 -}}  b", value.NewObject())
	require.NoError(t, err)
	assert.Equal(t, "a1b", got)
}

func TestCustomDelimiters(t *testing.T) {
	env := NewEnvironment()
	env.SetExpression("<%=", "%>")
	env.SetStatement("<%", "%>")
	got, err := env.RenderString("<% if true %>v=<%= name %><% endif %>", value.MustParse(testData))
	require.NoError(t, err)
	assert.Equal(t, "v=TestName", got)
}

func TestLineStatements(t *testing.T) {
	got, err := renderStrict(t, "## set x = 5\n{{ x }}")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestZeroArityCallbackResolution(t *testing.T) {
	env := NewEnvironment()
	env.AddCallback("who", 0, func(args nodes.Arguments) (*value.Value, error) {
		return value.NewString("world"), nil
	})
	got, err := env.RenderString("hello {{ who }}", value.NewObject())
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestExpressionListBalance(t *testing.T) {
	// Every syntactic expression form leaves exactly one value: rendering
	// them all in sequence would otherwise corrupt later expressions.
	source := `{{ 1 }}{{ "s" }}{{ [1] }}{{ user.name }}{{ 1 + 2 }}{{ not false }}` +
		`{{ length(items) }}{{ items | sort }}{{ default(user.email, "d") }}`
	got, err := renderStrict(t, source)
	require.NoError(t, err)
	assert.Equal(t, `1s[1]Alice3true3[1,2,3]d`, got)
}
