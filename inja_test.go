package inja

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MinLL/inja/value"
)

func TestRender(t *testing.T) {
	got, err := Render("Hello {{ name }}!", value.MustParse(`{"name": "World"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", got)
}

func TestRenderTo(t *testing.T) {
	var b strings.Builder
	err := RenderTo(&b, "{% for i in range(3) %}{{ i }}{% endfor %}", value.NewObject())
	require.NoError(t, err)
	assert.Equal(t, "012", b.String())
}

func TestRenderParseError(t *testing.T) {
	_, err := Render("{% if %}", value.NewObject())
	assert.Error(t, err)
}

func TestEnvironmentRoundTrip(t *testing.T) {
	env := NewEnvironment()
	tmpl, err := env.Parse("{{ user.name }}")
	require.NoError(t, err)

	data := value.MustParse(`{"user": {"name": "Alice"}}`)
	first, err := env.Render(tmpl, data)
	require.NoError(t, err)

	// Reparsing the same source renders identically.
	reparsed, err := env.Parse(tmpl.Content)
	require.NoError(t, err)
	second, err := env.Render(reparsed, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
