package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := ParseString(`{"name": "Alice", "age": 30, "score": 1.5, "ok": true, "n": null, "tags": ["a", "b"]}`)
	require.NoError(t, err)
	require.True(t, v.IsObject())

	name, _ := v.Find(PointerFromName("name"))
	assert.True(t, name.IsString())
	age, _ := v.Find(PointerFromName("age"))
	assert.True(t, age.IsInt(), "numbers without fraction decode as integers")
	score, _ := v.Find(PointerFromName("score"))
	assert.True(t, score.IsFloat())
	n, _ := v.Find(PointerFromName("n"))
	assert.True(t, n.IsNull())
	tags, _ := v.Find(PointerFromName("tags"))
	assert.Equal(t, 2, tags.Len())
}

func TestParseKeyOrder(t *testing.T) {
	v, err := ParseString(`{"z": 1, "a": 2, "m": {"y": 1, "b": 2}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, v.Keys())

	m, _ := v.Get("m")
	assert.Equal(t, []string{"y", "b"}, m.Keys())
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{``, `{`, `{"a":}`, `[1,]`, `1 2`} {
		_, err := ParseString(src)
		assert.Error(t, err, "input %q", src)
	}
}

func TestParseExponents(t *testing.T) {
	v, err := ParseString(`[1e3, 2E-2, 10]`)
	require.NoError(t, err)
	first, _ := v.At(0)
	assert.True(t, first.IsFloat())
	last, _ := v.At(2)
	assert.True(t, last.IsInt())
}

func TestDump(t *testing.T) {
	tests := []struct {
		name string
		v    *Value
		want string
	}{
		{"null", Null(), "null"},
		{"true", NewBool(true), "true"},
		{"int", NewInt(-7), "-7"},
		{"float", NewFloat(1.5), "1.5"},
		{"whole float keeps point", NewFloat(5), "5.0"},
		{"string", NewString("hi"), `"hi"`},
		{"string escapes", NewString("a\"b\\c\nd"), `"a\"b\\c\nd"`},
		{"array", MustParse(`[1, "x", null]`), `[1,"x",null]`},
		{"object order", MustParse(`{"z": 1, "a": [true]}`), `{"z":1,"a":[true]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Dump())
		})
	}
}

func TestDumpRoundTrip(t *testing.T) {
	src := `{"user":{"name":"Alice","profile":{"age":30}},"items":[1,2.5,"x",false,null]}`
	v := MustParse(src)
	again, err := ParseString(v.Dump())
	require.NoError(t, err)
	assert.True(t, Equal(v, again))
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "3.14", FormatFloat(3.14))
	assert.Equal(t, "2.0", FormatFloat(2))
	zero := 0.0
	assert.Equal(t, "null", FormatFloat(zero/zero)) // NaN
}

func TestFromYAML(t *testing.T) {
	v, err := FromYAML([]byte("z: 1\na:\n  - x\n  - 2.5\nflag: true\nnothing: null\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "flag", "nothing"}, v.Keys())

	z, _ := v.Get("z")
	assert.True(t, z.IsInt())
	a, _ := v.Get("a")
	require.True(t, a.IsArray())
	second, _ := a.At(1)
	assert.True(t, second.IsFloat())
	flag, _ := v.Get("flag")
	assert.True(t, flag.IsBool())
	nothing, _ := v.Get("nothing")
	assert.True(t, nothing.IsNull())
}
