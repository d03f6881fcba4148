package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
		{"go map", map[string]any{"b": "x", "a": int64(2)}, `{"a":2,"b":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Int(2),
		"beta":  Object{"y": Int(1), "x": Int(2)},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":2,"y":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogate 0xD83D, which sorts before U+FB01 in
	// UTF-16 even though its UTF-8 bytes sort after.
	obj := Object{
		"\uFB01":     Int(1),
		"\U0001F600": Int(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFB01\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(String("<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(result))
}

func TestMarshalCanonicalLineSeparatorsLiteral(t *testing.T) {
	result, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// escaped backslash followed by text that looks like an escape
	result, err = MarshalCanonical(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"nil", nil},
		{"null", Null{}},
		{"float", 1.5},
		{"nested null", Object{"a": Null{}}},
		{"null in array", Array{Int(1), Null{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestEqual(t *testing.T) {
	a := Object{"x": Array{Int(1), String("a")}, "y": Bool(true)}
	b := Object{"y": Bool(true), "x": Array{Int(1), String("a")}}
	c := Object{"x": Array{Int(1), String("b")}, "y": Bool(true)}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, Null{}))
}
