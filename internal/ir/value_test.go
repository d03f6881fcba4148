package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectWithDoesNotMutate(t *testing.T) {
	orig := Object{"a": Int(1)}

	next := orig.With("b", Int(2))
	assert.Len(t, orig, 1)
	assert.Equal(t, Int(2), next["b"])

	dropped := next.Without("a")
	assert.Contains(t, next, "a")
	assert.NotContains(t, dropped, "a")
}

func TestObjectGetters(t *testing.T) {
	obj := Object{
		"s": String("x"),
		"n": Int(7),
		"o": Object{"k": Bool(true)},
		"a": Array{Int(1)},
	}

	assert.Equal(t, "x", obj.String("s"))
	assert.Equal(t, int64(7), obj.Int("n"))
	assert.Equal(t, Object{"k": Bool(true)}, obj.Object("o"))
	assert.Equal(t, Array{Int(1)}, obj.Array("a"))

	// wrong type or missing key yields zero value
	assert.Equal(t, "", obj.String("n"))
	assert.Equal(t, int64(0), obj.Int("missing"))
	assert.Nil(t, obj.Object("s"))
	assert.Nil(t, obj.Array("s"))
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{
		"name":   String("Ann"),
		"points": Int(-3),
		"tags":   Array{String("a"), Bool(false)},
		"nested": Object{"n": Null{}},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)

	var got Object
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, obj, got)
}

func TestUnmarshalRejectsFloat(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{"x":1.5}`), &obj)
	assert.Error(t, err)
}

func TestNilArrayMarshalsEmpty(t *testing.T) {
	data, err := json.Marshal(Object{"a": Array(nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[]}`, string(data))
}

func TestParseObject(t *testing.T) {
	obj, err := ParseObject([]byte(`{"playerId":"p1","points":10}`))
	require.NoError(t, err)
	assert.Equal(t, Object{"playerId": String("p1"), "points": Int(10)}, obj)

	_, err = ParseObject([]byte(`{"points":1.0}`))
	assert.Error(t, err, "decimal notation is rejected even when integral")

	_, err = ParseObject([]byte(`{"x":null}`))
	assert.Error(t, err)

	_, err = ParseObject([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = ParseObject([]byte(`{"x":99999999999999999999}`))
	assert.Error(t, err)
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"a": 3.0,
		"b": []any{"x", true},
		"c": 5,
	})
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Int(3), "b": Array{String("x"), Bool(true)}, "c": Int(5)}, v)

	_, err = FromGo(map[string]any{"a": 3.25})
	assert.Error(t, err)

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}
