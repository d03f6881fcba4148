package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the payload and state value types.
// Only Null, String, Int, Bool, Array, and Object implement it.
// There is no float: scores are integers and floats break determinism.
type Value interface {
	value()
}

// Null is an explicit JSON null. It round-trips through storage but is
// rejected by MarshalCanonical and ParseValue.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object is a map of string keys to values.
// Use SortedKeys for deterministic iteration.
//
// Objects handed to a fold are shared with the previous state and with
// subscribers. Folds must build new objects (see With) rather than assign
// into the ones they receive.
type Object map[string]Value

func (Object) value() {}

// Clone returns a shallow copy of obj. Nested values are shared.
func (obj Object) Clone() Object {
	out := make(Object, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// With returns a copy of obj with key set to v. obj is not modified.
func (obj Object) With(key string, v Value) Object {
	out := obj.Clone()
	out[key] = v
	return out
}

// Without returns a copy of obj with key removed. obj is not modified.
func (obj Object) Without(key string) Object {
	out := obj.Clone()
	delete(out, key)
	return out
}

// String returns the string stored under key, or "" if absent or not a string.
func (obj Object) String(key string) string {
	s, _ := obj[key].(String)
	return string(s)
}

// Int returns the integer stored under key, or 0 if absent or not an Int.
func (obj Object) Int(key string) int64 {
	n, _ := obj[key].(Int)
	return int64(n)
}

// Object returns the nested object stored under key, or nil.
func (obj Object) Object(key string) Object {
	o, _ := obj[key].(Object)
	return o
}

// Array returns the nested array stored under key, or nil.
func (obj Object) Array(key string) Array {
	a, _ := obj[key].(Array)
	return a
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs for supplementary
// plane characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(Array, len(raw))
	for i, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// unmarshalValue decodes stored JSON. null becomes Null so persisted data
// always round-trips; use ParseValue for strict input validation.
func unmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case 'n':
		return Null{}, nil
	case '[':
		var arr Array
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	case '{':
		var obj Object
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats not allowed: %s", string(data))
		}
		return Int(i), nil
	}
}

// MarshalJSON implements json.Marshaler for Object with sorted keys.
// This is not canonical (HTML characters are escaped); use MarshalCanonical
// for hashing.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler for Array. A nil Array encodes as [].
func (arr Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalValue marshals a Value to JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		return val.MarshalJSON()
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// ParseValue decodes external JSON into a Value with strict validation.
// Floats and null are rejected.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// ParseObject is ParseValue restricted to a top-level object.
func ParseObject(data []byte) (Object, error) {
	v, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

// FromGo converts decoded JSON or YAML (any, map[string]any, []any, string,
// bool, json.Number and the integer kinds) into a Value. Integral float64
// values are accepted because YAML and encoding/json produce them; fractional
// ones and nil are rejected.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden")
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(val), nil
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > 1<<53 {
			return nil, fmt.Errorf("floats are forbidden: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
