package ir

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON. It is the only encoding
// used for state hashes, snapshot storage, and equality checks.
//
// Differences from json.Marshal:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping
//   - strings NFC normalized
//   - floats and null are errors
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case String:
		return marshalCanonicalString(string(val))
	case string:
		return marshalCanonicalString(val)
	case Int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case Bool:
		return marshalBool(bool(val)), nil
	case bool:
		return marshalBool(val), nil
	case Array:
		return marshalCanonicalArray(val)
	case Object:
		return marshalCanonicalObject(val)
	case float64, float32:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		conv, err := FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
		}
		return MarshalCanonical(conv)
	}
}

// Equal reports whether a and b have identical canonical encodings.
// Values that cannot be canonically encoded are never equal.
func Equal(a, b Value) bool {
	ab, err := MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func marshalBool(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}

// marshalCanonicalString escapes only control characters, backslash and
// quote. U+2028 and U+2029 stay literal.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	result := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return unescapeLineSeparators(result), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. Escaped backslashes are
// consumed in pairs so `\\u2028` (literal text) is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i+1 >= len(data) {
			out = append(out, c)
			continue
		}
		if data[i+1] == 'u' && i+6 <= len(data) && string(data[i+2:i+5]) == "202" {
			switch data[i+5] {
			case '8':
				out = append(out, "\u2028"...)
				i += 5
				continue
			case '9':
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, c, data[i+1])
		i++
	}
	return out
}

func marshalCanonicalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
