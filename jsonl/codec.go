// Record codec: one (key, value) pair to one JSON line and back.

package jsonl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Object is the value domain of a record: a JSON object, represented as a map
// from field name to a JSON-compatible value (nil, bool, number, string,
// array, or nested object). A record value is never a bare scalar or array at
// the top level.
type Object = map[string]any

// Encode serializes one record to a single newline-terminated line of the
// form {"<key>":{...}}. Field order inside the value is canonical
// (encoding/json sorts map keys), so encoding the same record twice yields
// byte-identical lines.
//
// The key text is stored as-is; ordering across the store is lexicographic on
// that text. Callers needing numeric or datetime key semantics must
// canonicalize first, e.g. zero-padding or [CanonicalKeyTime].
func Encode(key string, value Object) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("record %q: value must be a JSON object", key)
	}
	line, err := json.Marshal(map[string]Object{key: value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %q: %w", key, err)
	}
	return append(line, '\n'), nil
}

// Decode parses one line back into its key and value. It returns a
// [*FormatError] when the line is not valid JSON, does not have exactly one
// top-level field, or the field's value is not a JSON object.
func Decode(line []byte) (string, Object, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(line, &outer); err != nil {
		return "", nil, &FormatError{Line: string(bytes.TrimSpace(line)), Reason: "not a JSON object", err: err}
	}
	if len(outer) != 1 {
		return "", nil, &FormatError{
			Line:   string(bytes.TrimSpace(line)),
			Reason: fmt.Sprintf("expected exactly one top-level field, got %d", len(outer)),
		}
	}
	for key, raw := range outer {
		var value Object
		if err := json.Unmarshal(raw, &value); err != nil {
			return "", nil, &FormatError{Line: string(bytes.TrimSpace(line)), Reason: "record value is not a JSON object", err: err}
		}
		if value == nil {
			return "", nil, &FormatError{Line: string(bytes.TrimSpace(line)), Reason: "record value is null"}
		}
		return key, value, nil
	}
	panic("unreachable")
}

// NormalizeValue maps an arbitrary Go value into the store's JSON value
// domain. Integer and float types become float64, [time.Time] becomes
// canonical RFC 3339 UTC text, and slices and nested objects are normalized
// recursively. Values outside the domain are rejected rather than silently
// stringified.
//
// Writing a normalized value, loading it, and normalizing again is the
// identity: what decodes from a store is already in normal form.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q does not fit the value domain: %w", x, err)
		}
		return f, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case Object:
		return NormalizeObject(x)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// NormalizeObject applies [NormalizeValue] to every field of an object.
func NormalizeObject(obj Object) (Object, error) {
	out := make(Object, len(obj))
	for k, v := range obj {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// CanonicalKeyTime renders a time as a store key that sorts chronologically
// under the store's lexicographic ordering. The inverse is
// [ParseCanonicalKeyTime].
func CanonicalKeyTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseCanonicalKeyTime parses a key produced by [CanonicalKeyTime].
func ParseCanonicalKeyTime(key string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("key %q is not a canonical datetime: %w", key, err)
	}
	return t, nil
}
