package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes v with lexicographically ordered object keys and
// stable array order. Two structurally equal values always produce the
// same bytes, which is what makes delta ids content addresses.
//
// Scalar encoding is delegated to encoding/json so number formatting
// matches the wire representation exactly.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.RawMessage:
		// Re-decode so nested objects get canonical key order too.
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return fmt.Errorf("canonicalise raw message: %w", err)
		}
		return writeCanonical(buf, decoded)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalise %T: %w", v, err)
		}
		buf.Write(encoded)
		return nil
	}
}

// valuesEqual reports deep structural equality between two column values
// by comparing their canonical encodings. Values are expected to be in
// decoded-JSON form (nil, bool, float64, string, []any, map[string]any).
func valuesEqual(a, b any) bool {
	ca, errA := CanonicalJSON(a)
	cb, errB := CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// NormalizeValue rewrites v into decoded-JSON form. Ingress boundaries
// (HTTP, CDC drivers, pollers) call this so the core only ever sees
// nil, bool, float64, string, []any and map[string]any.
func NormalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalise %T: %w", v, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
