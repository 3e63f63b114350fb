package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizeJSON rewrites arbitrary JSON into a canonical form:
//
//   - object keys sorted by Unicode code point
//   - strings NFC normalized
//   - numbers preserved verbatim via json.Number (no float round-trip)
//   - no HTML escaping (<, > and & stay literal)
//   - no insignificant whitespace
//
// Two semantically equal values always canonicalize to identical bytes,
// which is what makes Value comparison, cache signatures and the
// projection-rebuild equivalence check byte comparisons.
func CanonicalizeJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalString NFC-normalizes s. Used wherever caller-supplied
// identifiers (entity IDs, field names) participate in keys or
// signatures, so composed and decomposed spellings never produce
// distinct keys.
func CanonicalString(s string) string {
	return norm.NFC.String(s)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, CanonicalString(k))
		}
		sort.Strings(keys)

		// Re-key under normalized names; two keys normalizing to the
		// same string is a malformed document.
		normalized := make(map[string]any, len(val))
		for k, elem := range val {
			nk := CanonicalString(k)
			if _, dup := normalized[nk]; dup {
				return fmt.Errorf("duplicate key after normalization: %q", nk)
			}
			normalized[nk] = elem
		}

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return fmt.Errorf("object key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type in canonical json: %T", v)
	}
	return nil
}

// writeCanonicalString writes a JSON string with NFC normalization and
// HTML escaping disabled.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(CanonicalString(s)); err != nil {
		return err
	}
	// Encoder appends a newline; drop it.
	out := bytes.TrimRight(tmp.Bytes(), "\n")
	buf.Write(out)
	return nil
}
