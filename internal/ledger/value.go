package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is an opaque structured value (arbitrary nested key/value data)
// stored as canonical JSON bytes. Equal values always have equal bytes,
// so Value comparison and hashing are byte comparisons.
//
// A nil Value means "absent" (e.g. OldValue on first observation).
type Value []byte

// ValueOf canonicalizes any JSON-encodable value.
func ValueOf(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	canon, err := CanonicalizeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize value: %w", err)
	}
	return Value(canon), nil
}

// MustValue is ValueOf for literals in tests and examples.
// Panics on encoding failure.
func MustValue(v any) Value {
	val, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ParseValue canonicalizes raw JSON text into a Value.
func ParseValue(data []byte) (Value, error) {
	canon, err := CanonicalizeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return Value(canon), nil
}

// IsZero reports whether the value is absent.
func (v Value) IsZero() bool { return len(v) == 0 }

// Decode unmarshals the value into out.
func (v Value) Decode(out any) error {
	if v.IsZero() {
		return fmt.Errorf("decode absent value")
	}
	return json.Unmarshal(v, out)
}

// Equal reports byte equality, which for canonical values is semantic
// equality.
func (v Value) Equal(o Value) bool { return bytes.Equal(v, o) }

// String returns the canonical JSON text.
func (v Value) String() string { return string(v) }

// MarshalJSON emits the canonical JSON verbatim.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON canonicalizes incoming JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
