package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf_CanonicalKeyOrder(t *testing.T) {
	a := MustValue(map[string]any{"b": 2, "a": 1})
	b := MustValue(map[string]any{"a": 1, "b": 2})

	assert.True(t, a.Equal(b))
	assert.Equal(t, `{"a":1,"b":2}`, a.String())
}

func TestValueOf_NestedAndTypes(t *testing.T) {
	v := MustValue(map[string]any{
		"name":   "Amazon Prime Video",
		"amount": "275.00",
		"tags":   []any{"subscription", "media"},
		"nested": map[string]any{"active": true, "note": nil},
	})

	var out map[string]any
	require.NoError(t, v.Decode(&out))
	assert.Equal(t, "Amazon Prime Video", out["name"])
	assert.Equal(t, "275.00", out["amount"])
}

func TestCanonicalizeJSON_NumbersPreserved(t *testing.T) {
	// json.Number keeps large integers and decimal text exact; a float64
	// round-trip would not.
	canon, err := CanonicalizeJSON([]byte(`{"big": 9007199254740993, "rate": 0.1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"rate":0.1}`, string(canon))
}

func TestCanonicalizeJSON_NoHTMLEscaping(t *testing.T) {
	canon, err := CanonicalizeJSON([]byte(`{"cmp":"a<b&c>d"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"cmp":"a<b&c>d"}`, string(canon))
}

func TestCanonicalizeJSON_NFCNormalization(t *testing.T) {
	// "é" composed (U+00E9) vs decomposed (e + U+0301) must canonicalize
	// to identical bytes.
	composed, err := CanonicalizeJSON([]byte("{\"city\":\"S\u00e9oul\"}"))
	require.NoError(t, err)
	decomposed, err := CanonicalizeJSON([]byte("{\"city\":\"Se\u0301oul\"}"))
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestCanonicalizeJSON_RejectsTrailingData(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestValue_AbsentSemantics(t *testing.T) {
	var v Value
	assert.True(t, v.IsZero())
	require.Error(t, v.Decode(&struct{}{}))

	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestValue_UnmarshalJSONCanonicalizes(t *testing.T) {
	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`{ "b" : 2, "a" : 1 }`)))
	assert.Equal(t, `{"a":1,"b":2}`, v.String())

	require.NoError(t, v.UnmarshalJSON([]byte(`null`)))
	assert.True(t, v.IsZero())
}
