package payload

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSON_PreservesNumbers(t *testing.T) {
	doc, err := FromJSON([]byte(`{"amount": 100.50, "count": 3}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("100.50"), doc["amount"])
	assert.Equal(t, json.Number("3"), doc["count"])
}

func TestFromJSON_Empty(t *testing.T) {
	doc, err := FromJSON(nil)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Len(t, doc, 0)
}

func TestClone_Independence(t *testing.T) {
	original := Document{
		"parties": []any{"alice", "bob"},
		"terms":   map[string]any{"amount": json.Number("100")},
	}
	cp := original.Clone()

	cp["parties"].([]any)[0] = "mallory"
	cp["terms"].(map[string]any)["amount"] = json.Number("999")
	cp["extra"] = true

	assert.Equal(t, "alice", original["parties"].([]any)[0])
	assert.Equal(t, json.Number("100"), original["terms"].(map[string]any)["amount"])
	assert.NotContains(t, original, "extra")
}

func TestMerge(t *testing.T) {
	base := Document{"a": json.Number("1"), "b": json.Number("2")}
	patch := Document{"b": json.Number("20"), "c": json.Number("3"), "a": nil}

	out := base.Merge(patch)

	assert.NotContains(t, out, "a") // nil removes
	assert.Equal(t, json.Number("20"), out["b"])
	assert.Equal(t, json.Number("3"), out["c"])
	// inputs untouched
	assert.Equal(t, json.Number("1"), base["a"])
	assert.Equal(t, json.Number("2"), base["b"])
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"identical scalars", "x", "x", true},
		{"number representations", json.Number("1"), json.Number("1.0"), true},
		{"typed vs decoded number", 1, json.Number("1"), true},
		{"nested maps structural", map[string]any{"a": map[string]any{"b": 1}}, map[string]any{"a": map[string]any{"b": 1}}, true},
		{"nested map difference", map[string]any{"a": map[string]any{"b": 1}}, map[string]any{"a": map[string]any{"b": 2}}, false},
		{"array order sensitive", []any{1, 2}, []any{2, 1}, false},
		{"array equal", []any{1, 2}, []any{1, 2}, true},
		{"missing key", map[string]any{"a": 1}, map[string]any{}, false},
		{"nil vs value", nil, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	doc, err := FromJSON([]byte(`{"amount": 100, "parties": ["a", "b"], "nested": {"x": 1, "y": [true, null]}}`))
	require.NoError(t, err)

	h1, err := Hash(doc)
	require.NoError(t, err)
	h2, err := Hash(doc.Clone())
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "hash must be stable under deep copy")
	assert.Len(t, h1, 64, "SHA-256 hex digest")
}

func TestHash_InsertionOrderIndependent(t *testing.T) {
	a := Document{"x": json.Number("1"), "y": json.Number("2"), "z": json.Number("3")}
	b := Document{}
	b["z"] = json.Number("3")
	b["x"] = json.Number("1")
	b["y"] = json.Number("2")

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHash_DistinguishesPayloads(t *testing.T) {
	h1, err := Hash(Document{"amount": json.Number("100")})
	require.NoError(t, err)
	h2, err := Hash(Document{"amount": json.Number("101")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHash_EncodingError(t *testing.T) {
	_, err := Hash(Document{"bad": math.NaN()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestCanonical_SortsKeys(t *testing.T) {
	canon, err := Canonical(Document{"c": json.Number("3"), "a": json.Number("1"), "b": json.Number("2")})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(canon))
}
