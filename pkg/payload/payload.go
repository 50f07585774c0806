// Package payload models the business content being versioned as a
// schema-less JSON-like document: a map of field name to value where values
// are scalars, arrays, or nested maps. The engine never interprets fields
// semantically; it only copies, compares, patches, and hashes them.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEncoding indicates a document that cannot be canonically serialized,
// e.g. one containing non-finite numbers. Callers must reject such documents
// before finalization.
var ErrEncoding = errors.New("payload cannot be canonically encoded")

// Document is a JSON-like structured value keyed by field name.
type Document map[string]any

// FromJSON parses raw JSON into a Document. Numbers are kept as
// json.Number so canonicalization and diffing do not lose precision.
func FromJSON(raw []byte) (Document, error) {
	if len(raw) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := decodeNumbers(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// UnmarshalJSON decodes using json.Number so numeric fields keep their
// exact representation wherever a Document is deserialized.
func (d *Document) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := decodeNumbers(b, &m); err != nil {
		return err
	}
	*d = m
	return nil
}

// Clone returns a structural deep copy of the document. The copy shares no
// mutable state with the original, so editing a derived draft can never
// alter sealed history.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(d).(Document)
}

// CloneValue returns a structural deep copy of a single JSON-like value.
// Scalars are returned as is.
func CloneValue(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		out := make(Document, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		// Scalars (string, bool, nil, json.Number, float64) are immutable.
		return v
	}
}

// Merge applies patch on top of d and returns the result: top-level keys in
// patch replace the corresponding keys in d wholesale, a nil patch value
// removes the key. Neither input is mutated.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports deep structural equality: recursive key/value equality for
// maps, order-sensitive element equality for arrays. Numbers compare by
// canonical JSON representation, so 1, 1.0 and json.Number("1") are equal.
func Equal(a, b any) bool {
	return equalValue(normalize(a), normalize(b))
}

func equalValue(a, b any) bool {
	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !equalValue(va, vb) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !equalValue(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case json.Number:
		tb, ok := b.(json.Number)
		if !ok {
			return false
		}
		return numberEqual(ta, tb)
	default:
		return a == b
	}
}

func numberEqual(a, b json.Number) bool {
	if a.String() == b.String() {
		return true
	}
	fa, erra := a.Float64()
	fb, errb := b.Float64()
	return erra == nil && errb == nil && fa == fb
}

// normalize round-trips v through JSON so Document, map[string]any, and
// typed scalars all compare under one representation. Values that cannot be
// marshaled normalize to themselves and fall through to direct comparison.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := decodeNumbers(raw, &out); err != nil {
		return v
	}
	return out
}

func decodeNumbers(raw []byte, into any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(into)
}
