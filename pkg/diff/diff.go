// Package diff computes field-level differences between two revision
// payloads for audit display: which top-level fields were added, removed,
// or modified between a predecessor and its amendment.
package diff

import (
	"sort"

	"github.com/trustdesk/govrec/pkg/payload"
)

// EntryType classifies a single field change.
type EntryType string

const (
	Added    EntryType = "added"
	Removed  EntryType = "removed"
	Modified EntryType = "modified"
)

// Entry describes one changed top-level field. OldValue is nil for added
// fields, NewValue is nil for removed fields.
type Entry struct {
	Field    string    `json:"field"`
	OldValue any       `json:"old_value"`
	NewValue any       `json:"new_value"`
	Type     EntryType `json:"type"`
}

// Compare unions the top-level key sets of before and after and emits one
// entry per changed field, ordered lexicographically by field name (the
// documented tie-break, stable across repeated calls). Unchanged fields are
// omitted entirely. Equality is structural: recursive for nested maps,
// order-sensitive for arrays. Pure and total for JSON-like payloads.
func Compare(before, after payload.Document) []Entry {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	entries := make([]Entry, 0, len(fields))
	for _, k := range fields {
		oldVal, inBefore := before[k]
		newVal, inAfter := after[k]
		switch {
		case !inBefore:
			entries = append(entries, Entry{Field: k, NewValue: newVal, Type: Added})
		case !inAfter:
			entries = append(entries, Entry{Field: k, OldValue: oldVal, Type: Removed})
		case !payload.Equal(oldVal, newVal):
			entries = append(entries, Entry{Field: k, OldValue: oldVal, NewValue: newVal, Type: Modified})
		}
	}
	return entries
}

// Apply replays entries on top of before and returns the reconstructed
// document: added and modified entries set the field, removed entries delete
// it. Compare followed by Apply reconstructs after exactly. Values are deep
// copied in, so mutating the reconstruction never reaches the source
// document the entries were computed from.
func Apply(before payload.Document, entries []Entry) payload.Document {
	out := before.Clone()
	if out == nil {
		out = payload.Document{}
	}
	for _, e := range entries {
		switch e.Type {
		case Removed:
			delete(out, e.Field)
		default:
			out[e.Field] = payload.CloneValue(e.NewValue)
		}
	}
	return out
}
