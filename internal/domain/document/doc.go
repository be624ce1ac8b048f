// Package document holds the replication wire shapes and the pure filters
// that apply a compiled policy to them.
package document

import (
	"encoding/json"
	"strings"
)

// Document metadata fields.
const (
	FieldID        = "_id"
	FieldRev       = "_rev"
	FieldDeleted   = "_deleted"
	FieldRevisions = "_revisions"
)

// Doc is a JSON document as stored by the backend.
type Doc map[string]any

// ID returns the document id, or "" if it has none.
func (d Doc) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Rev returns the document revision, or "" if it has none.
func (d Doc) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// Deleted reports whether d is a tombstone.
func (d Doc) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)
	return deleted
}

// Clone returns a shallow copy of d.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// IsMeta reports whether field is reserved document metadata.
func IsMeta(field string) bool {
	return strings.HasPrefix(field, "_")
}

// SeqString renders a change-feed sequence for use as a `since` parameter.
// Sequences are opaque strings on current servers and integers on old ones.
func SeqString(seq json.RawMessage) string {
	if len(seq) == 0 || string(seq) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(seq, &s); err == nil {
		return s
	}
	return string(seq)
}
