package document

import "encoding/json"

// BulkGetRequest is the body of POST /{db}/_bulk_get.
type BulkGetRequest struct {
	Docs []BulkGetRef `json:"docs"`
}

// BulkGetRef names one requested document (and optionally a revision).
type BulkGetRef struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
}

// BulkGetResponse is the backend reply to _bulk_get.
type BulkGetResponse struct {
	Results []BulkGetResult `json:"results"`
}

// BulkGetResult groups the revisions returned for one requested id.
type BulkGetResult struct {
	ID   string         `json:"id"`
	Docs []BulkGetEntry `json:"docs"`
}

// BulkGetEntry is either an ok document or an error.
type BulkGetEntry struct {
	OK    Doc            `json:"ok,omitempty"`
	Error map[string]any `json:"error,omitempty"`
}

// AllDocsResponse is the reply of _all_docs.
type AllDocsResponse struct {
	TotalRows int             `json:"total_rows"`
	Offset    int             `json:"offset"`
	Rows      []Row           `json:"rows"`
	UpdateSeq json.RawMessage `json:"update_seq,omitempty"`
}

// Row is one _all_docs row. Doc is only set with include_docs=true; Error is
// set for keys the backend could not find.
type Row struct {
	ID    string `json:"id,omitempty"`
	Key   any    `json:"key"`
	Value any    `json:"value,omitempty"`
	Doc   Doc    `json:"doc,omitempty"`
	Error string `json:"error,omitempty"`
}

// FindResponse is the reply of _find.
type FindResponse struct {
	Docs     []Doc  `json:"docs"`
	Bookmark string `json:"bookmark,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

// ChangesResponse is the reply of _changes.
type ChangesResponse struct {
	Results []ChangeRow     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
	Pending *int            `json:"pending,omitempty"`
}

// ChangeRow is one entry of a change feed.
type ChangeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []ChangeRev     `json:"changes"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     Doc             `json:"doc,omitempty"`
}

// ChangeRev is a leaf revision listed in a change row.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// BulkDocsRequest is the body of POST /{db}/_bulk_docs.
type BulkDocsRequest struct {
	Docs     []Doc `json:"docs"`
	NewEdits *bool `json:"new_edits,omitempty"`
}

// WriteResult is the backend reply for one written document.
type WriteResult struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}
