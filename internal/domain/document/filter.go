package document

import (
	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
)

// Authorizer answers permission questions for one caller. *acl.Policy
// implements it.
type Authorizer interface {
	Can(action acl.Action, doc map[string]any, field ...string) bool
	PermittedFields(action acl.Action, doc map[string]any) acl.FieldSet
}

// Readable reports whether d may be sent to the caller. Tombstones always
// pass so clients can purge their local copies.
func Readable(p Authorizer, d Doc) bool {
	return d.Deleted() || p.Can(acl.ActionRead, d)
}

// FilterBulkGet keeps readable ok documents and every error entry, and drops
// results left without entries.
func FilterBulkGet(p Authorizer, results []BulkGetResult) []BulkGetResult {
	out := make([]BulkGetResult, 0, len(results))
	for _, res := range results {
		kept := make([]BulkGetEntry, 0, len(res.Docs))
		for _, entry := range res.Docs {
			if entry.OK == nil || Readable(p, entry.OK) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			continue
		}
		res.Docs = kept
		out = append(out, res)
	}
	return out
}

// FilterRows keeps _all_docs rows whose document is readable. Rows that
// carry no document reveal only ids and revisions and are kept.
func FilterRows(p Authorizer, rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if row.Doc == nil || Readable(p, row.Doc) {
			out = append(out, row)
		}
	}
	return out
}

// FilterDocs keeps readable documents of a _find result.
func FilterDocs(p Authorizer, docs []Doc) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if d == nil || Readable(p, d) {
			out = append(out, d)
		}
	}
	return out
}

// FilterChanges drops change rows the caller may not read and strips the
// document body from the survivors unless includeDocs is set. Rows must
// have been fetched with their documents; a live row without one cannot be
// checked and is dropped.
func FilterChanges(p Authorizer, rows []ChangeRow, includeDocs bool) []ChangeRow {
	out := make([]ChangeRow, 0, len(rows))
	for _, row := range rows {
		switch {
		case row.Deleted:
		case row.Doc == nil:
			continue
		case !Readable(p, row.Doc):
			continue
		}
		if !includeDocs {
			row.Doc = nil
		}
		out = append(out, row)
	}
	return out
}

// Classify returns the action a submission performs against the current
// server copy. A missing or deleted server copy makes it a create.
func Classify(existing, submitted Doc) acl.Action {
	switch {
	case existing == nil || existing.Deleted():
		return acl.ActionCreate
	case submitted.Deleted():
		return acl.ActionDelete
	default:
		return acl.ActionUpdate
	}
}

// MergePermitted builds the document to write when only some fields of
// existing may be updated. Permitted fields come from submitted (a field
// missing from submitted is removed), every other field keeps its existing
// value. _id, _rev and _revisions always come from submitted so the write
// targets the revision the client based its edit on.
func MergePermitted(existing, submitted Doc, fields acl.FieldSet) Doc {
	if fields.All() {
		return submitted.Clone()
	}

	out := make(Doc, len(existing))
	for k, v := range existing {
		if IsMeta(k) || !fields.Allows(k) {
			out[k] = v
		}
	}
	for k, v := range submitted {
		if !IsMeta(k) && fields.Allows(k) {
			out[k] = v
		}
	}
	for _, k := range []string{FieldID, FieldRev, FieldRevisions} {
		if v, ok := submitted[k]; ok {
			out[k] = v
		} else {
			delete(out, k)
		}
	}
	return out
}
