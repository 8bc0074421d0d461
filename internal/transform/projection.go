package transform

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"hookrelay.dev/internal/event"
)

func millisToRFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// fieldKind selects the normalizer applied to a projected field.
type fieldKind int

const (
	rawField  fieldKind = iota
	idField             // identifier-like: rendered as a string
	timeField           // date-like: rendered as RFC 3339, including epoch-millis numbers
)

// field declares one projected document field. The document field name
// and the payload name are the same across the tracker schema.
type field struct {
	name string
	kind fieldKind
}

// projection is the declared field set of one entity kind.
type projection struct {
	// kind is the entity kind the projection is registered for;
	// empty for the generic fallback.
	kind   string
	fields []field
}

// projections is the entity dispatch table. Kinds not present fall
// through to genericProjection. Kinds whose payload block matches the
// generic set are not listed separately: the generic path is the single
// fallback, not a family of stubs.
var projections = map[string]projection{
	"issue": {kind: "issue", fields: []field{
		{"_id", idField},
		{"identifier", rawField},
		{"title", rawField},
		{"description", rawField},
		{"status", rawField},
		{"priority", rawField},
		{"assignee", idField},
		{"reporter", idField},
		{"tags", rawField},
		{"space", idField},
		{"dueDate", timeField},
		{"estimation", rawField},
		{"createdOn", timeField},
		{"modifiedOn", timeField},
	}},
	"project": {kind: "project", fields: []field{
		{"_id", idField},
		{"name", rawField},
		{"description", rawField},
		{"identifier", rawField},
		{"private", rawField},
		{"archived", rawField},
		{"members", rawField},
		{"space", idField},
		{"createdOn", timeField},
		{"modifiedOn", timeField},
	}},
	"comment": {kind: "comment", fields: []field{
		{"_id", idField},
		{"message", rawField},
		{"author", idField},
		{"attachedTo", idField},
		{"attachedToClass", rawField},
		{"createdOn", timeField},
		{"modifiedOn", timeField},
	}},
	"attachment": {kind: "attachment", fields: []field{
		{"_id", idField},
		{"name", rawField},
		{"file", rawField},
		{"size", rawField},
		{"type", rawField},
		{"attachedTo", idField},
		{"createdOn", timeField},
		{"modifiedOn", timeField},
	}},
	"milestone": {kind: "milestone", fields: []field{
		{"_id", idField},
		{"label", rawField},
		{"status", rawField},
		{"targetDate", timeField},
		{"space", idField},
		{"createdOn", timeField},
		{"modifiedOn", timeField},
	}},
}

// genericProjection covers entity kinds without a declared block.
var genericProjection = projection{fields: []field{
	{"_id", idField},
	{"name", rawField},
	{"title", rawField},
	{"status", rawField},
	{"space", idField},
	{"createdOn", timeField},
	{"modifiedOn", timeField},
}}

func projectionFor(entityKind string) projection {
	if p, ok := projections[entityKind]; ok {
		return p
	}
	return genericProjection
}

// blockName is the payload key the projected entity lives under:
// data.issue, data.project, or the entity kind itself for generics.
func (p projection) blockName(entityKind string) string {
	if p.kind != "" {
		return p.kind
	}
	return entityKind
}

// previousBlockName is the payload key of the pre-image snapshot on
// updates: previousIssue, previousProject, and so on.
func (p projection) previousBlockName(entityKind string) string {
	name := p.blockName(entityKind)
	return "previous" + strings.ToUpper(name[:1]) + name[1:]
}

// apply projects doc through the declared field set. Missing fields are
// omitted rather than emitted as nulls.
func (p projection) apply(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(p.fields))
	for _, f := range p.fields {
		v, ok := doc[f.name]
		if !ok || v == nil {
			continue
		}
		name := f.name
		if name == "_id" {
			name = "id"
		}
		switch f.kind {
		case idField:
			out[name] = event.IDString(v)
		case timeField:
			out[name] = normalizeTime(v)
		default:
			out[name] = normalizeValue(v)
		}
	}
	return out
}

// normalizeTime renders a date-like value as RFC 3339. The tracker
// stores most dates as epoch milliseconds; native store dates pass
// through normalizeValue.
func normalizeTime(v interface{}) interface{} {
	switch ts := v.(type) {
	case int32:
		return millisToRFC3339(int64(ts))
	case int64:
		return millisToRFC3339(ts)
	case float64:
		return millisToRFC3339(int64(ts))
	default:
		return normalizeValue(v)
	}
}
