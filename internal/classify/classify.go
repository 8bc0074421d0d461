// Package classify maps store mutations onto named business events.
//
// Event types follow the form <entityKind>.<operationKind>. The mapping
// from collection to entity kind is static; the operation kind is derived
// from the mutation itself, including field-level update inspection for
// status_changed, assigned, and archived.
package classify

import (
	"sort"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/event"
)

// Classification names what happened and how urgently to deliver it.
type Classification struct {
	EventType  string
	EntityKind string
	Priority   delivery.Priority
}

type kindInfo struct {
	kind     string
	priority delivery.Priority
	// insertAdds means inserts read as "added" rather than "created":
	// the entity attaches to a parent rather than standing alone.
	insertAdds bool
}

var collectionKinds = map[string]kindInfo{
	"issues":      {kind: "issue", priority: delivery.High},
	"projects":    {kind: "project", priority: delivery.Medium},
	"milestones":  {kind: "milestone", priority: delivery.Medium},
	"comments":    {kind: "comment", priority: delivery.Low, insertAdds: true},
	"attachments": {kind: "attachment", priority: delivery.Low, insertAdds: true},
	"members":     {kind: "member", priority: delivery.Low, insertAdds: true},
}

// Classify derives the event classification for a mutation record.
// Unknown collections classify with the collection name itself as the
// entity kind at low priority; they still route like any other event.
func Classify(rec *event.MutationRecord) Classification {
	info, known := collectionKinds[rec.Namespace.Collection]
	if !known {
		info = kindInfo{kind: rec.Namespace.Collection, priority: delivery.Low}
	}
	return Classification{
		EventType:  info.kind + "." + operationKind(rec, info),
		EntityKind: info.kind,
		Priority:   info.priority,
	}
}

func operationKind(rec *event.MutationRecord, info kindInfo) string {
	switch rec.Op() {
	case event.OpInsert:
		if info.insertAdds {
			return "added"
		}
		return "created"
	case event.OpDelete:
		return "deleted"
	case event.OpUpdate:
		if ud := rec.UpdateDescription; ud != nil {
			if _, ok := ud.UpdatedFields["status"]; ok {
				return "status_changed"
			}
			if _, ok := ud.UpdatedFields["assignee"]; ok {
				return "assigned"
			}
			if v, ok := ud.UpdatedFields["archived"]; ok {
				if b, ok := v.(bool); ok && b {
					return "archived"
				}
			}
		}
		return "updated"
	}
	// Collection-level operations never reach the classifier; treat a
	// surprise as a plain update rather than dropping the record.
	return "updated"
}

// CatalogEntry describes one entity kind in the event-type catalog.
type CatalogEntry struct {
	EntityKind string   `json:"entityKind"`
	Collection string   `json:"collection"`
	Priority   string   `json:"priority"`
	EventTypes []string `json:"eventTypes"`
}

// Catalog lists every event type producible for the known entity kinds,
// ordered by collection name. Unknown collections are not enumerable and
// therefore not listed.
func Catalog() []CatalogEntry {
	collections := make([]string, 0, len(collectionKinds))
	for coll := range collectionKinds {
		collections = append(collections, coll)
	}
	sort.Strings(collections)

	entries := make([]CatalogEntry, 0, len(collections))
	for _, coll := range collections {
		info := collectionKinds[coll]
		base := "created"
		if info.insertAdds {
			base = "added"
		}
		types := []string{
			info.kind + "." + base,
			info.kind + ".updated",
			info.kind + ".deleted",
			info.kind + ".status_changed",
			info.kind + ".assigned",
			info.kind + ".archived",
		}
		entries = append(entries, CatalogEntry{
			EntityKind: info.kind,
			Collection: coll,
			Priority:   info.priority.String(),
			EventTypes: types,
		})
	}
	return entries
}
