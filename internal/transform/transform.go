// Package transform projects store mutations into the stable JSON
// payloads delivered to webhook endpoints.
//
// Each entity kind declares the set of document fields its payload block
// carries. Projection copies fields one at a time and never aliases the
// source document, so payloads hold no references back into store
// memory. Unknown entity kinds fall through to a generic projection of
// common fields.
package transform

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/subscription"
)

// json is the frozen payload codec. Map keys sort so a payload's bytes
// are deterministic for a given mutation and subscription.
var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// PayloadVersion names the payload schema carried in every delivery.
const PayloadVersion = "1.0"

// Payload is the body delivered to a webhook endpoint.
type Payload struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Source    Source                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Metadata  Metadata               `json:"metadata"`
	Webhook   WebhookInfo            `json:"webhook"`
}

// Source identifies the relay instance that produced the payload.
type Source struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	Instance string `json:"instance"`
}

// Metadata carries stream position details for receivers that correlate
// deliveries back to the store.
type Metadata struct {
	ResumeToken string `json:"resumeToken"`
	WallTime    string `json:"wallTime"`
	DocumentKey string `json:"documentKey"`
}

// WebhookInfo names the subscription and delivery the payload belongs to.
type WebhookInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Version     string `json:"version"`
	DeliveryID  string `json:"deliveryId"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

// DeliveryInfo is the delivery identity stamped into the payload's
// webhook block at build time.
type DeliveryInfo struct {
	ID          string
	Attempt     int
	MaxAttempts int
}

// Transformer builds payloads. It is safe for concurrent use.
type Transformer struct {
	source Source
}

// New returns a transformer stamping payloads with the given service
// version. The instance name is the hostname.
func New(serviceVersion string) *Transformer {
	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}
	return &Transformer{
		source: Source{
			Service:  "hookrelay",
			Version:  serviceVersion,
			Instance: instance,
		},
	}
}

// Transform builds the payload for one (mutation, subscription) pair.
// The result is deterministic except for the id, deliveryId, and
// timestamp fields.
func (t *Transformer) Transform(rec *event.MutationRecord, ev event.Event, sub *subscription.Subscription, dlv DeliveryInfo) (*Payload, error) {
	data := map[string]interface{}{
		"id":         rec.DocumentID(),
		"type":       ev.EntityKind,
		"operation":  string(ev.Operation),
		"collection": ev.Collection,
		"namespace":  rec.Namespace.Database + "." + rec.Namespace.Collection,
		"timestamp":  ev.SourceTime.UTC().Format(time.RFC3339),
	}

	proj := projectionFor(ev.EntityKind)
	if doc := rec.Document(); doc != nil {
		data[proj.blockName(ev.EntityKind)] = proj.apply(doc)
	}
	if ev.Operation == event.OpUpdate {
		if pre := rec.FullDocumentBeforeChange; pre != nil {
			data[proj.previousBlockName(ev.EntityKind)] = proj.apply(pre)
		}
		if ud := rec.UpdateDescription; ud != nil {
			data["changes"] = changesBlock(ud)
		}
	}

	p := &Payload{
		ID:        ev.ID,
		Event:     ev.Type,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   PayloadVersion,
		Source:    t.source,
		Data:      data,
		Metadata: Metadata{
			ResumeToken: event.TokenData(ev.ResumeToken),
			WallTime:    rec.SourceTime().Format(time.RFC3339),
			DocumentKey: rec.DocumentID(),
		},
		Webhook: WebhookInfo{
			ID:          sub.ID,
			Name:        sub.Name,
			URL:         sub.URL,
			Version:     PayloadVersion,
			DeliveryID:  dlv.ID,
			Attempt:     dlv.Attempt,
			MaxAttempts: dlv.MaxAttempts,
		},
	}

	applyPayloadFilter(p, sub.PayloadFilter)
	return p, nil
}

// Marshal serializes the payload with the deterministic codec.
func Marshal(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// changesBlock converts an update description into the payload's changes
// object: updated field values (normalized), removed field names, and
// truncated array sizes.
func changesBlock(ud *event.UpdateDescription) map[string]interface{} {
	updated := make(map[string]interface{}, len(ud.UpdatedFields))
	for name, v := range ud.UpdatedFields {
		updated[name] = normalizeValue(v)
	}
	removed := ud.RemovedFields
	if removed == nil {
		removed = []string{}
	}
	truncated := make([]map[string]interface{}, 0, len(ud.TruncatedArrays))
	for _, ta := range ud.TruncatedArrays {
		truncated = append(truncated, map[string]interface{}{
			"field":   ta.Field,
			"newSize": ta.NewSize,
		})
	}
	return map[string]interface{}{
		"updated":   updated,
		"removed":   removed,
		"truncated": truncated,
	}
}

// normalizeValue renders store values into JSON-friendly forms:
// object ids become hex strings, store timestamps become RFC 3339
// strings, and nested documents are copied without aliasing.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC().Format(time.RFC3339)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = normalizeValue(nested)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = normalizeValue(nested)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}
