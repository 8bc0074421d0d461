package event

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LogRecord is the persisted form of a processed event. The log serves
// three purposes: best-effort deduplication through the fingerprint
// unique index, the management events listing, and replay. It stores
// enough of the source mutation to rebuild payloads later; pre-images
// are not retained, so replayed updates carry no previous-value block.
type LogRecord struct {
	ID          string    `bson:"_id" json:"id"`
	Type        string    `bson:"eventType" json:"eventType"`
	EntityKind  string    `bson:"entityKind" json:"entityKind"`
	Collection  string    `bson:"collection" json:"collection"`
	Operation   Operation `bson:"operation" json:"operation"`
	SourceID    string    `bson:"sourceId" json:"sourceId"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	SourceTime  time.Time `bson:"sourceTime" json:"sourceTime"`
	ProcessedAt time.Time `bson:"processedAt" json:"processedAt"`
	// Matched counts the subscriptions the event fanned out to.
	Matched int `bson:"matched" json:"matched"`

	ResumeToken       bson.Raw           `bson:"resumeToken,omitempty" json:"-"`
	Namespace         Namespace          `bson:"ns" json:"-"`
	DocumentKey       bson.M             `bson:"documentKey,omitempty" json:"-"`
	Document          bson.M             `bson:"document,omitempty" json:"-"`
	UpdateDescription *UpdateDescription `bson:"updateDescription,omitempty" json:"-"`
}

// NewLogRecord captures a processed mutation for the event log.
func NewLogRecord(rec *MutationRecord, ev Event, matched int) *LogRecord {
	return &LogRecord{
		ID:                ev.ID,
		Type:              ev.Type,
		EntityKind:        ev.EntityKind,
		Collection:        ev.Collection,
		Operation:         ev.Operation,
		SourceID:          rec.DocumentID(),
		Fingerprint:       ev.Fingerprint,
		SourceTime:        ev.SourceTime,
		ProcessedAt:       time.Now().UTC(),
		Matched:           matched,
		ResumeToken:       rec.ResumeToken,
		Namespace:         rec.Namespace,
		DocumentKey:       rec.DocumentKey,
		Document:          rec.FullDocument,
		UpdateDescription: rec.UpdateDescription,
	}
}

// Mutation rebuilds a mutation record from the log entry for replay.
// The pre-image is gone; update replays carry only the post-image and
// the field delta.
func (l *LogRecord) Mutation() *MutationRecord {
	return &MutationRecord{
		ResumeToken:       l.ResumeToken,
		OperationType:     string(l.Operation),
		WallTime:          primitive.NewDateTimeFromTime(l.SourceTime),
		Namespace:         l.Namespace,
		DocumentKey:       l.DocumentKey,
		FullDocument:      l.Document,
		UpdateDescription: l.UpdateDescription,
	}
}

// Classified rebuilds the event identity carried by the log entry.
// Replayed deliveries keep the original event id so receivers can
// correlate them with the first delivery.
func (l *LogRecord) Classified() Event {
	return Event{
		ID:          l.ID,
		Type:        l.Type,
		EntityKind:  l.EntityKind,
		Collection:  l.Collection,
		Operation:   l.Operation,
		SourceTime:  l.SourceTime,
		ResumeToken: l.ResumeToken,
		Fingerprint: l.Fingerprint,
	}
}
