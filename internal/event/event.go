// Package event defines the mutation records consumed from the document
// store's change feed and the business events derived from them.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Operation is the kind of mutation observed on a document.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Namespace identifies the database and collection a record belongs to.
type Namespace struct {
	Database   string `bson:"db" json:"db"`
	Collection string `bson:"coll" json:"coll"`
}

// TruncatedArray describes an array shrunk by an update.
type TruncatedArray struct {
	Field   string `bson:"field" json:"field"`
	NewSize int32  `bson:"newSize" json:"newSize"`
}

// UpdateDescription carries the field-level delta of an update operation.
type UpdateDescription struct {
	UpdatedFields   bson.M           `bson:"updatedFields,omitempty" json:"updatedFields,omitempty"`
	RemovedFields   []string         `bson:"removedFields,omitempty" json:"removedFields,omitempty"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty" json:"truncatedArrays,omitempty"`
}

// MutationRecord is one entry of the store's ordered mutation feed.
// The resume token is opaque and strictly ordered by the store.
type MutationRecord struct {
	ResumeToken              bson.Raw            `bson:"_id"`
	OperationType            string              `bson:"operationType"`
	ClusterTime              primitive.Timestamp `bson:"clusterTime"`
	WallTime                 primitive.DateTime  `bson:"wallTime,omitempty"`
	Namespace                Namespace           `bson:"ns"`
	DocumentKey              bson.M              `bson:"documentKey,omitempty"`
	FullDocument             bson.M              `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange,omitempty"`
	UpdateDescription        *UpdateDescription  `bson:"updateDescription,omitempty"`
}

// Op reports the record's operation kind.
func (r *MutationRecord) Op() Operation {
	return Operation(r.OperationType)
}

// IsDocumentOp reports whether the record is a document-level mutation,
// as opposed to a collection-level operation such as drop or rename.
func (r *MutationRecord) IsDocumentOp() bool {
	switch r.Op() {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Document returns the image to evaluate filters and projections against:
// the post-image when present, otherwise the pre-image. Deletes only
// carry a pre-image, and only when the collection exposes one.
func (r *MutationRecord) Document() bson.M {
	if r.FullDocument != nil {
		return r.FullDocument
	}
	return r.FullDocumentBeforeChange
}

// DocumentID reports the record's document key as a string.
func (r *MutationRecord) DocumentID() string {
	if r.DocumentKey == nil {
		return ""
	}
	return IDString(r.DocumentKey["_id"])
}

// SourceTime reports when the store committed the mutation.
func (r *MutationRecord) SourceTime() time.Time {
	if r.WallTime != 0 {
		return r.WallTime.Time().UTC()
	}
	return time.Unix(int64(r.ClusterTime.T), 0).UTC()
}

// An Event is the classified form of a mutation record.
type Event struct {
	// ID uniquely identifies one mutation. It embeds a time-ordered
	// component plus a digest of the resume token.
	ID          string
	Type        string
	EntityKind  string
	Collection  string
	Operation   Operation
	SourceTime  time.Time
	ResumeToken bson.Raw
	Fingerprint string
}

// New derives an Event from a classified mutation record.
func New(rec *MutationRecord, eventType, entityKind string) Event {
	return Event{
		ID:          NewID(rec.ResumeToken),
		Type:        eventType,
		EntityKind:  entityKind,
		Collection:  rec.Namespace.Collection,
		Operation:   rec.Op(),
		SourceTime:  rec.SourceTime(),
		ResumeToken: rec.ResumeToken,
		Fingerprint: Fingerprint(rec),
	}
}

// NewID mints an event id: "evt_" + a time-ordered unique id + the first
// 8 hex characters of the resume token digest, so ids remain unique even
// if two processes observe the same mutation.
func NewID(token bson.Raw) string {
	sum := sha256.Sum256(token)
	return "evt_" + xid.New().String() + "_" + hex.EncodeToString(sum[:4])
}

// Fingerprint computes a deterministic digest of what changed, used for
// best-effort deduplication: collection, operation, document key, and the
// sorted set of updated field names.
func Fingerprint(rec *MutationRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.Namespace.Collection))
	h.Write([]byte{0})
	h.Write([]byte(rec.OperationType))
	h.Write([]byte{0})
	h.Write([]byte(rec.DocumentID()))
	h.Write([]byte{0})

	if ud := rec.UpdateDescription; ud != nil {
		names := make([]string, 0, len(ud.UpdatedFields)+len(ud.RemovedFields))
		for name := range ud.UpdatedFields {
			names = append(names, name)
		}
		names = append(names, ud.RemovedFields...)
		sort.Strings(names)
		h.Write([]byte(strings.Join(names, ";")))
	}
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d.%d", rec.ClusterTime.T, rec.ClusterTime.I)

	return hex.EncodeToString(h.Sum(nil))
}

// TokenData extracts the store's printable token value for logging and
// payload metadata. Falls back to the hex encoding of the raw bytes.
func TokenData(token bson.Raw) string {
	if len(token) == 0 {
		return ""
	}
	if v, err := token.LookupErr("_data"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			return s
		}
	}
	return hex.EncodeToString(token)
}

// IDString renders an identifier-like value as a string. Object ids become
// their hex form; everything else uses its natural string rendering.
func IDString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case primitive.ObjectID:
		return id.Hex()
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}
