package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
)

// defaultEventsLimit caps event listings when the caller does not set one.
const defaultEventsLimit = 50

// Events is the optional event log: one row per processed mutation,
// unique on (sourceId, eventType, fingerprint) for deduplication.
type Events struct {
	c *Client
}

// Events returns the event log repository.
func (c *Client) Events() *Events {
	return &Events{c: c}
}

func (r *Events) coll() *mongo.Collection {
	return r.c.db.Collection(collEvents)
}

// Insert appends one event log record. A record whose fingerprint
// collides with an already-processed event reports already_exists; the
// pipeline counts it as a duplicate.
func (r *Events) Insert(ctx context.Context, rec *event.LogRecord) error {
	defer r.c.observe(time.Now(), "events.insert")

	_, err := r.coll().InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return errs.B().Code(errs.AlreadyExists).
			Msg("event already processed").
			Meta("event", rec.ID, "fingerprint", rec.Fingerprint).
			Err()
	}
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "inserting event log record", "event", rec.ID)
	}
	return nil
}

// Seen reports whether an event with the same source document, type,
// and fingerprint has already been fully processed. The pipeline checks
// it before fanning out a record the restart path may be replaying.
func (r *Events) Seen(ctx context.Context, sourceID, eventType, fingerprint string) (bool, error) {
	defer r.c.observe(time.Now(), "events.seen")

	err := r.coll().FindOne(ctx, bson.M{
		"sourceId":    sourceID,
		"eventType":   eventType,
		"fingerprint": fingerprint,
	}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapCode(err, errs.Unavailable, "checking event fingerprint")
	}
	return true, nil
}

// Get returns one event log record by id.
func (r *Events) Get(ctx context.Context, id string) (*event.LogRecord, error) {
	defer r.c.observe(time.Now(), "events.get")

	var rec event.LogRecord
	err := r.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, errs.B().Code(errs.NotFound).Msgf("event %s not found", id).Err()
	}
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "loading event", "event", id)
	}
	return &rec, nil
}

// EventQuery narrows List results.
type EventQuery struct {
	EventType  string
	Collection string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// List returns event log records, newest first.
func (r *Events) List(ctx context.Context, q EventQuery) ([]*event.LogRecord, error) {
	defer r.c.observe(time.Now(), "events.list")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "processedAt", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(q.Offset))

	cur, err := r.coll().Find(ctx, eventFilter(q), opts)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "listing events")
	}
	var rows []*event.LogRecord
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "decoding events")
	}
	return rows, nil
}

// Count reports how many event log records match the query.
func (r *Events) Count(ctx context.Context, q EventQuery) (int64, error) {
	defer r.c.observe(time.Now(), "events.count")

	n, err := r.coll().CountDocuments(ctx, eventFilter(q))
	if err != nil {
		return 0, errs.WrapCode(err, errs.Unavailable, "counting events")
	}
	return n, nil
}

func eventFilter(q EventQuery) bson.M {
	filter := bson.M{}
	if q.EventType != "" {
		filter["eventType"] = q.EventType
	}
	if q.Collection != "" {
		filter["collection"] = q.Collection
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		rng := bson.M{}
		if !q.From.IsZero() {
			rng["$gte"] = q.From
		}
		if !q.To.IsZero() {
			rng["$lte"] = q.To
		}
		filter["processedAt"] = rng
	}
	return filter
}
