package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/history"
)

// defaultAttemptsLimit caps attempt listings when the caller does not
// set one.
const defaultAttemptsLimit = 50

// Attempts is the append-only delivery attempt audit collection.
type Attempts struct {
	c *Client
}

// Attempts returns the attempt repository.
func (c *Client) Attempts() *Attempts {
	return &Attempts{c: c}
}

func (r *Attempts) coll() *mongo.Collection {
	return r.c.db.Collection(collAttempts)
}

// Insert appends one attempt record.
func (r *Attempts) Insert(ctx context.Context, a *delivery.Attempt) error {
	defer r.c.observe(time.Now(), "attempts.insert")

	if _, err := r.coll().InsertOne(ctx, a); err != nil {
		return errs.WrapCode(err, errs.Unavailable, "inserting delivery attempt", "delivery", a.DeliveryID)
	}
	return nil
}

// List returns attempts for a webhook, newest first.
func (r *Attempts) List(ctx context.Context, webhookID string, q history.Query) ([]*delivery.Attempt, error) {
	defer r.c.observe(time.Now(), "attempts.list")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultAttemptsLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(q.Offset))

	cur, err := r.coll().Find(ctx, attemptFilter(webhookID, q), opts)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "listing delivery attempts", "webhook", webhookID)
	}
	var rows []*delivery.Attempt
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "decoding delivery attempts")
	}
	return rows, nil
}

// Count reports how many attempts match the query.
func (r *Attempts) Count(ctx context.Context, webhookID string, q history.Query) (int64, error) {
	defer r.c.observe(time.Now(), "attempts.count")

	n, err := r.coll().CountDocuments(ctx, attemptFilter(webhookID, q))
	if err != nil {
		return 0, errs.WrapCode(err, errs.Unavailable, "counting delivery attempts", "webhook", webhookID)
	}
	return n, nil
}

func attemptFilter(webhookID string, q history.Query) bson.M {
	filter := bson.M{"webhookId": webhookID}
	if q.Success != nil {
		filter["success"] = *q.Success
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		rng := bson.M{}
		if !q.From.IsZero() {
			rng["$gte"] = q.From
		}
		if !q.To.IsZero() {
			rng["$lte"] = q.To
		}
		filter["startedAt"] = rng
	}
	return filter
}
