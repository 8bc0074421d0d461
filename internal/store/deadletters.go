package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
)

// DeadLetters mirrors the in-memory dead-letter queue to the store.
type DeadLetters struct {
	c *Client
}

// DeadLetters returns the dead-letter repository.
func (c *Client) DeadLetters() *DeadLetters {
	return &DeadLetters{c: c}
}

func (r *DeadLetters) coll() *mongo.Collection {
	return r.c.db.Collection(collDeadLetters)
}

// Upsert inserts or replaces an entry.
func (r *DeadLetters) Upsert(ctx context.Context, e *dlq.Entry) error {
	defer r.c.observe(time.Now(), "deadletters.upsert")

	_, err := r.coll().ReplaceOne(ctx,
		bson.M{"_id": e.ID}, e,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "storing dead letter entry", "delivery", e.ID)
	}
	return nil
}

// Delete removes an entry. Deleting an absent entry is not an error;
// the in-memory queue is the authority on membership.
func (r *DeadLetters) Delete(ctx context.Context, id string) error {
	defer r.c.observe(time.Now(), "deadletters.delete")

	if _, err := r.coll().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errs.WrapCode(err, errs.Unavailable, "deleting dead letter entry", "delivery", id)
	}
	return nil
}

// Clear drops every entry and reports how many went.
func (r *DeadLetters) Clear(ctx context.Context) (int64, error) {
	defer r.c.observe(time.Now(), "deadletters.clear")

	res, err := r.coll().DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, errs.WrapCode(err, errs.Unavailable, "clearing dead letter entries")
	}
	return res.DeletedCount, nil
}

// List returns up to limit entries, newest first.
func (r *DeadLetters) List(ctx context.Context, limit int) ([]*dlq.Entry, error) {
	defer r.c.observe(time.Now(), "deadletters.list")

	opts := options.Find().SetSort(bson.D{{Key: "deadLetteredAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "listing dead letter entries")
	}
	var rows []*dlq.Entry
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "decoding dead letter entries")
	}
	return rows, nil
}
