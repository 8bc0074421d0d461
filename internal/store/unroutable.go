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

// UnroutableRecord is a mutation the pipeline gave up on: its
// classification or fan-out kept failing, or the queue was full in
// drop-on-overflow mode. The record is kept whole so an operator can
// inspect and re-inject it.
type UnroutableRecord struct {
	ID          string                `bson:"_id" json:"id"`
	Reason      string                `bson:"reason" json:"reason"`
	Attempts    int                   `bson:"attempts" json:"attempts"`
	ResumeToken bson.Raw              `bson:"resumeToken,omitempty" json:"-"`
	TokenData   string                `bson:"tokenData,omitempty" json:"tokenData,omitempty"`
	Record      *event.MutationRecord `bson:"record" json:"record"`
	RecordedAt  time.Time             `bson:"recordedAt" json:"recordedAt"`
}

// Unroutable is the per-record dead-letter log that unblocks the change
// stream when a single record cannot be processed.
type Unroutable struct {
	c *Client
}

// Unroutable returns the unroutable record repository.
func (c *Client) Unroutable() *Unroutable {
	return &Unroutable{c: c}
}

func (r *Unroutable) coll() *mongo.Collection {
	return r.c.db.Collection(collUnroutable)
}

// Add records one poisoned mutation.
func (r *Unroutable) Add(ctx context.Context, rec *event.MutationRecord, reason string, attempts int) error {
	defer r.c.observe(time.Now(), "unroutable.add")

	doc := &UnroutableRecord{
		ID:          "unr_" + event.Fingerprint(rec)[:24],
		Reason:      reason,
		Attempts:    attempts,
		ResumeToken: rec.ResumeToken,
		TokenData:   event.TokenData(rec.ResumeToken),
		Record:      rec,
		RecordedAt:  time.Now().UTC(),
	}
	_, err := r.coll().ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "recording unroutable mutation")
	}
	return nil
}

// List returns up to limit unroutable records, newest first.
func (r *Unroutable) List(ctx context.Context, limit int) ([]*UnroutableRecord, error) {
	defer r.c.observe(time.Now(), "unroutable.list")

	opts := options.Find().SetSort(bson.D{{Key: "recordedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "listing unroutable records")
	}
	var rows []*UnroutableRecord
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "decoding unroutable records")
	}
	return rows, nil
}
