package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/subscription"
)

// Subscriptions persists webhook subscriptions. It backs the registry's
// write-through cache.
type Subscriptions struct {
	c *Client
}

// Subscriptions returns the subscription repository.
func (c *Client) Subscriptions() *Subscriptions {
	return &Subscriptions{c: c}
}

func (r *Subscriptions) coll() *mongo.Collection {
	return r.c.db.Collection(collSubscriptions)
}

// List returns every persisted subscription.
func (r *Subscriptions) List(ctx context.Context) ([]*subscription.Subscription, error) {
	defer r.c.observe(time.Now(), "subscriptions.list")

	cur, err := r.coll().Find(ctx, bson.M{})
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "listing subscriptions")
	}
	var subs []*subscription.Subscription
	if err := cur.All(ctx, &subs); err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "decoding subscriptions")
	}
	return subs, nil
}

// Upsert inserts or replaces a subscription. Duplicate names hit the
// unique index and report already_exists.
func (r *Subscriptions) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	defer r.c.observe(time.Now(), "subscriptions.upsert")

	_, err := r.coll().ReplaceOne(ctx,
		bson.M{"_id": sub.ID}, sub,
		options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return errs.B().Code(errs.AlreadyExists).
			Msgf("a subscription named %q already exists", sub.Name).Err()
	}
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "storing subscription", "webhook", sub.ID)
	}
	return nil
}

// Delete removes a subscription by id.
func (r *Subscriptions) Delete(ctx context.Context, id string) error {
	defer r.c.observe(time.Now(), "subscriptions.delete")

	res, err := r.coll().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "deleting subscription", "webhook", id)
	}
	if res.DeletedCount == 0 {
		return errs.B().Code(errs.NotFound).Msgf("subscription %s not found", id).Err()
	}
	return nil
}

// RecordDelivery advances the persisted delivery counters.
func (r *Subscriptions) RecordDelivery(ctx context.Context, id string, success bool, errMsg string, at time.Time) error {
	defer r.c.observe(time.Now(), "subscriptions.record_delivery")

	inc := bson.M{"stats.totalDeliveries": 1}
	set := bson.M{"stats.lastDeliveryAt": at}
	if success {
		inc["stats.totalSucceeded"] = 1
		set["stats.lastError"] = ""
	} else {
		inc["stats.totalFailed"] = 1
		set["stats.lastError"] = errMsg
	}

	_, err := r.coll().UpdateByID(ctx, id, bson.M{"$inc": inc, "$set": set})
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "recording delivery counters", "webhook", id)
	}
	return nil
}
