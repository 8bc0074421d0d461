// Package store is the document store layer: connection bootstrap,
// index management, and one repository per persisted collection.
//
// Repositories are thin: they translate between domain types and the
// store's documents and classify driver errors into errs codes. All
// methods take a context and respect its deadline.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/health"
)

// Collection names.
const (
	collSubscriptions = "subscriptions"
	collAttempts      = "delivery_attempts"
	collEvents        = "events"
	collDeadLetters   = "dead_letter_queue"
	collCursor        = "cursor"
	collUnroutable    = "unroutable"
)

// slowOpThreshold is how long a store call may take before it is logged.
const slowOpThreshold = 250 * time.Millisecond

// Config carries the store connection settings.
type Config struct {
	URL      string
	Database string
}

// Client owns the driver connection and hands out repositories.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the store and verifies it responds. The returned client
// must be closed with Close.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URL).
		SetAppName("hookrelayd")

	cl, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "connecting to document store")
	}
	if err := cl.Ping(ctx, readpref.Primary()); err != nil {
		_ = cl.Disconnect(context.Background())
		return nil, errs.WrapCode(err, errs.Unavailable, "document store unreachable")
	}

	c := &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "store").Logger(),
		client: cl,
		db:     cl.Database(cfg.Database),
	}
	c.log.Info().Str("database", cfg.Database).Msg("document store connected")
	return c, nil
}

// Close releases the connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Database exposes the underlying handle for the change stream source.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// HealthCheck reports whether the store answers a ping.
func (c *Client) HealthCheck(ctx context.Context) []health.CheckResult {
	err := c.client.Ping(ctx, readpref.Primary())
	return []health.CheckResult{{Name: "document-store", Err: err}}
}

// EnsureIndexes creates the indexes every repository relies on. Safe to
// call repeatedly; existing indexes are left alone.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	type indexSet struct {
		coll   string
		models []mongo.IndexModel
	}
	sets := []indexSet{
		{collSubscriptions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{collAttempts, []mongo.IndexModel{
			{Keys: bson.D{{Key: "webhookId", Value: 1}, {Key: "startedAt", Value: -1}}},
			{Keys: bson.D{{Key: "eventId", Value: 1}}},
		}},
		{collEvents, []mongo.IndexModel{
			{Keys: bson.D{{Key: "sourceId", Value: 1}, {Key: "eventType", Value: 1}, {Key: "fingerprint", Value: 1}},
				Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "processedAt", Value: -1}}},
		}},
		{collDeadLetters, []mongo.IndexModel{
			{Keys: bson.D{{Key: "deadLetteredAt", Value: -1}}},
			{Keys: bson.D{{Key: "item.webhookId", Value: 1}}},
			{Keys: bson.D{{Key: "item.eventType", Value: 1}}},
		}},
		{collUnroutable, []mongo.IndexModel{
			{Keys: bson.D{{Key: "recordedAt", Value: -1}}},
		}},
	}

	for _, set := range sets {
		if _, err := c.db.Collection(set.coll).Indexes().CreateMany(ctx, set.models); err != nil {
			return errs.WrapCode(err, errs.Unavailable, "creating indexes", "collection", set.coll)
		}
	}
	c.log.Debug().Msg("store indexes ensured")
	return nil
}

// observe logs store calls that exceed the slow-op threshold.
func (c *Client) observe(start time.Time, op string) {
	if d := time.Since(start); d > slowOpThreshold {
		c.log.Warn().Str("op", op).Dur("took", d).Msg("slow store operation")
	}
}
