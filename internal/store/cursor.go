package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/errs"
)

// cursorDocID is the fixed id of the single cursor document. The
// document is overwritten in place on every save.
const cursorDocID = "changestream"

type cursorDoc struct {
	ID        string    `bson:"_id"`
	Token     bson.Raw  `bson:"token"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Cursor persists the change stream resume position.
type Cursor struct {
	c *Client
}

// Cursor returns the cursor repository.
func (c *Client) Cursor() *Cursor {
	return &Cursor{c: c}
}

// Load returns the persisted resume token, or nil when the relay has
// never saved one.
func (r *Cursor) Load(ctx context.Context) (bson.Raw, error) {
	defer r.c.observe(time.Now(), "cursor.load")

	var doc cursorDoc
	err := r.c.db.Collection(collCursor).
		FindOne(ctx, bson.M{"_id": cursorDocID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapCode(err, errs.Unavailable, "loading cursor")
	}
	return doc.Token, nil
}

// Save overwrites the resume token. A nil token is ignored; the cursor
// only ever moves forward.
func (r *Cursor) Save(ctx context.Context, token bson.Raw) error {
	if len(token) == 0 {
		return nil
	}
	defer r.c.observe(time.Now(), "cursor.save")

	_, err := r.c.db.Collection(collCursor).ReplaceOne(ctx,
		bson.M{"_id": cursorDocID},
		cursorDoc{ID: cursorDocID, Token: token, UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "saving cursor")
	}
	return nil
}
