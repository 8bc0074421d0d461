// Package changestream is the relay's change source: an infinite,
// resumable, ordered stream of mutation records from the document
// store's change feed.
//
// Transient stream errors reconnect from the last delivered token with
// jittered exponential backoff. A cursor that has aged out of the
// store's history cannot be resumed; that case surfaces as
// ErrCursorExpired so the operator (or configuration) chooses between
// restarting from now and failing loudly.
package changestream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
)

// ErrCursorExpired reports that the stream's resume position has aged
// out of the store's history and the feed cannot continue from it.
var ErrCursorExpired = errs.B().Code(errs.DataLoss).
	Msg("change stream cursor has expired and cannot be resumed").Err()

// historyLostCodes are the server error codes that mean the resume
// position is gone for good. Reconnecting cannot help.
var historyLostCodes = []int{280, 286} // ChangeStreamFatalError, ChangeStreamHistoryLost

// Config carries the source tunables.
type Config struct {
	// Collections restricts the stream to the named collections.
	// Empty watches every collection in the database.
	Collections []string
	// MaxReconnectInterval caps the backoff between reconnect attempts.
	MaxReconnectInterval time.Duration
}

// Source opens mutation streams against one database.
type Source struct {
	cfg Config
	db  *mongo.Database
	log zerolog.Logger
}

// New returns a source reading from db.
func New(cfg Config, db *mongo.Database, log zerolog.Logger) *Source {
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	return &Source{
		cfg: cfg,
		db:  db,
		log: log.With().Str("component", "changestream").Logger(),
	}
}

// Open starts the stream. A nil cursor starts from now; otherwise the
// stream resumes after the given token. An expired cursor reports
// ErrCursorExpired.
func (s *Source) Open(ctx context.Context, cursor bson.Raw) (*Stream, error) {
	cs, err := s.watch(ctx, cursor)
	if err != nil {
		if isHistoryLost(err) {
			return nil, ErrCursorExpired
		}
		return nil, errs.WrapCode(err, errs.Unavailable, "opening change stream")
	}

	s.log.Info().
		Bool("resumed", len(cursor) > 0).
		Strs("collections", s.cfg.Collections).
		Msg("change stream open")

	return &Stream{
		source:    s,
		cs:        cs,
		lastToken: cursor,
	}, nil
}

// watch issues one Watch call against the database.
func (s *Source) watch(ctx context.Context, cursor bson.Raw) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	if len(cursor) > 0 {
		opts.SetResumeAfter(cursor)
	}
	return s.db.Watch(ctx, s.pipeline(), opts)
}

// pipeline builds the server-side match stage: document-level operations
// only, optionally restricted to the configured collections.
func (s *Source) pipeline() mongo.Pipeline {
	match := bson.D{
		{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "delete"}}},
	}
	if len(s.cfg.Collections) > 0 {
		match = append(match, bson.E{Key: "ns.coll", Value: bson.M{"$in": s.cfg.Collections}})
	}
	return mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
}

// Stream is one open mutation feed. Not safe for concurrent use; the
// pipeline runs a single consumer.
type Stream struct {
	source    *Source
	cs        *mongo.ChangeStream
	lastToken bson.Raw
}

// Next blocks until the next mutation record arrives, the context is
// cancelled, or the stream fails unrecoverably. Transient errors
// reconnect internally; Next only returns an error when the feed cannot
// continue.
func (st *Stream) Next(ctx context.Context) (*event.MutationRecord, error) {
	for {
		if st.cs.Next(ctx) {
			var rec event.MutationRecord
			if err := st.cs.Decode(&rec); err != nil {
				// A record the driver cannot decode is poison at the
				// wire layer; skip it rather than wedge the stream.
				st.source.log.Error().Err(err).Msg("undecodable change record skipped")
				st.lastToken = st.cs.ResumeToken()
				continue
			}
			st.lastToken = st.cs.ResumeToken()
			return &rec, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := st.cs.Err()
		if isHistoryLost(err) {
			return nil, ErrCursorExpired
		}

		st.source.log.Warn().Err(err).Msg("change stream interrupted; reconnecting")
		if err := st.reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

// reconnect replaces the underlying stream, resuming after the last
// token delivered to the pipeline. Retries with jittered exponential
// backoff until the context is cancelled or the cursor turns out to be
// expired.
func (st *Stream) reconnect(ctx context.Context) error {
	_ = st.cs.Close(context.Background())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = st.source.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = 0 // retry until cancelled

	cs, err := backoff.RetryWithData(func() (*mongo.ChangeStream, error) {
		cs, err := st.source.watch(ctx, st.lastToken)
		if isHistoryLost(err) {
			return nil, backoff.Permanent(ErrCursorExpired)
		}
		if err != nil {
			st.source.log.Debug().Err(err).Msg("change stream reconnect attempt failed")
		}
		return cs, err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			return ErrCursorExpired
		}
		return errs.WrapCode(err, errs.Unavailable, "reconnecting change stream")
	}

	st.cs = cs
	st.source.log.Info().Msg("change stream reconnected")
	return nil
}

// Token reports the resume token of the most recently delivered record.
func (st *Stream) Token() bson.Raw {
	return st.lastToken
}

// Close tears the stream down.
func (st *Stream) Close(ctx context.Context) error {
	return st.cs.Close(ctx)
}

// isHistoryLost reports whether err means the resume position is gone
// from the store's history.
func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range historyLostCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}
