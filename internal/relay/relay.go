// Package relay orchestrates the pipeline: it consumes mutation records
// from the change source, classifies and routes them, fans deliveries
// out to the queue, and advances the cursor once a record's full fan-out
// is enqueued.
//
// The consumer is a single goroutine; fan-out across the subscriptions
// matched by one record runs in parallel. A record whose processing
// keeps failing is promoted to the unroutable log after a configurable
// number of attempts so one poisoned record cannot wedge the stream.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"hookrelay.dev/internal/classify"
	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/dispatch"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/health"
	"hookrelay.dev/internal/history"
	"hookrelay.dev/internal/queue"
	"hookrelay.dev/internal/router"
	"hookrelay.dev/internal/stats"
	"hookrelay.dev/internal/subscription"
	"hookrelay.dev/internal/transform"
)

// Stream is one open mutation feed, as the relay consumes it.
type Stream interface {
	Next(ctx context.Context) (*event.MutationRecord, error)
	Token() bson.Raw
	Close(ctx context.Context) error
}

// Source opens mutation streams.
type Source interface {
	Open(ctx context.Context, cursor bson.Raw) (Stream, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, cursor bson.Raw) (Stream, error)

func (f SourceFunc) Open(ctx context.Context, cursor bson.Raw) (Stream, error) {
	return f(ctx, cursor)
}

// CursorStore persists the resume position.
type CursorStore interface {
	Load(ctx context.Context) (bson.Raw, error)
	Save(ctx context.Context, token bson.Raw) error
}

// EventLog is the optional processed-event log used for deduplication,
// the events API, and replay.
type EventLog interface {
	Insert(ctx context.Context, rec *event.LogRecord) error
	Seen(ctx context.Context, sourceID, eventType, fingerprint string) (bool, error)
	Get(ctx context.Context, id string) (*event.LogRecord, error)
}

// UnroutableLog receives mutations the pipeline gave up on.
type UnroutableLog interface {
	Add(ctx context.Context, rec *event.MutationRecord, reason string, attempts int) error
}

// Config carries the relay tunables.
type Config struct {
	// MaxRecordAttempts is how many times one record's processing is
	// retried before promotion to the unroutable log.
	MaxRecordAttempts int
	// OnCursorExpired picks the recovery for an expired resume position:
	// "restart" reopens the stream from now, "fail" stops the relay.
	OnCursorExpired string
	// DropOnOverflow records the mutation to the unroutable log and
	// advances when the queue is full, instead of blocking the stream.
	DropOnOverflow bool
	// DefaultRetry applies to synthesized deliveries (test and replay)
	// and any subscription persisted without a policy.
	DefaultRetry subscription.RetryPolicy
	// DefaultTimeout bounds synthesized delivery attempts.
	DefaultTimeout time.Duration
}

// recordRetryWait separates attempts at processing the same record.
const recordRetryWait = 250 * time.Millisecond

// backpressureWait is how long a blocked fan-out waits before retrying
// a full queue.
const backpressureWait = 100 * time.Millisecond

// Service is the relay pipeline. Construct with New, wire the
// dead-letter replay with WireDeadLetterReplay, then Start.
type Service struct {
	cfg Config
	log zerolog.Logger

	source      Source
	cursor      CursorStore
	registry    *subscription.Registry
	router      *router.Router
	transformer *transform.Transformer
	queue       *queue.Queue
	dispatcher  *dispatch.Dispatcher
	history     *history.History
	recorder    queue.Recorder
	deadletter  *dlq.Queue
	events      EventLog // nil when the event log is disabled
	unroutable  UnroutableLog
	pipeline    *stats.Pipeline

	mu        sync.Mutex
	running   bool
	lastToken bson.Raw
	cancel    context.CancelFunc
	done      chan struct{}
}

// Deps bundles the collaborators the relay orchestrates.
type Deps struct {
	Source      Source
	Cursor      CursorStore
	Registry    *subscription.Registry
	Router      *router.Router
	Transformer *transform.Transformer
	Queue       *queue.Queue
	Dispatcher  *dispatch.Dispatcher
	History     *history.History
	DeadLetter  *dlq.Queue
	Events      EventLog
	Unroutable  UnroutableLog
	Pipeline    *stats.Pipeline
}

// New returns a stopped relay service.
func New(cfg Config, deps Deps, log zerolog.Logger) *Service {
	if cfg.MaxRecordAttempts < 1 {
		cfg.MaxRecordAttempts = 3
	}
	return &Service{
		cfg:         cfg,
		log:         log.With().Str("component", "relay").Logger(),
		source:      deps.Source,
		cursor:      deps.Cursor,
		registry:    deps.Registry,
		router:      deps.Router,
		transformer: deps.Transformer,
		queue:       deps.Queue,
		dispatcher:  deps.Dispatcher,
		history:     deps.History,
		recorder:    NewRecorder(deps.History, deps.Registry),
		deadletter:  deps.DeadLetter,
		events:      deps.Events,
		unroutable:  deps.Unroutable,
		pipeline:    deps.Pipeline,
	}
}

// NewRecorder returns the audit sink the delivery queue reports attempts
// to: every attempt lands in the history and advances the owning
// subscription's counters. Built standalone so the queue can be
// constructed before the relay that drives it.
func NewRecorder(h *history.History, reg *subscription.Registry) queue.Recorder {
	return &attemptRecorder{history: h, registry: reg}
}

type attemptRecorder struct {
	history  *history.History
	registry *subscription.Registry
}

func (r *attemptRecorder) Record(ctx context.Context, a *delivery.Attempt) {
	r.history.Record(ctx, a)
	r.registry.RecordDelivery(ctx, a.WebhookID, a.Success, a.Error)
}

// Start opens the change stream at the persisted cursor and launches
// the consumer. The queue and dead-letter queue must be started by the
// caller before Start; the relay only drives the stream.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errs.B().Code(errs.FailedPrecondition).Msg("relay already started").Err()
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	token, err := s.cursor.Load(ctx)
	if err != nil {
		return err
	}

	stream, err := s.open(ctx, token)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.lastToken = token
	s.mu.Unlock()

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchRegistry(runCtx)
		}()
		s.consume(runCtx, stream)
		wg.Wait()
	}()

	s.log.Info().Msg("relay started")
	return nil
}

// watchRegistry drains the registry's change notifications. Routing
// reads a fresh snapshot per record, so a change needs no invalidation
// here; the notification is surfaced for operators watching the logs.
func (s *Service) watchRegistry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.registry.Changed():
			active := true
			s.log.Debug().
				Int("subscriptions", s.registry.Count(subscription.Filter{})).
				Int("active", s.registry.Count(subscription.Filter{Active: &active})).
				Msg("subscription set changed")
		}
	}
}

// open starts the stream, applying the configured recovery when the
// persisted cursor has expired.
func (s *Service) open(ctx context.Context, token bson.Raw) (Stream, error) {
	stream, err := s.source.Open(ctx, token)
	if err == nil {
		return stream, nil
	}
	if errs.Code(err) == errs.DataLoss && s.cfg.OnCursorExpired == "restart" && len(token) > 0 {
		s.log.Warn().Msg("cursor expired; restarting stream from now, intervening mutations are lost")
		return s.source.Open(ctx, nil)
	}
	return nil, err
}

// Stop closes the source, lets the queue drain within the force
// context's deadline, and flushes the cursor last.
func (s *Service) Stop(force context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	grace := 30 * time.Second
	if deadline, ok := force.Deadline(); ok {
		grace = time.Until(deadline)
	}
	if err := s.queue.Stop(grace); err != nil {
		s.log.Warn().Err(err).Msg("delivery queue did not drain cleanly")
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	s.flushCursor(flushCtx)
	s.log.Info().Msg("relay stopped")
}

// Running reports whether the consumer is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// HealthCheck reports the consumer state for the health registry.
func (s *Service) HealthCheck(ctx context.Context) []health.CheckResult {
	var err error
	if !s.Running() {
		err = errs.B().Code(errs.Unavailable).Msg("relay consumer is not running").Err()
	}
	return []health.CheckResult{{Name: "relay.consumer", Err: err}}
}

// consume is the single consumer loop: read a record, process it to
// completion, advance the cursor.
func (s *Service) consume(ctx context.Context, stream Stream) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stream.Close(closeCtx)
	}()

	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errs.Code(err) == errs.DataLoss {
				if s.cfg.OnCursorExpired == "restart" {
					s.log.Warn().Msg("cursor expired mid-stream; restarting from now")
					next, openErr := s.source.Open(ctx, nil)
					if openErr != nil {
						s.log.Error().Err(openErr).Msg("reopening change stream failed; relay halted")
						return
					}
					stream = next
					continue
				}
				s.log.Error().Err(err).Msg("cursor expired; relay halted pending operator action")
				return
			}
			s.log.Error().Err(err).Msg("change stream failed; relay halted")
			return
		}

		if !rec.IsDocumentOp() {
			// The server-side match stage filters these; a surprise is
			// advanced past without fan-out.
			s.advanceCursor(ctx, stream.Token())
			continue
		}

		if err := s.processWithRetry(ctx, rec); err != nil {
			// Only cancellation reaches here; the cursor stays put so
			// the record is re-delivered on restart.
			return
		}
		s.advanceCursor(ctx, stream.Token())
	}
}

// processWithRetry runs process up to MaxRecordAttempts times, then
// promotes the record to the unroutable log so the stream can move on.
func (s *Service) processWithRetry(ctx context.Context, rec *event.MutationRecord) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRecordAttempts; attempt++ {
		err := s.process(ctx, rec)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		s.router.RecordError()
		s.pipeline.RoutingError()
		s.log.Warn().Err(err).
			Str("token", event.TokenData(rec.ResumeToken)).
			Str("collection", rec.Namespace.Collection).
			Int("attempt", attempt).
			Msg("record processing failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(recordRetryWait):
		}
	}

	s.pipeline.RecordPoisoned()
	s.log.Error().Err(lastErr).
		Str("token", event.TokenData(rec.ResumeToken)).
		Msg("record promoted to unroutable log after repeated failures")
	if err := s.unroutable.Add(ctx, rec, lastErr.Error(), s.cfg.MaxRecordAttempts); err != nil {
		s.log.Error().Err(err).Msg("recording unroutable mutation failed; record dropped")
	}
	return nil
}

// process runs the full pipeline for one record: classify, dedupe,
// route, fan out, log. Returning nil means every matching subscription
// has its delivery enqueued (or the record was consciously dropped) and
// the cursor may advance.
func (s *Service) process(ctx context.Context, rec *event.MutationRecord) error {
	s.pipeline.EventSeen()

	cls := classify.Classify(rec)
	ev := event.New(rec, cls.EventType, cls.EntityKind)

	if s.events != nil {
		seen, err := s.events.Seen(ctx, rec.DocumentID(), ev.Type, ev.Fingerprint)
		if err != nil {
			// Dedup is best-effort; an unreachable log must not stall
			// the stream.
			s.log.Error().Err(err).Str("event", ev.ID).Msg("dedup lookup failed; processing anyway")
		} else if seen {
			s.pipeline.EventDeduplicated()
			s.log.Debug().Str("event", ev.ID).Str("type", ev.Type).Msg("duplicate event skipped")
			return nil
		}
	}

	matched := s.router.Route(rec, ev, s.registry.Snapshot())
	if len(matched) == 0 {
		s.pipeline.EventDropped()
	} else {
		s.pipeline.EventMatched()
		if err := s.fanOut(ctx, rec, ev, cls.Priority, matched); err != nil {
			if s.cfg.DropOnOverflow && errs.Code(err) == errs.ResourceExhausted {
				s.log.Warn().Str("event", ev.ID).Str("type", ev.Type).
					Msg("delivery queue full; mutation dropped to unroutable log")
				if uerr := s.unroutable.Add(ctx, rec, "delivery queue full", 1); uerr != nil {
					s.log.Error().Err(uerr).Msg("recording overflow-dropped mutation failed; record lost")
				}
				return nil
			}
			return err
		}
	}

	if s.events != nil {
		if err := s.events.Insert(ctx, event.NewLogRecord(rec, ev, len(matched))); err != nil {
			if errs.Code(err) == errs.AlreadyExists {
				// Another relay completed this record concurrently;
				// receivers see a duplicate, which the contract allows.
				s.pipeline.EventDeduplicated()
			} else {
				s.log.Error().Err(err).Str("event", ev.ID).Msg("event log write failed; row lost")
			}
		}
	}
	return nil
}

// fanOut builds and enqueues one delivery per matched subscription, in
// parallel. Any enqueue or transform failure fails the whole record so
// the retry path can run it again.
func (s *Service) fanOut(ctx context.Context, rec *event.MutationRecord, ev event.Event, pri delivery.Priority, matched []*subscription.Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			item, err := s.buildItem(rec, ev, pri, sub)
			if err != nil {
				return err
			}
			return s.enqueue(gctx, item)
		})
	}
	return g.Wait()
}

// buildItem projects the mutation into the subscription's payload and
// wraps it in a delivery item.
func (s *Service) buildItem(rec *event.MutationRecord, ev event.Event, pri delivery.Priority, sub *subscription.Subscription) (*delivery.Item, error) {
	deliveryID := delivery.NewID()
	retry := sub.Retry.Resolve()
	if retry.MaxAttempts == 0 {
		retry = s.cfg.DefaultRetry.Resolve()
	}

	payload, err := s.transformer.Transform(rec, ev, sub, transform.DeliveryInfo{
		ID:          deliveryID,
		Attempt:     1,
		MaxAttempts: retry.MaxAttempts,
	})
	if err != nil {
		return nil, errs.WrapCode(err, errs.Internal, "transforming payload", "webhook", sub.ID)
	}
	body, err := transform.Marshal(payload)
	if err != nil {
		return nil, errs.WrapCode(err, errs.Internal, "encoding payload", "webhook", sub.ID)
	}

	timeout := sub.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	return &delivery.Item{
		ID:          deliveryID,
		WebhookID:   sub.ID,
		WebhookName: sub.Name,
		EventID:     ev.ID,
		EventType:   ev.Type,
		Payload:     body,
		URL:         sub.URL,
		Headers:     sub.Headers,
		Secret:      sub.Secret,
		Timeout:     timeout,
		Priority:    pri,
		Retry:       retry,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// enqueue hands the item to the queue, applying the configured
// backpressure policy when the queue is full: block-and-retry by
// default, or record-and-advance when DropOnOverflow is set.
func (s *Service) enqueue(ctx context.Context, item *delivery.Item) error {
	for {
		err := s.queue.Enqueue(item)
		if err == nil {
			return nil
		}
		if errs.Code(err) != errs.ResourceExhausted {
			return err
		}
		if s.cfg.DropOnOverflow {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressureWait):
		}
	}
}

// advanceCursor persists the resume position after a record is fully
// fanned out. Write failures are logged and tolerated: the record is
// re-delivered after a restart and deduplication absorbs the replay.
func (s *Service) advanceCursor(ctx context.Context, token bson.Raw) {
	s.mu.Lock()
	s.lastToken = token
	s.mu.Unlock()

	if err := s.cursor.Save(ctx, token); err != nil {
		s.log.Error().Err(err).Msg("saving cursor failed; mutation may replay after restart")
	}
}

// flushCursor persists the most recent token one final time at
// shutdown.
func (s *Service) flushCursor(ctx context.Context) {
	s.mu.Lock()
	token := s.lastToken
	s.mu.Unlock()

	if len(token) == 0 {
		return
	}
	if err := s.cursor.Save(ctx, token); err != nil {
		s.log.Error().Err(err).Msg("final cursor flush failed")
	}
}
