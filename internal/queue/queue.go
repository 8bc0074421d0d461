// Package queue implements the bounded multi-priority delivery queue.
//
// Items wait in three FIFO sub-queues, one per priority. A single
// dispatcher loop polls on a fixed interval, popping the highest-priority
// eligible head and handing it to a bounded pool of delivery workers.
// Failed attempts reschedule with exponential backoff until the item's
// attempt budget is spent, at which point the item is dead-lettered.
//
// Item state machine:
//
//	queued → processing → (completed | scheduled | dead_lettered)
//	scheduled → queued   (when the next-attempt time elapses)
//
// The queue owns items exclusively from enqueue until a terminal
// outcome. Dead-lettered items re-enter only through an explicit
// operator retry, which enqueues a re-armed copy.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/stats"
)

// Dispatcher executes one HTTP delivery attempt.
type Dispatcher interface {
	Attempt(ctx context.Context, item *delivery.Item) delivery.Outcome
}

// Recorder persists per-attempt audit records. Implementations must not
// return errors into the delivery path; persistence failures are theirs
// to log and swallow.
type Recorder interface {
	Record(ctx context.Context, attempt *delivery.Attempt)
}

// DeadLetterer accepts deliveries whose attempts are spent.
type DeadLetterer interface {
	Add(ctx context.Context, item *delivery.Item, reason string) error
}

// Config carries the queue tunables.
type Config struct {
	// MaxSize bounds the number of items waiting across all sub-queues.
	MaxSize int
	// MaxConcurrent bounds the number of items in processing at once.
	MaxConcurrent int
	// ProcessingInterval is the dispatcher poll period.
	ProcessingInterval time.Duration
	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout time.Duration
	// MaxRetryDelay caps the computed backoff between attempts.
	MaxRetryDelay time.Duration
}

// Queue is the delivery queue. Construct with New, then Start.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher
	recorder   Recorder
	deadletter DeadLetterer
	pipeline   *stats.Pipeline
	log        zerolog.Logger

	mu       sync.Mutex
	queues   [3][]*delivery.Item // index 0 is High
	waiting  int
	inflight map[string]*delivery.Item
	stopped  bool
	started  bool

	completed    atomic.Int64
	deadLettered atomic.Int64

	// loopCtx stops the dispatcher loop; attemptCtx cancels in-flight
	// attempts after the stop grace expires.
	loopCtx       context.Context
	loopCancel    context.CancelFunc
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	loopDone      chan struct{}
	workers       chan struct{}
	wg            sync.WaitGroup
}

// New returns a stopped queue.
func New(cfg Config, dispatcher Dispatcher, recorder Recorder, deadletter DeadLetterer, pipeline *stats.Pipeline, log zerolog.Logger) *Queue {
	return &Queue{
		cfg:        cfg,
		dispatcher: dispatcher,
		recorder:   recorder,
		deadletter: deadletter,
		pipeline:   pipeline,
		log:        log.With().Str("component", "queue").Logger(),
		inflight:   make(map[string]*delivery.Item),
		workers:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start launches the dispatcher loop. Starting a started queue is an
// error.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started && !q.stopped {
		return errs.B().Code(errs.FailedPrecondition).Msg("queue already started").Err()
	}

	q.loopCtx, q.loopCancel = context.WithCancel(context.Background())
	q.attemptCtx, q.attemptCancel = context.WithCancel(context.Background())
	q.loopDone = make(chan struct{})
	q.started = true
	q.stopped = false

	go q.run()
	q.log.Info().
		Int("max_size", q.cfg.MaxSize).
		Int("max_concurrent", q.cfg.MaxConcurrent).
		Dur("interval", q.cfg.ProcessingInterval).
		Msg("delivery queue started")
	return nil
}

// Stop rejects new enqueues, lets in-flight deliveries finish within
// grace, then cancels whatever remains. Items still waiting stay in the
// sub-queues; the caller decides whether to persist them.
func (q *Queue) Stop(grace time.Duration) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	q.loopCancel()
	<-q.loopDone

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.attemptCancel()
		q.log.Info().Msg("delivery queue drained")
		return nil
	case <-time.After(grace):
		q.attemptCancel()
		<-done
		q.log.Warn().Dur("grace", grace).Msg("delivery queue stop grace expired; in-flight attempts cancelled")
		return errs.B().Code(errs.DeadlineExceeded).Msg("queue stop grace expired").Err()
	}
}

// Enqueue adds an item to its priority sub-queue. It reports
// resource_exhausted when the queue is at capacity and unavailable when
// the queue is stopped.
func (q *Queue) Enqueue(item *delivery.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || !q.started {
		return errs.B().Code(errs.Unavailable).Msg("delivery queue is not accepting items").Err()
	}
	if q.waiting >= q.cfg.MaxSize {
		q.pipeline.QueueFullRejected()
		return errs.B().Code(errs.ResourceExhausted).
			Msgf("delivery queue is full (%d items)", q.waiting).
			Meta("delivery", item.ID, "webhook", item.WebhookID).
			Err()
	}

	if !item.Priority.Valid() {
		item.Priority = delivery.Low
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Eligible(time.Now()) {
		item.Status = delivery.StatusQueued
	} else {
		item.Status = delivery.StatusScheduled
	}

	idx := int(item.Priority) - 1
	q.queues[idx] = append(q.queues[idx], item)
	q.waiting++
	q.pipeline.Enqueued()

	q.log.Debug().
		Str("delivery", item.ID).
		Str("webhook", item.WebhookID).
		Str("priority", item.Priority.String()).
		Msg("delivery enqueued")
	return nil
}

// run is the dispatcher loop: every ProcessingInterval it hands as many
// eligible items to workers as the concurrency bound allows.
func (q *Queue) run() {
	defer close(q.loopDone)

	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.loopCtx.Done():
			return
		case <-ticker.C:
			q.dispatchReady()
		}
	}
}

func (q *Queue) dispatchReady() {
	for {
		select {
		case q.workers <- struct{}{}:
		default:
			return // all workers busy
		}

		item := q.pickNext(time.Now())
		if item == nil {
			<-q.workers
			return
		}

		q.wg.Add(1)
		go q.process(item)
	}
}

// pickNext scans the sub-queues from high to low priority and pops the
// first eligible head. An ineligible head is rotated to its tail so
// scheduled items cannot block ready items behind them.
func (q *Queue) pickNext(now time.Time) *delivery.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx := 0; idx < len(q.queues); idx++ {
		sub := q.queues[idx]
		if len(sub) == 0 {
			continue
		}
		head := sub[0]
		if !head.Eligible(now) {
			q.queues[idx] = append(sub[1:], head)
			continue
		}
		q.queues[idx] = sub[1:]
		q.waiting--
		head.Status = delivery.StatusProcessing
		q.inflight[head.ID] = head
		return head
	}
	return nil
}

// process runs one delivery attempt and routes the item to its next
// state.
func (q *Queue) process(item *delivery.Item) {
	defer q.wg.Done()
	defer func() { <-q.workers }()

	item.Attempts++
	started := time.Now().UTC()
	outcome := q.attemptWithTimeout(item)

	q.pipeline.ObserveDelivery(outcome.Duration)

	rec := &delivery.Attempt{
		DeliveryID: item.ID,
		WebhookID:  item.WebhookID,
		EventID:    item.EventID,
		EventType:  item.EventType,
		Attempt:    item.Attempts,
		StartedAt:  started,
		DurationMs: outcome.Duration.Milliseconds(),
		Success:    outcome.Success,
		StatusCode: outcome.StatusCode,
		Error:      outcome.Error,
		ErrorKind:  outcome.ErrorKind,
		BodyPrefix: outcome.BodyPrefix,
	}

	switch {
	case outcome.Success:
		q.finish(item, rec)
	case item.Exhausted():
		q.toDeadLetter(item, rec, outcome)
	default:
		q.reschedule(item, rec, outcome)
	}
}

// attemptWithTimeout bounds the attempt by DeliveryTimeout. Expiry
// yields the synthetic timeout outcome, which follows the normal retry
// path.
func (q *Queue) attemptWithTimeout(item *delivery.Item) delivery.Outcome {
	timeout := q.cfg.DeliveryTimeout
	if item.Timeout > 0 && item.Timeout < timeout {
		timeout = item.Timeout
	}
	ctx, cancel := context.WithTimeout(q.attemptCtx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan delivery.Outcome, 1)
	go func() {
		done <- q.dispatcher.Attempt(ctx, item)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return delivery.Outcome{
			Success:    false,
			StatusCode: 408,
			Duration:   time.Since(start),
			Error:      "Delivery attempt timeout",
			ErrorKind:  "timeout",
			Retryable:  true,
		}
	}
}

func (q *Queue) finish(item *delivery.Item, rec *delivery.Attempt) {
	q.mu.Lock()
	delete(q.inflight, item.ID)
	q.mu.Unlock()

	item.Status = delivery.StatusCompleted
	item.LastError = ""
	q.completed.Add(1)
	q.pipeline.Completed()
	q.recorder.Record(q.attemptCtx, rec)

	q.log.Info().
		Str("delivery", item.ID).
		Str("webhook", item.WebhookID).
		Int("attempt", item.Attempts).
		Int("status", rec.StatusCode).
		Msg("delivery completed")
}

func (q *Queue) reschedule(item *delivery.Item, rec *delivery.Attempt, outcome delivery.Outcome) {
	delay := RetryDelay(item.Retry, item.Attempts, q.cfg.MaxRetryDelay)
	next := time.Now().UTC().Add(delay)
	rec.NextRetryAt = &next

	item.LastError = outcome.Error
	item.NextAttemptAt = next
	item.Status = delivery.StatusScheduled

	q.mu.Lock()
	delete(q.inflight, item.ID)
	rejected := q.stopped
	if !rejected {
		idx := int(item.Priority) - 1
		q.queues[idx] = append(q.queues[idx], item)
		q.waiting++
	}
	q.mu.Unlock()

	q.pipeline.Failed()
	q.pipeline.Retried()
	q.recorder.Record(q.attemptCtx, rec)

	if rejected {
		// Shutdown raced the reschedule; hand the item to the dead
		// letter store rather than dropping it on the floor.
		q.handOffDeadLetter(item, "queue stopped during retry")
		return
	}

	q.log.Debug().
		Str("delivery", item.ID).
		Str("webhook", item.WebhookID).
		Int("attempt", item.Attempts).
		Int("max_attempts", item.Retry.MaxAttempts).
		Dur("delay", delay).
		Str("error", outcome.Error).
		Msg("delivery rescheduled")
}

func (q *Queue) toDeadLetter(item *delivery.Item, rec *delivery.Attempt, outcome delivery.Outcome) {
	q.mu.Lock()
	delete(q.inflight, item.ID)
	q.mu.Unlock()

	item.LastError = outcome.Error
	q.pipeline.Failed()
	q.recorder.Record(q.attemptCtx, rec)
	q.handOffDeadLetter(item, outcome.Error)
}

// handOffDeadLetter moves the item to the dead letter store. Called
// without the queue mutex; dead-letter persistence must never block the
// sub-queues.
func (q *Queue) handOffDeadLetter(item *delivery.Item, reason string) {
	item.Status = delivery.StatusDeadLettered
	q.deadLettered.Add(1)
	q.pipeline.DeadLettered()

	if err := q.deadletter.Add(q.attemptCtx, item, reason); err != nil {
		q.log.Error().Err(err).Str("delivery", item.ID).Msg("dead-lettering failed; delivery lost")
		return
	}
	q.log.Info().
		Str("delivery", item.ID).
		Str("webhook", item.WebhookID).
		Int("attempts", item.Attempts).
		Str("reason", reason).
		Msg("delivery dead-lettered")
}

// Status is a point-in-time view of the queue.
type Status struct {
	Running      bool           `json:"running"`
	Queued       int            `json:"queued"`
	Scheduled    int            `json:"scheduled"`
	Processing   int            `json:"processing"`
	Completed    int64          `json:"completed"`
	DeadLettered int64          `json:"deadLettered"`
	ByPriority   map[string]int `json:"byPriority"`
	MaxSize      int            `json:"maxSize"`
}

// Status reports the queue's current occupancy. Scheduled counts the
// queued items whose next attempt lies in the future.
func (q *Queue) Status() Status {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{
		Running:      q.started && !q.stopped,
		Processing:   len(q.inflight),
		Completed:    q.completed.Load(),
		DeadLettered: q.deadLettered.Load(),
		ByPriority:   make(map[string]int, 3),
		MaxSize:      q.cfg.MaxSize,
	}
	for idx, sub := range q.queues {
		pri := delivery.Priority(idx + 1)
		s.ByPriority[pri.String()] = len(sub)
		for _, item := range sub {
			if item.Eligible(now) {
				s.Queued++
			} else {
				s.Scheduled++
			}
		}
	}
	return s
}

// Items returns copies of the waiting or in-flight items carrying the
// given status. Completed and dead-lettered items no longer live in the
// queue; asking for them yields nothing.
func (q *Queue) Items(status delivery.Status) []delivery.Item {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var items []delivery.Item
	switch status {
	case delivery.StatusProcessing:
		for _, item := range q.inflight {
			items = append(items, *item)
		}
	case delivery.StatusQueued, delivery.StatusScheduled:
		for _, sub := range q.queues {
			for _, item := range sub {
				eligible := item.Eligible(now)
				if (status == delivery.StatusQueued && eligible) ||
					(status == delivery.StatusScheduled && !eligible) {
					items = append(items, *item)
				}
			}
		}
	}
	return items
}
