// Package dlq is the holding area for deliveries whose retries are
// spent. Entries live in a bounded in-memory LRU and are mirrored to a
// durable store so they survive restarts; operators list, replay, and
// purge them through the management API.
package dlq

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/errs"
)

// Entry is one dead-lettered delivery. Exactly one entry exists per
// delivery id until an operator removes or successfully replays it.
type Entry struct {
	ID             string        `bson:"_id" json:"id"`
	Item           delivery.Item `bson:"item" json:"item"`
	Reason         string        `bson:"reason" json:"reason"`
	DeadLetteredAt time.Time     `bson:"deadLetteredAt" json:"deadLetteredAt"`
	RetryCount     int           `bson:"retryCount" json:"retryCount"`
	LastRetryAt    *time.Time    `bson:"lastRetryAt,omitempty" json:"lastRetryAt,omitempty"`
	LastRetryError string        `bson:"lastRetryError,omitempty" json:"lastRetryError,omitempty"`
}

// Store mirrors entries to durable storage. A nil Store keeps the queue
// memory-only.
type Store interface {
	Upsert(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]*Entry, error)
}

// RetryFunc routes a re-armed delivery back into the delivery pipeline.
// It is expected to re-resolve the live subscription (endpoint, secret,
// priority) before enqueueing.
type RetryFunc func(ctx context.Context, item *delivery.Item) error

// Config carries the dead-letter tunables.
type Config struct {
	// MaxSize bounds the in-memory entry count. Adding past it evicts
	// the least recently used entry.
	MaxSize int
	// Retention is how long entries are kept before the purge task
	// removes them.
	Retention time.Duration
	// AutoCleanup runs the hourly purge task when set.
	AutoCleanup bool
}

// Filter narrows List and RetryAll.
type Filter struct {
	WebhookID string
	EventType string
	Limit     int
	Offset    int
}

// Stats is a point-in-time view of the dead-letter queue.
type Stats struct {
	Size         int            `json:"size"`
	MaxSize      int            `json:"maxSize"`
	TotalAdded   int64          `json:"totalAdded"`
	TotalRetried int64          `json:"totalRetried"`
	TotalPurged  int64          `json:"totalPurged"`
	ByWebhook    map[string]int `json:"byWebhook"`
	ByEventType  map[string]int `json:"byEventType"`
	OldestAt     *time.Time     `json:"oldestAt,omitempty"`
	NewestAt     *time.Time     `json:"newestAt,omitempty"`
}

// RetryOutcome summarizes a bulk replay.
type RetryOutcome struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Queue is the dead-letter queue. Construct with New; Start launches
// the cleanup task when configured.
type Queue struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	// mu guards the cache and the retrying set. Store calls never run
	// under it.
	mu       sync.Mutex
	cache    gcache.Cache
	retrying map[string]bool
	// evicted captures the entry displaced by the last cache write.
	// gcache invokes the eviction callback for explicit removals too,
	// so writers clear it before mutating and inspect it after.
	evicted *Entry

	onRetry RetryFunc
	cron    *cron.Cron

	totalAdded   atomic.Int64
	totalRetried atomic.Int64
	totalPurged  atomic.Int64
}

// New returns a dead-letter queue holding at most cfg.MaxSize entries.
func New(cfg Config, store Store, log zerolog.Logger) *Queue {
	q := &Queue{
		cfg:      cfg,
		store:    store,
		log:      log.With().Str("component", "dlq").Logger(),
		retrying: make(map[string]bool),
	}
	// The callback runs inside cache mutations, which only happen under
	// q.mu; it must not lock.
	q.cache = gcache.New(cfg.MaxSize).
		LRU().
		EvictedFunc(func(key, value interface{}) {
			q.evicted = value.(*Entry)
		}).
		Build()
	return q
}

// OnRetry wires the replay sink. Must be called before any Retry.
func (q *Queue) OnRetry(fn RetryFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onRetry = fn
}

// Start launches the hourly purge task when auto-cleanup is enabled.
func (q *Queue) Start() error {
	if !q.cfg.AutoCleanup {
		return nil
	}
	q.cron = cron.New()
	_, err := q.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n := q.PurgeExpired(ctx); n > 0 {
			q.log.Info().Int("purged", n).Msg("expired dead letter entries purged")
		}
	})
	if err != nil {
		return errs.B().Code(errs.Internal).Cause(err).Msg("starting dead letter cleanup task").Err()
	}
	q.cron.Start()
	q.log.Info().Dur("retention", q.cfg.Retention).Msg("dead letter cleanup task started")
	return nil
}

// Stop halts the cleanup task and waits for a running sweep to finish.
func (q *Queue) Stop() {
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
}

// Hydrate loads persisted entries into memory, newest retained when the
// store holds more than fit. Called once at startup before Start.
func (q *Queue) Hydrate(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	rows, err := q.store.List(ctx, q.cfg.MaxSize)
	if err != nil {
		return errs.B().Code(errs.Unavailable).Cause(err).Msg("loading dead letter entries").Err()
	}

	q.mu.Lock()
	// Insert oldest first so LRU order matches age.
	for i := len(rows) - 1; i >= 0; i-- {
		q.evicted = nil
		_ = q.cache.Set(rows[i].ID, rows[i])
	}
	q.evicted = nil
	n := q.cache.Len(false)
	q.mu.Unlock()

	if n > 0 {
		q.log.Info().Int("entries", n).Msg("dead letter queue hydrated from store")
	}
	return nil
}

// Add records a spent delivery. When the queue is at capacity the least
// recently used entry is evicted and counted as purged. Mirror failures
// are logged, not returned; the in-memory entry is authoritative.
func (q *Queue) Add(ctx context.Context, item *delivery.Item, reason string) error {
	e := &Entry{
		ID:             item.ID,
		Item:           *item,
		Reason:         reason,
		DeadLetteredAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.evicted = nil
	_ = q.cache.Set(e.ID, e)
	displaced := q.evicted
	q.evicted = nil
	q.mu.Unlock()

	q.totalAdded.Add(1)
	if displaced != nil && displaced.ID != e.ID {
		q.totalPurged.Add(1)
		q.log.Warn().
			Str("evicted", displaced.ID).
			Str("webhook", displaced.Item.WebhookID).
			Int("max_size", q.cfg.MaxSize).
			Msg("dead letter queue full; oldest entry evicted")
	} else {
		displaced = nil
	}

	if q.store != nil {
		if err := q.store.Upsert(ctx, e); err != nil {
			q.log.Error().Err(err).Str("delivery", e.ID).Msg("mirroring dead letter entry failed")
		}
		if displaced != nil {
			if err := q.store.Delete(ctx, displaced.ID); err != nil {
				q.log.Error().Err(err).Str("delivery", displaced.ID).Msg("deleting evicted dead letter entry failed")
			}
		}
	}
	return nil
}

// Retry re-arms the entry's delivery and hands it to the replay sink.
// The re-armed item carries attempts=0 and the replay annotation; the
// sink re-resolves the live subscription. On successful hand-off the
// entry is removed; on failure it stays with its retry accounting
// updated.
func (q *Queue) Retry(ctx context.Context, id string) (*delivery.Item, error) {
	q.mu.Lock()
	if q.onRetry == nil {
		q.mu.Unlock()
		return nil, errs.B().Code(errs.FailedPrecondition).Msg("dead letter replay is not wired").Err()
	}
	if q.retrying[id] {
		q.mu.Unlock()
		return nil, errs.B().Code(errs.Aborted).Msg("dead letter entry replay already in progress").Meta("id", id).Err()
	}
	v, err := q.cache.GetIFPresent(id)
	if err != nil {
		q.mu.Unlock()
		return nil, errs.B().Code(errs.NotFound).Msg("dead letter entry not found").Meta("id", id).Err()
	}
	e := v.(*Entry)
	q.retrying[id] = true
	fn := q.onRetry
	q.mu.Unlock()

	item := e.Item
	item.Attempts = 0
	item.Status = delivery.StatusQueued
	item.NextAttemptAt = time.Now()
	item.LastError = ""
	item.RetryFromDeadLetter = true

	replayErr := fn(ctx, &item)

	q.mu.Lock()
	delete(q.retrying, id)
	if replayErr != nil {
		// An operator Remove may have raced the replay; only keep
		// accounting for entries still present.
		still := q.cache.Has(id)
		now := time.Now().UTC()
		e.RetryCount++
		e.LastRetryAt = &now
		e.LastRetryError = replayErr.Error()
		updated := *e
		q.mu.Unlock()

		if still && q.store != nil {
			if err := q.store.Upsert(ctx, &updated); err != nil {
				q.log.Error().Err(err).Str("delivery", id).Msg("recording dead letter retry failure failed")
			}
		}
		return nil, replayErr
	}
	q.evicted = nil
	q.cache.Remove(id)
	q.evicted = nil
	q.mu.Unlock()

	q.totalRetried.Add(1)
	if q.store != nil {
		if err := q.store.Delete(ctx, id); err != nil {
			q.log.Error().Err(err).Str("delivery", id).Msg("deleting replayed dead letter entry failed")
		}
	}
	q.log.Info().Str("delivery", id).Str("webhook", item.WebhookID).Msg("dead letter entry replayed")
	return &item, nil
}

// RetryAll replays every entry matching the filter, oldest first.
// Individual failures are counted, logged, and skipped.
func (q *Queue) RetryAll(ctx context.Context, f Filter) RetryOutcome {
	entries := q.snapshot(f)
	// Oldest first so replay approximates original order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.Before(entries[j].DeadLetteredAt)
	})

	var out RetryOutcome
	for _, e := range entries {
		if _, err := q.Retry(ctx, e.ID); err != nil {
			out.Failed++
			q.log.Warn().Err(err).Str("delivery", e.ID).Msg("bulk replay entry failed")
			continue
		}
		out.Retried++
	}
	return out
}

// Remove deletes the entry without replaying it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	q.evicted = nil
	removed := q.cache.Remove(id)
	q.evicted = nil
	q.mu.Unlock()

	if !removed {
		return errs.B().Code(errs.NotFound).Msg("dead letter entry not found").Meta("id", id).Err()
	}
	if q.store != nil {
		if err := q.store.Delete(ctx, id); err != nil {
			q.log.Error().Err(err).Str("delivery", id).Msg("deleting dead letter entry failed")
		}
	}
	return nil
}

// List returns entries matching the filter, newest first, plus the
// total match count before pagination.
func (q *Queue) List(f Filter) ([]*Entry, int) {
	entries := q.snapshot(f)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.After(entries[j].DeadLetteredAt)
	})

	total := len(entries)
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return nil, total
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, total
}

// Get returns one entry by id.
func (q *Queue) Get(id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, err := q.cache.GetIFPresent(id)
	if err != nil {
		return nil, errs.B().Code(errs.NotFound).Msg("dead letter entry not found").Meta("id", id).Err()
	}
	e := *(v.(*Entry))
	return &e, nil
}

// Stats reports the queue's current occupancy and lifetime counters.
func (q *Queue) Stats() Stats {
	s := Stats{
		MaxSize:      q.cfg.MaxSize,
		TotalAdded:   q.totalAdded.Load(),
		TotalRetried: q.totalRetried.Load(),
		TotalPurged:  q.totalPurged.Load(),
		ByWebhook:    make(map[string]int),
		ByEventType:  make(map[string]int),
	}
	for _, e := range q.snapshot(Filter{}) {
		s.Size++
		s.ByWebhook[e.Item.WebhookID]++
		s.ByEventType[e.Item.EventType]++
		if s.OldestAt == nil || e.DeadLetteredAt.Before(*s.OldestAt) {
			at := e.DeadLetteredAt
			s.OldestAt = &at
		}
		if s.NewestAt == nil || e.DeadLetteredAt.After(*s.NewestAt) {
			at := e.DeadLetteredAt
			s.NewestAt = &at
		}
	}
	return s
}

// PurgeExpired removes entries older than the retention window and
// reports how many went.
func (q *Queue) PurgeExpired(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention)

	var expired []string
	q.mu.Lock()
	for _, v := range q.cache.GetALL(false) {
		e := v.(*Entry)
		if e.DeadLetteredAt.Before(cutoff) {
			expired = append(expired, e.ID)
		}
	}
	for _, id := range expired {
		q.evicted = nil
		q.cache.Remove(id)
	}
	q.evicted = nil
	q.mu.Unlock()

	if q.store != nil {
		for _, id := range expired {
			if err := q.store.Delete(ctx, id); err != nil {
				q.log.Error().Err(err).Str("delivery", id).Msg("deleting expired dead letter entry failed")
			}
		}
	}
	q.totalPurged.Add(int64(len(expired)))
	return len(expired)
}

// Clear drops every entry, memory and mirror, and reports how many.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := q.cache.Len(false)
	q.cache.Purge()
	q.evicted = nil
	q.mu.Unlock()

	q.totalPurged.Add(int64(n))
	if q.store != nil {
		if _, err := q.store.Clear(ctx); err != nil {
			return n, errs.B().Code(errs.Unavailable).Cause(err).Msg("clearing dead letter store").Err()
		}
	}
	q.log.Info().Int("cleared", n).Msg("dead letter queue cleared")
	return n, nil
}

// Size reports the number of entries currently held.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Len(false)
}

// snapshot copies the entries matching f out of the cache.
func (q *Queue) snapshot(f Filter) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, v := range q.cache.GetALL(false) {
		e := v.(*Entry)
		if f.WebhookID != "" && e.Item.WebhookID != f.WebhookID {
			continue
		}
		if f.EventType != "" && e.Item.EventType != f.EventType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}
