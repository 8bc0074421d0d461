package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hookrelay.dev/internal/errs"
)

// Store is the persistence the registry writes through to.
type Store interface {
	// List returns every persisted subscription.
	List(ctx context.Context) ([]*Subscription, error)
	// Upsert inserts or replaces a subscription. It reports
	// already_exists when another subscription holds the same name.
	Upsert(ctx context.Context, sub *Subscription) error
	// Delete removes a subscription by id.
	Delete(ctx context.Context, id string) error
	// RecordDelivery advances the persisted delivery counters.
	RecordDelivery(ctx context.Context, id string, success bool, errMsg string, at time.Time) error
}

// Filter narrows List and Count results.
type Filter struct {
	// Active filters on the active flag when non-nil.
	Active *bool
	// Event keeps subscriptions whose patterns select this event type.
	Event string
	// NameContains keeps subscriptions whose name contains the substring,
	// case-insensitively.
	NameContains string
	// Limit and Offset paginate the result; Limit 0 means no limit.
	Limit  int
	Offset int
}

// Registry is the in-memory cache of subscriptions the router matches
// against. It hydrates from the store at startup and writes through on
// every mutation. Subscription pointers handed out by the registry are
// read-only; mutations replace the stored object wholesale.
type Registry struct {
	store Store
	log   zerolog.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription
	byName  map[string]string
	ordered []*Subscription // rebuilt on change; sorted by creation

	changed chan struct{}
}

// NewRegistry returns an empty registry backed by store.
func NewRegistry(store Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     log.With().Str("component", "registry").Logger(),
		subs:    make(map[string]*Subscription),
		byName:  make(map[string]string),
		changed: make(chan struct{}, 1),
	}
}

// Hydrate loads all persisted subscriptions into memory. It replaces
// whatever the registry held before.
func (r *Registry) Hydrate(ctx context.Context) error {
	subs, err := r.store.List(ctx)
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "hydrate subscriptions")
	}

	r.mu.Lock()
	r.subs = make(map[string]*Subscription, len(subs))
	r.byName = make(map[string]string, len(subs))
	for _, sub := range subs {
		r.subs[sub.ID] = sub
		r.byName[sub.Name] = sub.ID
	}
	r.rebuildLocked()
	r.mu.Unlock()

	r.log.Info().Int("subscriptions", len(subs)).Msg("registry hydrated")
	r.notify()
	return nil
}

// FindByID returns the subscription with the given id.
func (r *Registry) FindByID(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub, ok := r.subs[id]; ok {
		return sub, nil
	}
	return nil, errs.B().Code(errs.NotFound).Msgf("subscription %s not found", id).Err()
}

// FindByName returns the subscription with the given display name.
func (r *Registry) FindByName(name string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[name]; ok {
		return r.subs[id], nil
	}
	return nil, errs.B().Code(errs.NotFound).Msgf("subscription named %q not found", name).Err()
}

// List returns subscriptions matching the filter in creation order.
func (r *Registry) List(f Filter) []*Subscription {
	r.mu.RLock()
	snapshot := r.ordered
	r.mu.RUnlock()

	matched := make([]*Subscription, 0, len(snapshot))
	for _, sub := range snapshot {
		if matchesFilter(sub, f) {
			matched = append(matched, sub)
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Count reports how many subscriptions match the filter.
func (r *Registry) Count(f Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sub := range r.ordered {
		if matchesFilter(sub, f) {
			n++
		}
	}
	return n
}

func matchesFilter(sub *Subscription, f Filter) bool {
	if f.Active != nil && sub.Active != *f.Active {
		return false
	}
	if f.Event != "" && !MatchAny(sub.Events, f.Event) {
		return false
	}
	if f.NameContains != "" &&
		!strings.Contains(strings.ToLower(sub.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}

// Upsert validates sub, writes it through to the store, and installs it
// in the cache. Duplicate names report already_exists.
func (r *Registry) Upsert(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	// Fast pre-check under the read lock. The store's unique index is
	// the authority; this only improves the common-case error.
	r.mu.RLock()
	if otherID, ok := r.byName[sub.Name]; ok && otherID != sub.ID {
		r.mu.RUnlock()
		return errs.B().Code(errs.AlreadyExists).
			Msgf("a subscription named %q already exists", sub.Name).Err()
	}
	r.mu.RUnlock()

	if err := r.store.Upsert(ctx, sub); err != nil {
		return err
	}

	r.mu.Lock()
	if prev, ok := r.subs[sub.ID]; ok && prev.Name != sub.Name {
		delete(r.byName, prev.Name)
	}
	r.subs[sub.ID] = sub
	r.byName[sub.Name] = sub.ID
	r.rebuildLocked()
	r.mu.Unlock()

	r.log.Info().Str("webhook", sub.ID).Str("name", sub.Name).Msg("subscription stored")
	r.notify()
	return nil
}

// Remove deletes a subscription from the store and the cache.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return errs.B().Code(errs.NotFound).Msgf("subscription %s not found", id).Err()
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.subs, id)
	delete(r.byName, sub.Name)
	r.rebuildLocked()
	r.mu.Unlock()

	r.log.Info().Str("webhook", id).Str("name", sub.Name).Msg("subscription removed")
	r.notify()
	return nil
}

// RecordDelivery advances the delivery counters for a subscription in
// memory and in the store. Store failures are logged, never propagated;
// counters prefer loss over stalling the pipeline.
func (r *Registry) RecordDelivery(ctx context.Context, id string, success bool, errMsg string) {
	now := time.Now().UTC()

	r.mu.Lock()
	if prev, ok := r.subs[id]; ok {
		// Copy-on-write keeps handed-out pointers safe to read.
		next := prev.Clone()
		next.Stats.TotalDeliveries++
		if success {
			next.Stats.TotalSucceeded++
			next.Stats.LastError = ""
		} else {
			next.Stats.TotalFailed++
			next.Stats.LastError = errMsg
		}
		next.Stats.LastDeliveryAt = &now
		r.subs[id] = next
		r.rebuildLocked()
	}
	r.mu.Unlock()

	if err := r.store.RecordDelivery(ctx, id, success, errMsg, now); err != nil {
		r.log.Error().Err(err).Str("webhook", id).Msg("persisting delivery counters failed")
	}
}

// Snapshot returns the current subscriptions in creation order. The
// returned slice and its elements are read-only; the registry rebuilds
// rather than mutates them.
func (r *Registry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// Changed returns a channel that receives a token whenever the set of
// subscriptions changes. Notifications coalesce; consumers treat any
// receive as "rebuild your view".
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *Registry) rebuildLocked() {
	ordered := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		ordered = append(ordered, sub)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	r.ordered = ordered
}
