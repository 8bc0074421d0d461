// Package router matches classified events against the subscription
// registry snapshot.
//
// Matching is evaluated in a fixed order: the active flag first, then
// event patterns, then the collection filter, then the content filters.
// Content filter kinds combine with AND; the values within one kind with
// OR. The result order follows the snapshot and callers must not depend
// on it.
package router

import (
	"sync"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"

	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/subscription"
)

// Router routes events to subscriptions and keeps routing statistics.
type Router struct {
	log zerolog.Logger

	mu           sync.Mutex
	matched      int64
	dropped      int64
	errors       int64
	byCollection map[string]int64
	byEventType  map[string]int64
}

// New returns a router.
func New(log zerolog.Logger) *Router {
	return &Router{
		log:          log.With().Str("component", "router").Logger(),
		byCollection: make(map[string]int64),
		byEventType:  make(map[string]int64),
	}
}

// Route returns the subscriptions from snapshot that select ev, in
// snapshot order. A routed event counts as matched once per matching
// subscription; an event matching nothing counts as dropped.
func (r *Router) Route(rec *event.MutationRecord, ev event.Event, snapshot []*subscription.Subscription) []*subscription.Subscription {
	var matched []*subscription.Subscription
	for _, sub := range snapshot {
		if Matches(rec, ev, sub) {
			matched = append(matched, sub)
		}
	}

	r.mu.Lock()
	r.byCollection[ev.Collection]++
	r.byEventType[ev.Type]++
	if len(matched) > 0 {
		r.matched += int64(len(matched))
	} else {
		r.dropped++
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		r.log.Debug().Str("event", ev.Type).Str("collection", ev.Collection).
			Msg("no subscription matched; event dropped")
	}
	return matched
}

// RecordError counts a routing failure, such as a transform error during
// fan-out.
func (r *Router) RecordError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

// Matches reports whether sub selects the event derived from rec.
func Matches(rec *event.MutationRecord, ev event.Event, sub *subscription.Subscription) bool {
	if !sub.Active {
		return false
	}
	if !subscription.MatchAny(sub.Events, ev.Type) {
		return false
	}
	if sub.Filters.Empty() {
		return true
	}
	if len(sub.Filters.Collections) > 0 && !containsString(sub.Filters.Collections, ev.Collection) {
		return false
	}
	return matchesContent(rec.Document(), sub.Filters)
}

// matchesContent evaluates the declared content filters against the
// mutation document. A declared filter with no document to evaluate
// against fails closed: a subscription asking for project P1 must not
// receive events whose project is unknown.
func matchesContent(doc bson.M, f subscription.Filters) bool {
	if len(f.Projects) > 0 && !fieldIn(doc, "space", f.Projects) {
		return false
	}
	if len(f.Statuses) > 0 && !fieldIn(doc, "status", f.Statuses) {
		return false
	}
	if len(f.Priorities) > 0 && !fieldIn(doc, "priority", f.Priorities) {
		return false
	}
	if len(f.Assignees) > 0 && !fieldIn(doc, "assignee", f.Assignees) {
		return false
	}
	if len(f.Tags) > 0 && !tagsIntersect(doc, f.Tags) {
		return false
	}
	return true
}

func fieldIn(doc bson.M, field string, values []string) bool {
	if doc == nil {
		return false
	}
	v, ok := doc[field]
	if !ok || v == nil {
		return false
	}
	return containsString(values, event.IDString(v))
}

// tagsIntersect reports whether the document's tag set shares at least
// one value with tags. Documents may carry the set under "tags" or
// "labels".
func tagsIntersect(doc bson.M, tags []string) bool {
	if doc == nil {
		return false
	}
	raw, ok := doc["tags"]
	if !ok {
		raw, ok = doc["labels"]
	}
	if !ok || raw == nil {
		return false
	}

	var docTags []string
	switch vals := raw.(type) {
	case bson.A:
		for _, v := range vals {
			docTags = append(docTags, event.IDString(v))
		}
	case []string:
		docTags = vals
	case []interface{}:
		for _, v := range vals {
			docTags = append(docTags, event.IDString(v))
		}
	case string:
		docTags = []string{vals}
	default:
		return false
	}

	for _, want := range tags {
		if containsString(docTags, want) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Stats is a point-in-time copy of the routing counters.
type Stats struct {
	Matched      int64            `json:"matched"`
	Dropped      int64            `json:"dropped"`
	Errors       int64            `json:"errors"`
	ByCollection map[string]int64 `json:"byCollection"`
	ByEventType  map[string]int64 `json:"byEventType"`
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Matched:      r.matched,
		Dropped:      r.dropped,
		Errors:       r.errors,
		ByCollection: make(map[string]int64, len(r.byCollection)),
		ByEventType:  make(map[string]int64, len(r.byEventType)),
	}
	for k, v := range r.byCollection {
		s.ByCollection[k] = v
	}
	for k, v := range r.byEventType {
		s.ByEventType[k] = v
	}
	return s
}
