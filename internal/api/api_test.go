package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/health"
	"hookrelay.dev/internal/history"
	"hookrelay.dev/internal/queue"
	"hookrelay.dev/internal/relay"
	"hookrelay.dev/internal/store"
	"hookrelay.dev/internal/subscription"
)

// memSubStore backs the registry without a database.
type memSubStore struct {
	mu   sync.Mutex
	subs map[string]*subscription.Subscription
}

func newMemSubStore() *memSubStore {
	return &memSubStore{subs: make(map[string]*subscription.Subscription)}
}

func (s *memSubStore) List(ctx context.Context) ([]*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *memSubStore) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *memSubStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *memSubStore) RecordDelivery(ctx context.Context, id string, success bool, errMsg string, at time.Time) error {
	return nil
}

// memHistStore filters like the real attempts collection.
type memHistStore struct {
	mu   sync.Mutex
	rows []*delivery.Attempt
}

func (s *memHistStore) Insert(ctx context.Context, a *delivery.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, a)
	return nil
}

func (s *memHistStore) matching(webhookID string, q history.Query) []*delivery.Attempt {
	var out []*delivery.Attempt
	for _, a := range s.rows {
		if a.WebhookID != webhookID {
			continue
		}
		if q.Success != nil && a.Success != *q.Success {
			continue
		}
		if !q.From.IsZero() && a.StartedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && a.StartedAt.After(q.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *memHistStore) List(ctx context.Context, webhookID string, q history.Query) ([]*delivery.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.matching(webhookID, q)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memHistStore) Count(ctx context.Context, webhookID string, q history.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.matching(webhookID, q))), nil
}

// memEvents serves the event log endpoints from a slice.
type memEvents struct {
	mu   sync.Mutex
	rows []*event.LogRecord
}

func (s *memEvents) add(recs ...*event.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, recs...)
}

func (s *memEvents) matching(q store.EventQuery) []*event.LogRecord {
	var out []*event.LogRecord
	for _, r := range s.rows {
		if q.EventType != "" && r.Type != q.EventType {
			continue
		}
		if q.Collection != "" && r.Collection != q.Collection {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *memEvents) List(ctx context.Context, q store.EventQuery) ([]*event.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.matching(q)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memEvents) Count(ctx context.Context, q store.EventQuery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.matching(q))), nil
}

func (s *memEvents) Get(ctx context.Context, id string) (*event.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errs.B().Code(errs.NotFound).Msgf("event %s not found", id).Err()
}

// fakeRelay records the calls the handlers make and answers with canned
// results.
type fakeRelay struct {
	mu            sync.Mutex
	running       bool
	testRes       *relay.TestResult
	testErr       error
	testedID      string
	replayRes     *relay.ReplayResult
	replayErr     error
	replayedID    string
	replayedHooks []string
}

func (f *fakeRelay) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRelay) Overview() relay.Overview {
	return relay.Overview{Running: f.Running()}
}

func (f *fakeRelay) TestDelivery(ctx context.Context, webhookID string) (*relay.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testedID = webhookID
	return f.testRes, f.testErr
}

func (f *fakeRelay) Replay(ctx context.Context, eventID string, webhookIDs []string) (*relay.ReplayResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayedID = eventID
	f.replayedHooks = webhookIDs
	return f.replayRes, f.replayErr
}

type fakeQueue struct {
	status queue.Status
	items  []delivery.Item
}

func (f *fakeQueue) Status() queue.Status                  { return f.status }
func (f *fakeQueue) Items(delivery.Status) []delivery.Item { return f.items }

type fixtures struct {
	reg    *subscription.Registry
	hist   *memHistStore
	events *memEvents
	dl     *dlq.Queue
	relay  *fakeRelay
	queue  *fakeQueue
	checks *health.CheckRegistry
}

func newTestServer(c *qt.C, mod func(cfg *Config, d *Deps)) (*Server, *fixtures) {
	log := zerolog.Nop()
	fix := &fixtures{
		reg:    subscription.NewRegistry(newMemSubStore(), log),
		hist:   &memHistStore{},
		events: &memEvents{},
		dl:     dlq.New(dlq.Config{MaxSize: 100, Retention: time.Hour}, nil, log),
		relay:  &fakeRelay{running: true},
		queue:  &fakeQueue{status: queue.Status{Running: true, MaxSize: 100}},
		checks: health.NewCheckRegistry(log),
	}
	cfg := Config{ListenAddr: "127.0.0.1:0"}
	d := Deps{
		Registry:   fix.reg,
		Relay:      fix.relay,
		History:    history.New(fix.hist, log),
		Events:     fix.events,
		DeadLetter: fix.dl,
		Queue:      fix.queue,
		Health:     fix.checks,
	}
	if mod != nil {
		mod(&cfg, &d)
	}
	return New(cfg, d, log), fix
}

// doReq runs one request through the server. A string body is sent raw;
// anything else is marshalled to JSON.
func doReq(c *qt.C, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		c.Assert(err, qt.IsNil)
		rd = strings.NewReader(string(buf))
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var env map[string]any
	if w.Body.Len() > 0 {
		c.Assert(json.Unmarshal(w.Body.Bytes(), &env), qt.IsNil,
			qt.Commentf("body: %s", w.Body.String()))
	}
	return w, env
}

func envData(c *qt.C, env map[string]any) map[string]any {
	d, ok := env["data"].(map[string]any)
	c.Assert(ok, qt.IsTrue, qt.Commentf("envelope: %v", env))
	return d
}

func seedSub(c *qt.C, reg *subscription.Registry, id, name string, active bool, events ...string) *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:     id,
		Name:   name,
		URL:    "https://hooks.example/" + id,
		Events: events,
		Active: active,
		Retry: subscription.RetryPolicy{
			MaxAttempts:       3,
			BackoffMultiplier: 2,
			InitialDelayMs:    100,
		},
		TimeoutSeconds: 5,
		CreatedAt:      time.Now().UTC(),
		ModifiedAt:     time.Now().UTC(),
	}
	c.Assert(reg.Upsert(context.Background(), sub), qt.IsNil)
	return sub
}

func TestSubscriptionLifecycle(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, nil)

	// Create with defaults for everything optional.
	w, env := doReq(c, srv, "POST", "/v1/subscriptions", map[string]any{
		"name":   "Issue Feed",
		"url":    "https://hooks.example/feed",
		"secret": "shhh-very-secret",
		"events": []string{"issue.*"},
	})
	c.Assert(w.Code, qt.Equals, http.StatusCreated)
	c.Assert(env["status"], qt.Equals, "ok")
	data := envData(c, env)
	id, _ := data["id"].(string)
	c.Assert(strings.HasPrefix(id, "whk_"), qt.IsTrue, qt.Commentf("id: %q", id))
	c.Assert(data["active"], qt.Equals, true)
	c.Assert(data["timeoutSeconds"], qt.Equals, float64(30))
	retry := data["retry"].(map[string]any)
	c.Assert(retry["maxAttempts"], qt.Equals, float64(3))
	// The secret must never come back.
	_, leaked := data["secret"]
	c.Assert(leaked, qt.IsFalse)

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/"+id, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["name"], qt.Equals, "Issue Feed")

	// Merge update: only the sent fields change.
	w, env = doReq(c, srv, "PUT", "/v1/subscriptions/"+id, map[string]any{
		"url":    "https://hooks.example/feed-v2",
		"active": false,
	})
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data = envData(c, env)
	c.Assert(data["url"], qt.Equals, "https://hooks.example/feed-v2")
	c.Assert(data["active"], qt.Equals, false)
	c.Assert(data["name"], qt.Equals, "Issue Feed")

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?active=true", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["total"], qt.Equals, float64(0))

	w, env = doReq(c, srv, "DELETE", "/v1/subscriptions/"+id, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["deleted"], qt.Equals, true)

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/"+id, nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(env["status"], qt.Equals, "error")
	c.Assert(env["code"], qt.Equals, "not_found")
}

func TestCreateSubscriptionValidation(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, nil)

	// No event patterns.
	w, env := doReq(c, srv, "POST", "/v1/subscriptions", map[string]any{
		"name": "No Events",
		"url":  "https://hooks.example/x",
	})
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")
	c.Assert(env["message"], qt.Matches, ".*event pattern.*")

	// Unsupported scheme.
	w, env = doReq(c, srv, "POST", "/v1/subscriptions", map[string]any{
		"name":   "Bad URL",
		"url":    "ftp://hooks.example/x",
		"events": []string{"*"},
	})
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")

	// Malformed body.
	w, env = doReq(c, srv, "POST", "/v1/subscriptions", "{not json")
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")

	// Duplicate name.
	ok := map[string]any{
		"name":   "Twice",
		"url":    "https://hooks.example/1",
		"events": []string{"*"},
	}
	w, _ = doReq(c, srv, "POST", "/v1/subscriptions", ok)
	c.Assert(w.Code, qt.Equals, http.StatusCreated)
	w, env = doReq(c, srv, "POST", "/v1/subscriptions", ok)
	c.Assert(w.Code, qt.Equals, http.StatusConflict)
	c.Assert(env["code"], qt.Equals, "already_exists")
}

func TestListSubscriptionsFilters(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)

	seedSub(c, fix.reg, "whk_a", "Issues Hook", true, "issue.*")
	seedSub(c, fix.reg, "whk_b", "Projects Hook", true, "project.created")
	seedSub(c, fix.reg, "whk_c", "Card Sync", false, "*")

	w, env := doReq(c, srv, "GET", "/v1/subscriptions?event=issue.created", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data := envData(c, env)
	// whk_a by pattern, whk_c by the catch-all.
	c.Assert(data["total"], qt.Equals, float64(2))

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?name=card", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data = envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(1))
	subs := data["subscriptions"].([]any)
	c.Assert(subs[0].(map[string]any)["id"], qt.Equals, "whk_c")

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?active=true", nil)
	c.Assert(envData(c, env)["total"], qt.Equals, float64(2))

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?limit=2&offset=2", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data = envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(3))
	c.Assert(len(data["subscriptions"].([]any)), qt.Equals, 1)

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?limit=zero", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")

	w, env = doReq(c, srv, "GET", "/v1/subscriptions?active=maybe", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")
}

func TestDeliveriesAndStats(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)
	seedSub(c, fix.reg, "whk_a", "Audited", true, "issue.*")

	now := time.Now().UTC()
	rows := []*delivery.Attempt{
		{DeliveryID: "dlv_1", WebhookID: "whk_a", EventType: "issue.created", Attempt: 1,
			StartedAt: now.Add(-3 * time.Minute), DurationMs: 10, Success: true, StatusCode: 200},
		{DeliveryID: "dlv_2", WebhookID: "whk_a", EventType: "issue.updated", Attempt: 1,
			StartedAt: now.Add(-2 * time.Minute), DurationMs: 30, Success: true, StatusCode: 200},
		{DeliveryID: "dlv_3", WebhookID: "whk_a", EventType: "issue.updated", Attempt: 2,
			StartedAt: now.Add(-time.Minute), DurationMs: 50, Success: false, StatusCode: 500, Error: "boom"},
	}
	for _, a := range rows {
		c.Assert(fix.hist.Insert(context.Background(), a), qt.IsNil)
	}

	w, env := doReq(c, srv, "GET", "/v1/subscriptions/whk_a/deliveries", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data := envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(3))
	// Newest first.
	first := data["deliveries"].([]any)[0].(map[string]any)
	c.Assert(first["deliveryId"], qt.Equals, "dlv_3")

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/whk_a/deliveries?success=false", nil)
	data = envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(1))
	only := data["deliveries"].([]any)[0].(map[string]any)
	c.Assert(only["statusCode"], qt.Equals, float64(500))

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/whk_a/stats?period=24h", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data = envData(c, env)
	c.Assert(data["period"], qt.Equals, "24h")
	stats := data["stats"].(map[string]any)
	c.Assert(stats["total"], qt.Equals, float64(3))
	c.Assert(stats["succeeded"], qt.Equals, float64(2))
	c.Assert(stats["failed"], qt.Equals, float64(1))
	c.Assert(stats["avgDurationMs"], qt.Equals, float64(30))
	c.Assert(stats["p95DurationMs"], qt.Equals, float64(50))
	byCode := stats["byStatusCode"].(map[string]any)
	c.Assert(byCode["200"], qt.Equals, float64(2))
	c.Assert(byCode["500"], qt.Equals, float64(1))

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/whk_a/stats?period=fortnight", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")

	w, env = doReq(c, srv, "GET", "/v1/subscriptions/whk_nope/deliveries", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(env["code"], qt.Equals, "not_found")
}

func TestEventEndpointsAndReplay(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)

	now := time.Now().UTC()
	fix.events.add(
		&event.LogRecord{ID: "evt_1", Type: "issue.created", EntityKind: "issue",
			Collection: "issues", SourceID: "I1", ProcessedAt: now, Matched: 2},
		&event.LogRecord{ID: "evt_2", Type: "project.created", EntityKind: "project",
			Collection: "projects", SourceID: "P1", ProcessedAt: now, Matched: 0},
	)

	w, env := doReq(c, srv, "GET", "/v1/events", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["total"], qt.Equals, float64(2))

	w, env = doReq(c, srv, "GET", "/v1/events?type=issue.created", nil)
	data := envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(1))
	first := data["events"].([]any)[0].(map[string]any)
	c.Assert(first["id"], qt.Equals, "evt_1")
	c.Assert(first["matched"], qt.Equals, float64(2))

	w, env = doReq(c, srv, "GET", "/v1/events/evt_2", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["eventType"], qt.Equals, "project.created")

	w, env = doReq(c, srv, "GET", "/v1/events/evt_missing", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)

	// Replay with no body fans out through current routing.
	fix.relay.replayRes = &relay.ReplayResult{EventID: "evt_1", Enqueued: 2}
	w, env = doReq(c, srv, "POST", "/v1/events/evt_1/replay", nil)
	c.Assert(w.Code, qt.Equals, http.StatusAccepted)
	c.Assert(envData(c, env)["enqueued"], qt.Equals, float64(2))
	c.Assert(fix.relay.replayedID, qt.Equals, "evt_1")
	c.Assert(fix.relay.replayedHooks, qt.IsNil)

	// Replay targeted at one subscription.
	fix.relay.replayRes = &relay.ReplayResult{EventID: "evt_1", Enqueued: 1}
	w, _ = doReq(c, srv, "POST", "/v1/events/evt_1/replay", map[string]any{
		"webhookIds": []string{"whk_a"},
	})
	c.Assert(w.Code, qt.Equals, http.StatusAccepted)
	c.Assert(fix.relay.replayedHooks, qt.DeepEquals, []string{"whk_a"})

	w, env = doReq(c, srv, "GET", "/v1/event-types", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	catalog := envData(c, env)["catalog"].([]any)
	c.Assert(len(catalog) > 0, qt.IsTrue)
	var issueTypes []any
	for _, e := range catalog {
		entry := e.(map[string]any)
		if entry["entityKind"] == "issue" {
			issueTypes = entry["eventTypes"].([]any)
		}
	}
	c.Assert(issueTypes, qt.Contains, "issue.created")
}

func TestEventEndpointsDisabled(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, func(cfg *Config, d *Deps) {
		d.Events = nil
	})

	for _, path := range []string{"/v1/events", "/v1/events/evt_1"} {
		w, env := doReq(c, srv, "GET", path, nil)
		c.Assert(w.Code, qt.Equals, http.StatusBadRequest, qt.Commentf("path: %s", path))
		c.Assert(env["code"], qt.Equals, "failed_precondition")
	}
}

func TestTestDeliveryEndpoint(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)

	fix.relay.testRes = &relay.TestResult{
		DeliveryID: "dlv_t1",
		Success:    true,
		StatusCode: 200,
		DurationMs: 12,
	}
	w, env := doReq(c, srv, "POST", "/v1/subscriptions/whk_a/test", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data := envData(c, env)
	c.Assert(data["success"], qt.Equals, true)
	c.Assert(data["deliveryId"], qt.Equals, "dlv_t1")
	c.Assert(fix.relay.testedID, qt.Equals, "whk_a")

	fix.relay.testRes = nil
	fix.relay.testErr = errs.B().Code(errs.NotFound).Msg("subscription whk_b not found").Err()
	w, env = doReq(c, srv, "POST", "/v1/subscriptions/whk_b/test", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(env["code"], qt.Equals, "not_found")
}

func TestQueueEndpoints(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)

	fix.queue.status = queue.Status{
		Running:   true,
		Queued:    3,
		Scheduled: 1,
		MaxSize:   100,
		ByPriority: map[string]int{
			"high": 2, "medium": 1, "low": 0,
		},
	}
	w, env := doReq(c, srv, "GET", "/v1/queue", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data := envData(c, env)
	c.Assert(data["running"], qt.Equals, true)
	c.Assert(data["queued"], qt.Equals, float64(3))

	fix.queue.items = []delivery.Item{{
		ID:        "dlv_1",
		WebhookID: "whk_a",
		EventID:   "evt_1",
		EventType: "issue.created",
		Payload:   []byte(`{"sensitive":"yes"}`),
		Priority:  delivery.High,
		Status:    delivery.StatusQueued,
		Attempts:  1,
		LastError: "connection refused",
	}}
	w, env = doReq(c, srv, "GET", "/v1/queue/items", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data = envData(c, env)
	c.Assert(data["status"], qt.Equals, "queued")
	item := data["items"].([]any)[0].(map[string]any)
	c.Assert(item["priority"], qt.Equals, "high")
	c.Assert(item["lastError"], qt.Equals, "connection refused")
	// Item listings never include payload bytes.
	_, hasPayload := item["payload"]
	c.Assert(hasPayload, qt.IsFalse)

	w, env = doReq(c, srv, "GET", "/v1/queue/items?status=bogus", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "invalid_argument")
}

func dlqItem(id, webhookID, eventType string) *delivery.Item {
	return &delivery.Item{
		ID:        id,
		WebhookID: webhookID,
		EventID:   "evt_x",
		EventType: eventType,
		Payload:   []byte("{}"),
		URL:       "https://hooks.example/" + webhookID,
		Priority:  delivery.Medium,
		Attempts:  3,
		CreatedAt: time.Now().UTC(),
		Status:    delivery.StatusDeadLettered,
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)
	ctx := context.Background()

	c.Assert(fix.dl.Add(ctx, dlqItem("dlv_1", "whk_a", "issue.created"), "max attempts"), qt.IsNil)
	c.Assert(fix.dl.Add(ctx, dlqItem("dlv_2", "whk_a", "issue.updated"), "max attempts"), qt.IsNil)
	c.Assert(fix.dl.Add(ctx, dlqItem("dlv_3", "whk_b", "project.created"), "max attempts"), qt.IsNil)

	w, env := doReq(c, srv, "GET", "/v1/deadletters", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	data := envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(3))
	stats := data["stats"].(map[string]any)
	c.Assert(stats["size"], qt.Equals, float64(3))

	w, env = doReq(c, srv, "GET", "/v1/deadletters?webhook=whk_b", nil)
	data = envData(c, env)
	c.Assert(data["total"], qt.Equals, float64(1))

	w, env = doReq(c, srv, "GET", "/v1/deadletters/entries/dlv_2", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["reason"], qt.Equals, "max attempts")

	w, env = doReq(c, srv, "GET", "/v1/deadletters/entries/dlv_404", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)

	// Retry before the replay sink is wired is a precondition failure.
	w, env = doReq(c, srv, "POST", "/v1/deadletters/entries/dlv_1/retry", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(env["code"], qt.Equals, "failed_precondition")

	var replayed []string
	fix.dl.OnRetry(func(ctx context.Context, item *delivery.Item) error {
		replayed = append(replayed, item.ID)
		return nil
	})

	w, env = doReq(c, srv, "POST", "/v1/deadletters/entries/dlv_1/retry", nil)
	c.Assert(w.Code, qt.Equals, http.StatusAccepted)
	c.Assert(envData(c, env)["id"], qt.Equals, "dlv_1")
	c.Assert(replayed, qt.DeepEquals, []string{"dlv_1"})
	c.Assert(fix.dl.Size(), qt.Equals, 2)

	// Bulk retry narrowed to one webhook.
	w, env = doReq(c, srv, "POST", "/v1/deadletters/retry?webhook=whk_a", nil)
	c.Assert(w.Code, qt.Equals, http.StatusAccepted)
	data = envData(c, env)
	c.Assert(data["retried"], qt.Equals, float64(1))
	c.Assert(data["failed"], qt.Equals, float64(0))
	c.Assert(fix.dl.Size(), qt.Equals, 1)

	w, env = doReq(c, srv, "DELETE", "/v1/deadletters/entries/dlv_3", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["removed"], qt.Equals, true)
	c.Assert(fix.dl.Size(), qt.Equals, 0)

	c.Assert(fix.dl.Add(ctx, dlqItem("dlv_4", "whk_a", "issue.created"), "max attempts"), qt.IsNil)
	w, env = doReq(c, srv, "DELETE", "/v1/deadletters", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["cleared"], qt.Equals, float64(1))
}

func TestOverviewEndpoint(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, nil)

	w, env := doReq(c, srv, "GET", "/v1/stats", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["running"], qt.Equals, true)

	w, env = doReq(c, srv, "GET", "/v1/version", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(envData(c, env)["version"], qt.Not(qt.Equals), "")
}

func TestAPIKeyGuard(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, func(cfg *Config, d *Deps) {
		cfg.Key = "s3cret-key"
	})

	w, env := doReq(c, srv, "GET", "/v1/stats", nil)
	c.Assert(w.Code, qt.Equals, http.StatusUnauthorized)
	c.Assert(env["code"], qt.Equals, "unauthenticated")

	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusUnauthorized)

	req = httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret-key")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	req = httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("X-Api-Key", "s3cret-key")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	// Probes stay open for the scheduler.
	w, _ = doReq(c, srv, "GET", "/livez", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
}

func TestRateLimit(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, func(cfg *Config, d *Deps) {
		cfg.RateLimitWindow = time.Hour
		cfg.RateLimitMax = 2
	})

	for i := 0; i < 2; i++ {
		w, _ := doReq(c, srv, "GET", "/v1/stats", nil)
		c.Assert(w.Code, qt.Equals, http.StatusOK, qt.Commentf("request %d", i+1))
	}
	w, env := doReq(c, srv, "GET", "/v1/stats", nil)
	c.Assert(w.Code, qt.Equals, http.StatusTooManyRequests)
	c.Assert(env["code"], qt.Equals, "resource_exhausted")

	// Probes are never limited.
	w, _ = doReq(c, srv, "GET", "/livez", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
}

func TestHealthEndpoints(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)
	fix.checks.RegisterFunc("store.ping", func(ctx context.Context) error { return nil })

	w, env := doReq(c, srv, "GET", "/healthz", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(env["status"], qt.Equals, "ok")

	w, env = doReq(c, srv, "GET", "/readyz", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(env["status"], qt.Equals, "ready")

	w, env = doReq(c, srv, "GET", "/livez", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	c.Assert(env["status"], qt.Equals, "alive")

	fix.checks.RegisterFunc("queue.depth", func(ctx context.Context) error {
		return errs.B().Code(errs.Unavailable).Msg("queue saturated").Err()
	})
	w, env = doReq(c, srv, "GET", "/healthz", nil)
	c.Assert(w.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(env["status"], qt.Equals, "degraded")
	var failing map[string]any
	for _, v := range env["checks"].([]any) {
		check := v.(map[string]any)
		if check["name"] == "queue.depth" {
			failing = check
		}
	}
	c.Assert(failing, qt.Not(qt.IsNil))
	c.Assert(failing["healthy"], qt.Equals, false)
	c.Assert(failing["error"], qt.Matches, ".*queue saturated.*")

	w, env = doReq(c, srv, "GET", "/readyz", nil)
	c.Assert(w.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(env["status"], qt.Equals, "not_ready")
}

func TestReadyzGatesOnConsumer(t *testing.T) {
	c := qt.New(t)
	srv, fix := newTestServer(c, nil)
	fix.relay.mu.Lock()
	fix.relay.running = false
	fix.relay.mu.Unlock()

	w, env := doReq(c, srv, "GET", "/readyz", nil)
	c.Assert(w.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(env["status"], qt.Equals, "not_ready")
	c.Assert(env["running"], qt.Equals, false)

	// Liveness is independent of the consumer.
	w, _ = doReq(c, srv, "GET", "/livez", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
}

func TestRequestIDEcho(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, nil)

	w, env := doReq(c, srv, "GET", "/v1/stats", nil)
	rid := w.Header().Get("X-Request-Id")
	c.Assert(rid, qt.Not(qt.Equals), "")
	c.Assert(env["requestId"], qt.Equals, rid)

	// Errors echo it too.
	w, env = doReq(c, srv, "GET", "/v1/subscriptions/whk_missing", nil)
	c.Assert(env["requestId"], qt.Equals, w.Header().Get("X-Request-Id"))
}

func TestUnknownRouteEnvelope(t *testing.T) {
	c := qt.New(t)
	srv, _ := newTestServer(c, nil)

	w, env := doReq(c, srv, "GET", "/v1/nope", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(env["status"], qt.Equals, "error")
	c.Assert(env["code"], qt.Equals, "not_found")

	// Wrong method falls through to not found as well.
	w, env = doReq(c, srv, "PATCH", "/v1/stats", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(env["code"], qt.Equals, "not_found")
}
