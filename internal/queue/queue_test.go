package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/stats"
)

// scriptedDispatcher returns canned outcomes in order, per delivery id.
type scriptedDispatcher struct {
	mu       sync.Mutex
	script   map[string][]delivery.Outcome
	attempts map[string]int
	block    time.Duration // simulated attempt latency
}

func newScripted() *scriptedDispatcher {
	return &scriptedDispatcher{
		script:   make(map[string][]delivery.Outcome),
		attempts: make(map[string]int),
	}
}

func (d *scriptedDispatcher) on(id string, outcomes ...delivery.Outcome) {
	d.script[id] = outcomes
}

func (d *scriptedDispatcher) Attempt(ctx context.Context, item *delivery.Item) delivery.Outcome {
	if d.block > 0 {
		select {
		case <-time.After(d.block):
		case <-ctx.Done():
			return delivery.Outcome{Success: false, Error: "cancelled", ErrorKind: "connection", Retryable: true}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.attempts[item.ID]
	d.attempts[item.ID] = n + 1
	outcomes := d.script[item.ID]
	if n < len(outcomes) {
		return outcomes[n]
	}
	return delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Millisecond}
}

func (d *scriptedDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[id]
}

// memRecorder collects attempt records.
type memRecorder struct {
	mu   sync.Mutex
	recs []*delivery.Attempt
}

func (r *memRecorder) Record(ctx context.Context, a *delivery.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, a)
}

func (r *memRecorder) byDelivery(id string) []*delivery.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*delivery.Attempt
	for _, a := range r.recs {
		if a.DeliveryID == id {
			out = append(out, a)
		}
	}
	return out
}

// memDeadLetter collects dead-lettered items.
type memDeadLetter struct {
	mu      sync.Mutex
	entries []*delivery.Item
	reasons []string
}

func (d *memDeadLetter) Add(ctx context.Context, item *delivery.Item, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, item)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *memDeadLetter) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *memDeadLetter) reason(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reasons[i]
}

func testConfig() Config {
	return Config{
		MaxSize:            100,
		MaxConcurrent:      4,
		ProcessingInterval: 2 * time.Millisecond,
		DeliveryTimeout:    500 * time.Millisecond,
		MaxRetryDelay:      300 * time.Second,
	}
}

func item(id string, pri delivery.Priority, maxAttempts int) *delivery.Item {
	return &delivery.Item{
		ID:        id,
		WebhookID: "whk_1",
		EventID:   "evt_1",
		EventType: "issue.created",
		Payload:   []byte(`{"k":"v"}`),
		URL:       "https://h.example/w",
		Priority:  pri,
		Retry: delivery.RetryPolicy{
			MaxAttempts:       maxAttempts,
			BackoffMultiplier: 2,
			InitialDelay:      5 * time.Millisecond,
		},
	}
}

func eventually(c *qt.C, timeout time.Duration, cond func() bool, msg string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Fatalf("condition not reached within %v: %s", timeout, msg)
}

func TestDeliverySucceedsFirstAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	disp := newScripted()
	rec := &memRecorder{}
	dl := &memDeadLetter{}
	q := New(testConfig(), disp, rec, dl, stats.New(), zerolog.Nop())

	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	it := item("dlv_ok", delivery.High, 3)
	c.Assert(q.Enqueue(it), qt.IsNil)

	eventually(c, time.Second, func() bool {
		return q.Status().Completed == 1
	}, "delivery should complete")

	rows := rec.byDelivery("dlv_ok")
	c.Assert(len(rows), qt.Equals, 1)
	c.Assert(rows[0].Success, qt.IsTrue)
	c.Assert(rows[0].Attempt, qt.Equals, 1)
	c.Assert(dl.len(), qt.Equals, 0)
	c.Assert(it.Status, qt.Equals, delivery.StatusCompleted)
}

func TestRetryThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	disp := newScripted()
	disp.on("dlv_retry",
		delivery.Outcome{Success: false, StatusCode: 503, Error: "http 503", ErrorKind: "http-503", Retryable: true, Duration: time.Millisecond},
		delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Millisecond},
	)
	rec := &memRecorder{}
	dl := &memDeadLetter{}
	q := New(testConfig(), disp, rec, dl, stats.New(), zerolog.Nop())

	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	it := item("dlv_retry", delivery.Medium, 3)
	c.Assert(q.Enqueue(it), qt.IsNil)

	// The retry can wait out up to initialDelay+jitterCap.
	eventually(c, 3*time.Second, func() bool {
		return q.Status().Completed == 1
	}, "delivery should complete on the second attempt")

	rows := rec.byDelivery("dlv_retry")
	c.Assert(len(rows), qt.Equals, 2)
	c.Assert(rows[0].Success, qt.IsFalse)
	c.Assert(rows[0].StatusCode, qt.Equals, 503)
	c.Assert(rows[0].NextRetryAt, qt.IsNotNil)
	c.Assert(rows[1].Success, qt.IsTrue)
	c.Assert(rows[1].Attempt, qt.Equals, 2)
	c.Assert(it.Status, qt.Equals, delivery.StatusCompleted)

	// The first retry lands between initialDelay and
	// initialDelay+jitterCap after the failed attempt.
	wait := rows[0].NextRetryAt.Sub(rows[0].StartedAt)
	c.Assert(wait >= it.Retry.InitialDelay, qt.IsTrue, qt.Commentf("wait %v", wait))
	c.Assert(wait <= it.Retry.InitialDelay+jitterCap+500*time.Millisecond, qt.IsTrue, qt.Commentf("wait %v", wait))
}

func TestExhaustionDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	fail := delivery.Outcome{Success: false, StatusCode: 500, Error: "http 500", ErrorKind: "http-500", Retryable: true, Duration: time.Millisecond}
	disp := newScripted()
	disp.on("dlv_dead", fail, fail, fail)
	rec := &memRecorder{}
	dl := &memDeadLetter{}
	pipeline := stats.New()
	q := New(testConfig(), disp, rec, dl, pipeline, zerolog.Nop())

	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	it := item("dlv_dead", delivery.High, 3)
	c.Assert(q.Enqueue(it), qt.IsNil)

	// Two rescheduled waits of up to initialDelay+jitterCap each.
	eventually(c, 5*time.Second, func() bool {
		return dl.len() == 1
	}, "delivery should dead-letter after three failures")

	rows := rec.byDelivery("dlv_dead")
	c.Assert(len(rows), qt.Equals, 3)
	for _, row := range rows {
		c.Assert(row.Success, qt.IsFalse)
	}
	c.Assert(it.Attempts, qt.Equals, 3)
	c.Assert(it.Status, qt.Equals, delivery.StatusDeadLettered)
	c.Assert(dl.reason(0), qt.Equals, "http 500")

	// The item left the queue entirely.
	st := q.Status()
	c.Assert(st.Queued+st.Scheduled+st.Processing, qt.Equals, 0)
	c.Assert(st.DeadLettered, qt.Equals, int64(1))
	c.Assert(pipeline.Snapshot().Retries, qt.Equals, int64(2))
}

func TestQueueFullBoundary(t *testing.T) {
	c := qt.New(t)

	cfg := testConfig()
	cfg.MaxSize = 3
	cfg.ProcessingInterval = time.Hour // never tick, so nothing drains
	pipeline := stats.New()
	q := New(cfg, newScripted(), &memRecorder{}, &memDeadLetter{}, pipeline, zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	for i := 0; i < 3; i++ {
		c.Assert(q.Enqueue(item(fmt.Sprintf("dlv_%d", i), delivery.Low, 3)), qt.IsNil)
	}

	err := q.Enqueue(item("dlv_overflow", delivery.High, 3))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errs.Code(err), qt.Equals, errs.ResourceExhausted)
	c.Assert(pipeline.Snapshot().QueueFullRejections, qt.Equals, int64(1))
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	c := qt.New(t)

	q := New(testConfig(), newScripted(), &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	c.Assert(q.Stop(time.Second), qt.IsNil)

	err := q.Enqueue(item("dlv_late", delivery.High, 3))
	c.Assert(errs.Code(err), qt.Equals, errs.Unavailable)
}

func TestPriorityOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	var mu sync.Mutex
	var order []string
	disp := dispatchFunc(func(ctx context.Context, it *delivery.Item) delivery.Outcome {
		mu.Lock()
		order = append(order, it.ID)
		mu.Unlock()
		return delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Microsecond}
	})

	cfg := testConfig()
	cfg.MaxConcurrent = 1                          // serialize so pick order is observable
	cfg.ProcessingInterval = 50 * time.Millisecond // first tick sees all three
	q := New(cfg, disp, &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	c.Assert(q.Enqueue(item("low", delivery.Low, 1)), qt.IsNil)
	c.Assert(q.Enqueue(item("med", delivery.Medium, 1)), qt.IsNil)
	c.Assert(q.Enqueue(item("high", delivery.High, 1)), qt.IsNil)

	eventually(c, time.Second, func() bool {
		return q.Status().Completed == 3
	}, "all three deliveries complete")

	mu.Lock()
	defer mu.Unlock()
	c.Assert(order, qt.DeepEquals, []string{"high", "med", "low"})
}

func TestScheduledHeadDoesNotBlockReadyItems(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	var mu sync.Mutex
	var order []string
	disp := dispatchFunc(func(ctx context.Context, it *delivery.Item) delivery.Outcome {
		mu.Lock()
		order = append(order, it.ID)
		mu.Unlock()
		return delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Microsecond}
	})

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	q := New(cfg, disp, &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	future := item("scheduled_high", delivery.High, 1)
	future.NextAttemptAt = time.Now().Add(75 * time.Millisecond)
	c.Assert(q.Enqueue(future), qt.IsNil)
	c.Assert(q.Enqueue(item("ready_low", delivery.Low, 1)), qt.IsNil)

	eventually(c, 2*time.Second, func() bool {
		return q.Status().Completed == 2
	}, "both deliveries complete")

	mu.Lock()
	defer mu.Unlock()
	// The ready low-priority item ran while the high item waited out
	// its schedule.
	c.Assert(order, qt.DeepEquals, []string{"ready_low", "scheduled_high"})
}

func TestAttemptTimeoutYieldsSynthetic408(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	disp := newScripted()
	disp.block = time.Second // longer than the delivery timeout below
	rec := &memRecorder{}
	dl := &memDeadLetter{}
	cfg := testConfig()
	cfg.DeliveryTimeout = 30 * time.Millisecond
	q := New(cfg, disp, rec, dl, stats.New(), zerolog.Nop())

	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(2 * time.Second) }()

	it := item("dlv_slow", delivery.High, 1)
	c.Assert(q.Enqueue(it), qt.IsNil)

	eventually(c, 2*time.Second, func() bool {
		return dl.len() == 1
	}, "timeout should exhaust the single attempt")

	rows := rec.byDelivery("dlv_slow")
	c.Assert(len(rows), qt.Equals, 1)
	c.Assert(rows[0].StatusCode, qt.Equals, 408)
	c.Assert(rows[0].Error, qt.Equals, "Delivery attempt timeout")
}

func TestConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	var mu sync.Mutex
	inflight, peak := 0, 0
	disp := dispatchFunc(func(ctx context.Context, it *delivery.Item) delivery.Outcome {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		return delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Millisecond}
	})

	cfg := testConfig()
	cfg.MaxConcurrent = 2
	q := New(cfg, disp, &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(2 * time.Second) }()

	for i := 0; i < 8; i++ {
		c.Assert(q.Enqueue(item(fmt.Sprintf("dlv_%d", i), delivery.Medium, 1)), qt.IsNil)
	}

	eventually(c, 3*time.Second, func() bool {
		return q.Status().Completed == 8
	}, "all deliveries complete")

	mu.Lock()
	defer mu.Unlock()
	c.Assert(peak <= 2, qt.IsTrue, qt.Commentf("peak concurrency %d", peak))
}

func TestStopDrainsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := qt.New(t)

	disp := newScripted()
	disp.block = 50 * time.Millisecond
	q := New(testConfig(), disp, &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)

	c.Assert(q.Enqueue(item("dlv_inflight", delivery.High, 3)), qt.IsNil)
	eventually(c, time.Second, func() bool {
		return q.Status().Processing == 1
	}, "delivery should be in flight")

	c.Assert(q.Stop(time.Second), qt.IsNil)
	c.Assert(q.Status().Completed, qt.Equals, int64(1))
}

func TestItemsByStatus(t *testing.T) {
	c := qt.New(t)

	cfg := testConfig()
	cfg.ProcessingInterval = time.Hour // never drain
	q := New(cfg, newScripted(), &memRecorder{}, &memDeadLetter{}, stats.New(), zerolog.Nop())
	c.Assert(q.Start(), qt.IsNil)
	defer func() { _ = q.Stop(time.Second) }()

	ready := item("dlv_ready", delivery.High, 3)
	c.Assert(q.Enqueue(ready), qt.IsNil)
	future := item("dlv_future", delivery.Low, 3)
	future.NextAttemptAt = time.Now().Add(time.Hour)
	c.Assert(q.Enqueue(future), qt.IsNil)

	queued := q.Items(delivery.StatusQueued)
	c.Assert(len(queued), qt.Equals, 1)
	c.Assert(queued[0].ID, qt.Equals, "dlv_ready")

	scheduled := q.Items(delivery.StatusScheduled)
	c.Assert(len(scheduled), qt.Equals, 1)
	c.Assert(scheduled[0].ID, qt.Equals, "dlv_future")

	c.Assert(len(q.Items(delivery.StatusProcessing)), qt.Equals, 0)
	c.Assert(len(q.Items(delivery.StatusCompleted)), qt.Equals, 0)

	st := q.Status()
	c.Assert(st.Queued, qt.Equals, 1)
	c.Assert(st.Scheduled, qt.Equals, 1)
	c.Assert(st.ByPriority["high"], qt.Equals, 1)
	c.Assert(st.ByPriority["low"], qt.Equals, 1)
}

// dispatchFunc adapts a function to the Dispatcher interface.
type dispatchFunc func(ctx context.Context, item *delivery.Item) delivery.Outcome

func (f dispatchFunc) Attempt(ctx context.Context, item *delivery.Item) delivery.Outcome {
	return f(ctx, item)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	policy := delivery.RetryPolicy{
		MaxAttempts:       5,
		BackoffMultiplier: 2,
		InitialDelay:      100 * time.Millisecond,
	}
	maxDelay := 300 * time.Second

	for attempts := 1; attempts <= 5; attempts++ {
		base := time.Duration(float64(policy.InitialDelay) * pow(policy.BackoffMultiplier, attempts-1))
		for i := 0; i < 50; i++ {
			d := RetryDelay(policy, attempts, maxDelay)
			c.Assert(d >= base, qt.IsTrue, qt.Commentf("attempt %d: delay %v < base %v", attempts, d, base))
			c.Assert(d <= base+jitterCap, qt.IsTrue, qt.Commentf("attempt %d: delay %v > base+jitter %v", attempts, d, base+jitterCap))
			c.Assert(d <= maxDelay, qt.IsTrue)
		}
	}
}

func TestRetryDelayClampsToMax(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	policy := delivery.RetryPolicy{
		MaxAttempts:       10,
		BackoffMultiplier: 10,
		InitialDelay:      10 * time.Second,
	}
	// 10s * 10^9 blows far past the cap.
	d := RetryDelay(policy, 10, 300*time.Second)
	c.Assert(d, qt.Equals, 300*time.Second)
}

func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}
