package relay

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"hookrelay.dev/internal/classify"
	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/queue"
	"hookrelay.dev/internal/router"
	"hookrelay.dev/internal/stats"
	"hookrelay.dev/internal/subscription"
)

// TestEventType is the event type carried by operator-triggered test
// deliveries.
const TestEventType = "webhook.test"

// TestResult reports the inline outcome of a test delivery.
type TestResult struct {
	DeliveryID string `json:"deliveryId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	BodyPrefix string `json:"bodyPrefix,omitempty"`
}

// TestDelivery sends one synthetic webhook.test event to the
// subscription's endpoint and waits for the outcome. It bypasses the
// queue and retry machinery but records the attempt in the history like
// any other delivery. Paused subscriptions may be tested; the call is an
// explicit operator action, not event routing.
func (s *Service) TestDelivery(ctx context.Context, webhookID string) (*TestResult, error) {
	sub, err := s.registry.FindByID(webhookID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &event.MutationRecord{
		OperationType: string(event.OpInsert),
		WallTime:      primitive.NewDateTimeFromTime(now),
		Namespace:     event.Namespace{Database: "hookrelay", Collection: "webhooks"},
		DocumentKey:   bson.M{"_id": sub.ID},
		FullDocument: bson.M{
			"_id":     sub.ID,
			"name":    sub.Name,
			"message": "This is a test delivery. Your endpoint is reachable.",
			"test":    true,
		},
	}
	ev := event.New(rec, TestEventType, "webhook")

	item, err := s.buildItem(rec, ev, delivery.High, sub)
	if err != nil {
		return nil, err
	}
	item.Retry = delivery.RetryPolicy{MaxAttempts: 1, BackoffMultiplier: 1, InitialDelay: 0}
	item.Attempts = 1

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()
	out := s.dispatcher.Attempt(attemptCtx, item)

	s.recorder.Record(ctx, &delivery.Attempt{
		DeliveryID: item.ID,
		WebhookID:  item.WebhookID,
		EventID:    item.EventID,
		EventType:  item.EventType,
		Attempt:    1,
		StartedAt:  started,
		DurationMs: out.Duration.Milliseconds(),
		Success:    out.Success,
		StatusCode: out.StatusCode,
		Error:      out.Error,
		ErrorKind:  out.ErrorKind,
		BodyPrefix: out.BodyPrefix,
	})

	return &TestResult{
		DeliveryID: item.ID,
		Success:    out.Success,
		StatusCode: out.StatusCode,
		DurationMs: out.Duration.Milliseconds(),
		Error:      out.Error,
		BodyPrefix: out.BodyPrefix,
	}, nil
}

// ReplayResult summarizes an event replay.
type ReplayResult struct {
	EventID  string   `json:"eventId"`
	Enqueued int      `json:"enqueued"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Replay rebuilds the deliveries for a logged event. With no webhook ids
// the event routes through the normal matching rules against the current
// subscriptions; with explicit ids it delivers to exactly those, skipping
// ones that are paused or gone. Replayed deliveries keep the original
// event id so receivers can correlate them.
func (s *Service) Replay(ctx context.Context, eventID string, webhookIDs []string) (*ReplayResult, error) {
	if s.events == nil {
		return nil, errs.B().Code(errs.FailedPrecondition).Msg("event log is disabled; replay is unavailable").Err()
	}

	logRec, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	rec := logRec.Mutation()
	ev := logRec.Classified()
	pri := classify.Classify(rec).Priority

	res := &ReplayResult{EventID: eventID}

	var targets []*subscription.Subscription
	if len(webhookIDs) == 0 {
		targets = s.router.Route(rec, ev, s.registry.Snapshot())
	} else {
		for _, id := range webhookIDs {
			sub, err := s.registry.FindByID(id)
			if err != nil {
				res.Skipped = append(res.Skipped, id+": not found")
				continue
			}
			if !sub.Active {
				res.Skipped = append(res.Skipped, id+": paused")
				continue
			}
			targets = append(targets, sub)
		}
	}

	for _, sub := range targets {
		item, err := s.buildItem(rec, ev, pri, sub)
		if err != nil {
			res.Skipped = append(res.Skipped, sub.ID+": "+err.Error())
			continue
		}
		if err := s.queue.Enqueue(item); err != nil {
			// A full queue fails the replay rather than blocking the
			// API call; the operator retries later.
			if errs.Code(err) == errs.ResourceExhausted {
				return res, err
			}
			res.Skipped = append(res.Skipped, sub.ID+": "+err.Error())
			continue
		}
		res.Enqueued++
	}

	s.log.Info().
		Str("event", eventID).
		Int("enqueued", res.Enqueued).
		Int("skipped", len(res.Skipped)).
		Msg("event replayed")
	return res, nil
}

// WireDeadLetterReplay connects the dead-letter queue's replay sink to
// the relay. Must be called before the API can trigger replays.
func (s *Service) WireDeadLetterReplay() {
	s.deadletter.OnRetry(s.replayDeadLetter)
}

// replayDeadLetter re-resolves the live subscription before the re-armed
// item enters the queue: endpoint, headers, secret, timeout, and retry
// budget all come from the subscription as it is now, not as it was when
// the delivery died. The item keeps its original priority.
func (s *Service) replayDeadLetter(ctx context.Context, item *delivery.Item) error {
	sub, err := s.registry.FindByID(item.WebhookID)
	if err != nil {
		return errs.WrapCode(err, errs.FailedPrecondition, "replay target subscription is gone")
	}
	if !sub.Active {
		return errs.B().Code(errs.FailedPrecondition).
			Msgf("subscription %s is paused; resume it before replaying", sub.ID).Err()
	}

	item.URL = sub.URL
	item.Headers = sub.Headers
	item.Secret = sub.Secret
	item.Timeout = sub.Timeout()
	retry := sub.Retry.Resolve()
	if retry.MaxAttempts == 0 {
		retry = s.cfg.DefaultRetry.Resolve()
	}
	item.Retry = retry

	return s.queue.Enqueue(item)
}

// Overview aggregates the pipeline's moving parts for the management
// status endpoint.
type Overview struct {
	Running       bool               `json:"running"`
	Subscriptions SubscriptionCounts `json:"subscriptions"`
	Queue         queue.Status       `json:"queue"`
	Routing       router.Stats       `json:"routing"`
	Pipeline      stats.Snapshot     `json:"pipeline"`
	DeadLetter    dlq.Stats          `json:"deadLetter"`
}

// SubscriptionCounts summarizes the registry for the status endpoint.
type SubscriptionCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Overview returns a point-in-time view across the registry, queue,
// router, pipeline counters, and dead-letter queue.
func (s *Service) Overview() Overview {
	active := true
	return Overview{
		Running: s.Running(),
		Subscriptions: SubscriptionCounts{
			Total:  s.registry.Count(subscription.Filter{}),
			Active: s.registry.Count(subscription.Filter{Active: &active}),
		},
		Queue:      s.queue.Status(),
		Routing:    s.router.Stats(),
		Pipeline:   s.pipeline.Snapshot(),
		DeadLetter: s.deadletter.Stats(),
	}
}
