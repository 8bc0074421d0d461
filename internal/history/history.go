// Package history keeps the append-only audit trail of delivery
// attempts.
//
// Writes are fire-and-forget from the delivery pipeline's point of view:
// a failed history write is logged and dropped, never propagated, so an
// unhealthy audit store cannot stall deliveries.
package history

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"hookrelay.dev/internal/delivery"
)

// Query narrows List and Count results for one webhook.
type Query struct {
	// Success filters on outcome when non-nil.
	Success *bool
	// From and To bound StartedAt; zero values leave the bound open.
	From time.Time
	To   time.Time
	// Limit and Offset paginate; Limit 0 applies the store default.
	Limit  int
	Offset int
}

// Store is the persistence behind the history.
type Store interface {
	// Insert appends one attempt record.
	Insert(ctx context.Context, a *delivery.Attempt) error
	// List returns attempts for a webhook, newest first.
	List(ctx context.Context, webhookID string, q Query) ([]*delivery.Attempt, error)
	// Count reports how many attempts match the query.
	Count(ctx context.Context, webhookID string, q Query) (int64, error)
}

// statsSampleCap bounds how many rows a StatsFor aggregation folds over.
// Windows with more attempts aggregate over the most recent rows only.
const statsSampleCap = 10000

// recordTimeout bounds the background persistence of one attempt row.
const recordTimeout = 10 * time.Second

// History records and serves delivery attempt audit rows.
type History struct {
	store Store
	log   zerolog.Logger
}

// New returns a history backed by store.
func New(store Store, log zerolog.Logger) *History {
	return &History{
		store: store,
		log:   log.With().Str("component", "history").Logger(),
	}
}

// Record persists one attempt. Errors are logged and swallowed; the
// pipeline prefers loss of audit over stalling. The caller's context is
// only used to observe process shutdown, not per-call deadlines.
func (h *History) Record(ctx context.Context, a *delivery.Attempt) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := h.store.Insert(ctx, a); err != nil {
		h.log.Error().Err(err).
			Str("delivery", a.DeliveryID).
			Str("webhook", a.WebhookID).
			Int("attempt", a.Attempt).
			Msg("recording delivery attempt failed; audit row lost")
	}
}

// List returns the attempts for a webhook matching q, newest first.
func (h *History) List(ctx context.Context, webhookID string, q Query) ([]*delivery.Attempt, error) {
	return h.store.List(ctx, webhookID, q)
}

// Count reports how many attempts match q for the webhook.
func (h *History) Count(ctx context.Context, webhookID string, q Query) (int64, error) {
	return h.store.Count(ctx, webhookID, q)
}

// WebhookStats aggregates a webhook's attempts over a window.
type WebhookStats struct {
	WebhookID string    `json:"webhookId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`

	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`

	AvgDurationMs int64 `json:"avgDurationMs"`
	P95DurationMs int64 `json:"p95DurationMs"`

	ByStatusCode map[string]int64 `json:"byStatusCode"`
}

// StatsFor aggregates the webhook's attempts between from and to,
// inclusive. The fold runs in-process over the most recent rows in the
// window, capped at statsSampleCap.
func (h *History) StatsFor(ctx context.Context, webhookID string, from, to time.Time) (*WebhookStats, error) {
	rows, err := h.store.List(ctx, webhookID, Query{From: from, To: to, Limit: statsSampleCap})
	if err != nil {
		return nil, err
	}

	s := &WebhookStats{
		WebhookID:    webhookID,
		From:         from,
		To:           to,
		ByStatusCode: make(map[string]int64),
	}

	durations := make([]int64, 0, len(rows))
	var totalMs int64
	for _, row := range rows {
		s.Total++
		if row.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if row.StatusCode != 0 {
			s.ByStatusCode[statusKey(row.StatusCode)]++
		}
		totalMs += row.DurationMs
		durations = append(durations, row.DurationMs)
	}

	if s.Total > 0 {
		s.AvgDurationMs = totalMs / s.Total
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := int(0.95*float64(len(durations))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(durations) {
			idx = len(durations) - 1
		}
		s.P95DurationMs = durations[idx]
	}
	return s, nil
}

func statusKey(code int) string {
	if code < 100 || code > 999 {
		return "other"
	}
	return strconv.Itoa(code)
}
