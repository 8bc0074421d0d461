package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/history"
	"hookrelay.dev/internal/period"
	"hookrelay.dev/internal/subscription"
)

// subscriptionRequest is the create/update body. Pointer fields
// distinguish "absent" from an explicit zero so updates merge instead of
// replace; Validate on the assembled subscription rejects bad values.
type subscriptionRequest struct {
	Name           string                    `json:"name"`
	URL            string                    `json:"url"`
	Secret         *string                   `json:"secret"`
	Events         []string                  `json:"events"`
	Filters        *subscription.Filters     `json:"filters"`
	Active         *bool                     `json:"active"`
	Retry          *subscription.RetryPolicy `json:"retry"`
	TimeoutSeconds *int                      `json:"timeoutSeconds"`
	Headers        map[string]string         `json:"headers"`
	PayloadFilter  string                    `json:"payloadFilter"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	limit, offset, err := pagination(req)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	active, err := boolParam(req, "active")
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	f := subscription.Filter{
		Active:       active,
		Event:        req.URL.Query().Get("event"),
		NameContains: req.URL.Query().Get("name"),
		Limit:        limit,
		Offset:       offset,
	}
	subs := s.d.Registry.List(f)
	total := s.d.Registry.Count(f)

	s.writeData(w, req, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	sub, err := s.d.Registry.FindByID(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, sub)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var in subscriptionRequest
	if err := decodeBody(req, &in); err != nil {
		s.writeErr(w, req, err)
		return
	}

	now := time.Now().UTC()
	sub := &subscription.Subscription{
		ID:             subscription.NewID(),
		Name:           in.Name,
		URL:            in.URL,
		Events:         in.Events,
		Active:         true,
		Retry:          s.cfg.DefaultRetry,
		TimeoutSeconds: s.cfg.DefaultTimeoutSeconds,
		Headers:        in.Headers,
		PayloadFilter:  in.PayloadFilter,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Filters != nil {
		sub.Filters = *in.Filters
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.Retry != nil {
		sub.Retry = *in.Retry
	}
	if in.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *in.TimeoutSeconds
	}

	if err := s.d.Registry.Upsert(req.Context(), sub); err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.log.Info().Str("subscription", sub.ID).Str("name", sub.Name).Msg("subscription created")
	s.writeData(w, req, http.StatusCreated, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	existing, err := s.d.Registry.FindByID(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	var in subscriptionRequest
	if err := decodeBody(req, &in); err != nil {
		s.writeErr(w, req, err)
		return
	}

	sub := existing.Clone()
	if in.Name != "" {
		sub.Name = in.Name
	}
	if in.URL != "" {
		sub.URL = in.URL
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Events != nil {
		sub.Events = in.Events
	}
	if in.Filters != nil {
		sub.Filters = *in.Filters
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.Retry != nil {
		sub.Retry = *in.Retry
	}
	if in.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.Headers != nil {
		sub.Headers = in.Headers
	}
	if in.PayloadFilter != "" {
		sub.PayloadFilter = in.PayloadFilter
	}
	sub.ModifiedAt = time.Now().UTC()

	if err := s.d.Registry.Upsert(req.Context(), sub); err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.log.Info().Str("subscription", sub.ID).Msg("subscription updated")
	s.writeData(w, req, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.d.Registry.Remove(req.Context(), id); err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.log.Info().Str("subscription", id).Msg("subscription deleted")
	s.writeData(w, req, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleTestSubscription(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	res, err := s.d.Relay.TestDelivery(req.Context(), ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, res)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	sub, err := s.d.Registry.FindByID(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	limit, offset, err := pagination(req)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	success, err := boolParam(req, "success")
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	from, err := timeParam(req, "from")
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	to, err := timeParam(req, "to")
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	q := history.Query{Success: success, From: from, To: to, Limit: limit, Offset: offset}
	rows, err := s.d.History.List(req.Context(), sub.ID, q)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	total, err := s.d.History.Count(req.Context(), sub.ID, q)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	if rows == nil {
		rows = []*delivery.Attempt{}
	}

	s.writeData(w, req, http.StatusOK, map[string]any{
		"deliveries": rows,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleSubscriptionStats aggregates the delivery history over a
// relative window, default 24h.
func (s *Server) handleSubscriptionStats(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	sub, err := s.d.Registry.FindByID(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	p := req.URL.Query().Get("period")
	if p == "" {
		p = "24h"
	}
	window, err := period.Parse(p)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}

	now := time.Now().UTC()
	stats, err := s.d.History.StatsFor(req.Context(), sub.ID, now.Add(-window), now)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, map[string]any{
		"period": p,
		"stats":  stats,
		// Running totals since the subscription was created.
		"lifetime": sub.Stats,
	})
}
