package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/version"
)

func (s *Server) handleVersion(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.writeData(w, req, http.StatusOK, map[string]any{"version": version.Version})
}

func (s *Server) handleOverview(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.writeData(w, req, http.StatusOK, s.d.Relay.Overview())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.writeData(w, req, http.StatusOK, s.d.Queue.Status())
}

// queueItemView is an item without its payload bytes; listings stay
// readable and do not leak payload contents into operator tooling.
type queueItemView struct {
	ID                  string          `json:"id"`
	WebhookID           string          `json:"webhookId"`
	WebhookName         string          `json:"webhookName"`
	EventID             string          `json:"eventId"`
	EventType           string          `json:"eventType"`
	Priority            string          `json:"priority"`
	Status              delivery.Status `json:"status"`
	Attempts            int             `json:"attempts"`
	CreatedAt           time.Time       `json:"createdAt"`
	NextAttemptAt       time.Time       `json:"nextAttemptAt"`
	LastError           string          `json:"lastError,omitempty"`
	RetryFromDeadLetter bool            `json:"retryFromDeadLetter,omitempty"`
}

func itemView(it delivery.Item) queueItemView {
	return queueItemView{
		ID:                  it.ID,
		WebhookID:           it.WebhookID,
		WebhookName:         it.WebhookName,
		EventID:             it.EventID,
		EventType:           it.EventType,
		Priority:            it.Priority.String(),
		Status:              it.Status,
		Attempts:            it.Attempts,
		CreatedAt:           it.CreatedAt,
		NextAttemptAt:       it.NextAttemptAt,
		LastError:           it.LastError,
		RetryFromDeadLetter: it.RetryFromDeadLetter,
	}
}

func (s *Server) handleQueueItems(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	st := delivery.Status(req.URL.Query().Get("status"))
	if st == "" {
		st = delivery.StatusQueued
	}
	switch st {
	case delivery.StatusQueued, delivery.StatusScheduled, delivery.StatusProcessing:
	default:
		s.writeErr(w, req, errs.B().Code(errs.InvalidArgument).
			Msgf("invalid status %q: want queued, scheduled, or processing", st).Err())
		return
	}

	items := s.d.Queue.Items(st)
	views := make([]queueItemView, 0, len(items))
	for _, it := range items {
		views = append(views, itemView(it))
	}
	s.writeData(w, req, http.StatusOK, map[string]any{
		"status": st,
		"items":  views,
		"total":  len(views),
	})
}

func dlqFilter(req *http.Request) (dlq.Filter, error) {
	limit, offset, err := pagination(req)
	if err != nil {
		return dlq.Filter{}, err
	}
	return dlq.Filter{
		WebhookID: req.URL.Query().Get("webhook"),
		EventType: req.URL.Query().Get("event"),
		Limit:     limit,
		Offset:    offset,
	}, nil
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	f, err := dlqFilter(req)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	entries, total := s.d.DeadLetter.List(f)
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	s.writeData(w, req, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   f.Limit,
		"offset":  f.Offset,
		"stats":   s.d.DeadLetter.Stats(),
	})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	e, err := s.d.DeadLetter.Get(ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, e)
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	item, err := s.d.DeadLetter.Retry(req.Context(), ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.log.Info().Str("delivery", item.ID).Msg("dead letter requeued")
	s.writeData(w, req, http.StatusAccepted, itemView(*item))
}

func (s *Server) handleRetryAllDeadLetters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	f, err := dlqFilter(req)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	// Bulk replay walks everything the filter selects.
	f.Limit, f.Offset = 0, 0
	outcome := s.d.DeadLetter.RetryAll(req.Context(), f)
	s.log.Info().Int("retried", outcome.Retried).Int("failed", outcome.Failed).
		Msg("dead letter bulk replay")
	s.writeData(w, req, http.StatusAccepted, outcome)
}

func (s *Server) handleRemoveDeadLetter(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.d.DeadLetter.Remove(req.Context(), id); err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, map[string]any{"id": id, "removed": true})
}

func (s *Server) handleClearDeadLetters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	n, err := s.d.DeadLetter.Clear(req.Context())
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.log.Info().Int("cleared", n).Msg("dead letter queue cleared")
	s.writeData(w, req, http.StatusOK, map[string]any{"cleared": n})
}

type checkView struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) runChecks(req *http.Request) (views []checkView, healthy bool) {
	results := s.d.Health.RunAll(req.Context())
	views = make([]checkView, 0, len(results))
	healthy = true
	for _, r := range results {
		v := checkView{Name: r.Name, Healthy: r.Err == nil}
		if r.Err != nil {
			healthy = false
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	return views, healthy
}

// writeProbe writes the bare JSON the probe endpoints use; probes check
// the status code, so no envelope.
func (s *Server) writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("encoding probe response failed")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	views, healthy := s.runChecks(req)
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeProbe(w, code, map[string]any{
		"status":  status,
		"version": version.Version,
		"checks":  views,
	})
}

// handleReadyz gates on the consumer actually running; a relay that is
// up but not consuming must not receive traffic cutover.
func (s *Server) handleReadyz(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	views, healthy := s.runChecks(req)
	ready := healthy && s.d.Relay.Running()
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	s.writeProbe(w, code, map[string]any{
		"status":  status,
		"running": s.d.Relay.Running(),
		"checks":  views,
	})
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeProbe(w, http.StatusOK, map[string]any{"status": "alive"})
}
