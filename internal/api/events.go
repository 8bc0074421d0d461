package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"hookrelay.dev/internal/classify"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/store"
)

func (s *Server) eventLogEnabled() error {
	if s.d.Events == nil {
		return errs.B().Code(errs.FailedPrecondition).
			Msg("the event log is disabled; enable events.enabled to use this endpoint").Err()
	}
	return nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if err := s.eventLogEnabled(); err != nil {
		s.writeErr(w, req, err)
		return
	}

	limit, offset, err := pagination(req)
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

	q := store.EventQuery{
		EventType:  req.URL.Query().Get("type"),
		Collection: req.URL.Query().Get("collection"),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	}
	rows, err := s.d.Events.List(req.Context(), q)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	total, err := s.d.Events.Count(req.Context(), q)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	if rows == nil {
		rows = []*event.LogRecord{}
	}

	s.writeData(w, req, http.StatusOK, map[string]any{
		"events": rows,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := s.eventLogEnabled(); err != nil {
		s.writeErr(w, req, err)
		return
	}
	rec, err := s.d.Events.Get(req.Context(), ps.ByName("id"))
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusOK, rec)
}

// handleReplayEvent re-routes a logged event. With no body (or an empty
// webhookIds list) it fans out to every matching subscription; with ids
// it targets just those, skipping missing or paused ones.
func (s *Server) handleReplayEvent(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var in struct {
		WebhookIDs []string `json:"webhookIds"`
	}
	if req.ContentLength != 0 {
		if err := decodeBody(req, &in); err != nil {
			s.writeErr(w, req, err)
			return
		}
	}

	res, err := s.d.Relay.Replay(req.Context(), ps.ByName("id"), in.WebhookIDs)
	if err != nil {
		s.writeErr(w, req, err)
		return
	}
	s.writeData(w, req, http.StatusAccepted, res)
}

func (s *Server) handleEventTypes(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.writeData(w, req, http.StatusOK, map[string]any{
		"catalog": classify.Catalog(),
	})
}
