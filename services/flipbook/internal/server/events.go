package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crmflipbook/internal/util"
	"crmflipbook/services/flipbook/internal/app"
)

type recordEventRequest struct {
	SessionID  string `json:"sessionId"`
	EventType  string `json:"eventType"`
	PageNumber *int   `json:"pageNumber"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	if !s.allowEvent(w, r) {
		return
	}
	var req recordEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	e, err := s.app.RecordEvent(r.Context(), app.RecordEventInput{
		FlipbookID: chi.URLParam(r, "id"),
		SessionID:  req.SessionID,
		EventType:  req.EventType,
		PageNumber: req.PageNumber,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) allowEvent(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	ip := util.ClientIP(r, s.trusted)
	allowed, err := s.limiter.Allow(r.Context(), "events:"+ip)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("rate_limit_unavailable", "client_ip", ip, "err", err)
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many events")
		return false
	}
	return true
}

// handleExportEvents streams one session as NDJSON. Errors before the first line are
// reported as JSON; later errors end the stream and are only logged.
func (s *Server) handleExportEvents(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	count := 0
	for e, err := range s.app.StreamEvents(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sessionId")) {
		if err != nil {
			if !started {
				writeAppError(w, r, err)
				return
			}
			util.LoggerFromContext(r.Context()).Error("event_export_aborted", "err", err, "written", count)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(e); err != nil {
			return
		}
		count++
		if flusher != nil && count%100 == 0 {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}
