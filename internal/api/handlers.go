package api

import (
	"context"
	"net/http"

	"github.com/p-arndt/voicepool/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Connect(r.Context())
	if err != nil {
		s.logger.Error("connect", "request_id", requestID(r), "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Info("session connected", "request_id", requestID(r), "session_id", res.SessionID, "room_url", res.RoomURL)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDisconnect always reports success. The stop is detached from the
// request so a client abort cannot cut the worker's grace period.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Disconnect(context.WithoutCancel(r.Context()), id); err != nil {
		s.logger.Error("disconnect", "request_id", requestID(r), "session_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("detail") == "true" {
		writeJSON(w, http.StatusOK, s.manager.Sessions())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Wake(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Sleep(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req session.Report
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if req.Status != "" {
		if _, err := session.ParseReported(req.Status); err != nil {
			writeValidationError(w, err.Error(), map[string]any{"status": req.Status})
			return
		}
	}

	if err := s.manager.Report(r.PathValue("id"), req); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeDisabledError(w, "session history is disabled")
		return
	}
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	records, err := s.history.ListHistory(limit)
	if err != nil {
		s.logger.Error("list history", "request_id", requestID(r), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeDisabledError(w, "event feed is disabled")
		return
	}
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	evs, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("read recent events", "request_id", requestID(r), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
