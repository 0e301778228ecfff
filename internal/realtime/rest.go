package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pomotimer/internal/protocol"
	"pomotimer/internal/session"
	"pomotimer/internal/timer"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	defaultStatsDays    = 7
)

type commandRequest struct {
	Duration *float64 `json:"duration"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMaxTimers):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"timers": len(s.sessionMgr.List()),
	})
}

func (s *Server) handleCreateTimer(w http.ResponseWriter, r *http.Request) {
	var req protocol.TimerCreatePayload
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Duration != nil && *req.Duration < 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "duration must not be negative")
		return
	}

	view, err := s.createTimer(req)
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessionMgr.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrTimerNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTimerCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Duration != nil && *req.Duration < 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "duration must not be negative")
		return
	}

	view, err := s.runCommand(vars["id"], timer.CommandKind(vars["command"]), req.Duration)
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionMgr.Close(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrTimerNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleGetPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, presetsPayload(s.sessionMgr.Presets()))
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrInternal, "history is disabled")
		return
	}

	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	records, err := s.history.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrInternal, "history is disabled")
		return
	}

	days, err := queryInt(r, "days", defaultStatsDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1-days)

	stats, err := s.history.Stats(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	daily, err := s.history.Daily(from, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": stats,
		"daily": daily,
	})
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}
