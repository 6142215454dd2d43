package server

import (
	"net/http"
	"time"

	"github.com/albinvar/anatome.ai/control"
	"github.com/albinvar/anatome.ai/job"
)

// handleQueues handles GET /api/queues
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	views, err := s.ctrl.QueueList(s.callerFrom(r))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": views})
}

// handleQueue handles /api/queues/{name} and its sub-actions:
// GET /api/queues/{name}, POST pause/resume/clean, PATCH config
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/queues/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing queue name")
		return
	}
	name := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	caller := s.callerFrom(r)

	switch {
	case action == "" && r.Method == http.MethodGet:
		detail, err := s.ctrl.QueueDetail(caller, name)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case action == "pause" && r.Method == http.MethodPost:
		if err := s.ctrl.PauseQueue(caller, name); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "paused"})

	case action == "resume" && r.Method == http.MethodPost:
		if err := s.ctrl.ResumeQueue(caller, name); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "resumed"})

	case action == "clean" && r.Method == http.MethodPost:
		s.handleCleanQueue(w, r, caller, name)

	case action == "config" && r.Method == http.MethodPatch:
		var update control.QueueConfigUpdate
		if !readJSON(w, r, &update) {
			return
		}
		d, err := s.ctrl.UpdateQueueConfig(caller, name, update)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, d)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCleanQueue(w http.ResponseWriter, r *http.Request, caller control.Caller, name string) {
	var req struct {
		OlderThanHours int    `json:"older_than_hours"`
		Status         string `json:"status,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.OlderThanHours <= 0 {
		writeError(w, http.StatusBadRequest, "older_than_hours must be positive")
		return
	}
	removed, err := s.ctrl.CleanQueue(caller, name, time.Duration(req.OlderThanHours)*time.Hour, job.Status(req.Status))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": name, "removed": removed})
}
