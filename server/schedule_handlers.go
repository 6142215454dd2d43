package server

import (
	"encoding/json"
	"net/http"
)

// handleSchedules handles /api/schedules
// GET: list cron entries
// POST: register a cron entry
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.ctrl.ListScheduled()
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})

	case http.MethodPost:
		var req struct {
			Name       string          `json:"name,omitempty"`
			Queue      string          `json:"queue"`
			Type       string          `json:"type"`
			Payload    json.RawMessage `json:"payload,omitempty"`
			Expression string          `json:"cron"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		entry, err := s.ctrl.ScheduleRepeating(s.callerFrom(r), req.Name, req.Queue, req.Type, req.Payload, req.Expression)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSchedule handles /api/schedules/{name}:
// DELETE removes the entry; POST sub-actions stop, resume or trigger it.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/schedules/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing schedule name")
		return
	}
	name := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	caller := s.callerFrom(r)

	switch {
	case action == "" && r.Method == http.MethodDelete:
		if err := s.ctrl.DeleteRepeating(caller, name); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})

	case action == "stop" && r.Method == http.MethodPost:
		if err := s.ctrl.CancelRepeating(caller, name); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "stopped"})

	case action == "resume" && r.Method == http.MethodPost:
		entry, err := s.ctrl.ResumeRepeating(caller, name)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case action == "trigger" && r.Method == http.MethodPost:
		id, err := s.ctrl.TriggerScheduled(caller, name)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"name": name, "job_id": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMetricsReport handles GET /api/metrics?queue=&window_hours=
func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	report, err := s.ctrl.Metrics(s.callerFrom(r), q.Get("queue"), intParam(q.Get("window_hours"), 0))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealth handles GET /healthz with the per-queue rollup. A degraded
// queue set still answers 200; the body carries the classification.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	summary, err := s.ctrl.HealthSummary()
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleReady handles GET /readyz: 200 once the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if err := s.jobs.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
