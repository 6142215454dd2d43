package server

import (
	"net/http"
	"strconv"

	"github.com/albinvar/anatome.ai/control"
	"github.com/albinvar/anatome.ai/job"
)

// handleJobs handles /api/jobs
// GET: list jobs (owner= for an owner's jobs, queue= for admins)
// POST: submit a job
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJob handles /api/jobs/{id} and its sub-actions:
// GET /api/jobs/{id}, POST /api/jobs/{id}/cancel, POST /api/jobs/{id}/retry,
// POST /api/jobs/bulk-cancel
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	if parts[0] == "bulk-cancel" {
		s.handleBulkCancel(w, r)
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleInspect(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req control.SubmitRequest
	if !readJSON(w, r, &req) {
		return
	}

	id, err := s.ctrl.Submit(s.callerFrom(r), req)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.ctrl.Inspect(s.callerFrom(r), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.ctrl.Cancel(s.callerFrom(r), id); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	newID, err := s.ctrl.Retry(s.callerFrom(r), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "retried_as": newID})
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	outcomes := s.ctrl.BulkCancel(s.callerFrom(r), req.IDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

type jobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Total int        `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.Filter{
		Type:   q.Get("type"),
		Status: job.Status(q.Get("status")),
	}
	page := job.Page{
		Limit:  intParam(q.Get("limit"), 0),
		Offset: intParam(q.Get("offset"), 0),
	}
	caller := s.callerFrom(r)

	var (
		jobs  []*job.Job
		total int
		err   error
	)
	if queueName := q.Get("queue"); queueName != "" {
		jobs, total, err = s.ctrl.ListForQueue(caller, queueName, filter, page)
	} else {
		owner := q.Get("owner")
		if owner == "" {
			owner = caller.Owner
		}
		jobs, total, err = s.ctrl.ListForOwner(caller, owner, filter, page)
	}
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
