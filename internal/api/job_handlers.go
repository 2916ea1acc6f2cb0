package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/controller"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/remote"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

type startJobRequest struct {
	URL         string              `json:"url"`
	MaxResults  int                 `json:"max_results"`
	Coordinates *remote.Coordinates `json:"coordinates,omitempty"`
}

type environmentRequest struct {
	Online  *bool `json:"online"`
	Visible *bool `json:"visible"`
}

type jobResponse struct {
	Job       tracker.Job         `json:"job"`
	ErrorView *recovery.ErrorView `json:"error_view,omitempty"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	identity := strings.TrimSpace(r.Header.Get(remote.IdentityHeader))
	if identity == "" {
		identity = s.cfg.Backend.UserIdentity
	}
	job, err := s.tracker.Start(r.Context(), controller.StartRequest{
		URL:          strings.TrimSpace(req.URL),
		MaxResults:   req.MaxResults,
		Coordinates:  req.Coordinates,
		UserIdentity: identity,
	})
	if err != nil {
		if errors.Is(err, controller.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("start job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	writeJSON(w, http.StatusAccepted, s.jobResponse(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := tracker.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.tracker.Jobs(status)})
}

func (s *Server) activeJob(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.tracker.ActiveJob()
	if !ok {
		writeError(w, http.StatusNotFound, "no active job")
		return
	}
	writeJSON(w, http.StatusOK, s.jobResponse(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.tracker.Job(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, s.jobResponse(job))
}

func (s *Server) dismissJob(w http.ResponseWriter, r *http.Request) {
	s.tracker.Stop(r.Context(), chi.URLParam(r, "job_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Pause(chi.URLParam(r, "job_id"))
	s.writeCommandResult(w, job, err)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Resume(chi.URLParam(r, "job_id"))
	s.writeCommandResult(w, job, err)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Retry(r.Context(), chi.URLParam(r, "job_id"))
	s.writeCommandResult(w, job, err)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Stats())
}

func (s *Server) refreshChannel(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Refresh(r.Context())
	if err != nil {
		// Channel failures are reflected in the returned status.
		s.logger.Warn("channel refresh failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": st})
}

func (s *Server) setEnvironment(w http.ResponseWriter, r *http.Request) {
	var req environmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Online == nil && req.Visible == nil {
		writeError(w, http.StatusBadRequest, "online or visible is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environment": s.tracker.SetEnvironment(req.Online, req.Visible)})
}

func (s *Server) writeCommandResult(w http.ResponseWriter, job tracker.Job, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.jobResponse(job))
	case errors.Is(err, controller.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, recovery.ErrNotInError),
		errors.Is(err, recovery.ErrRetriesExhausted),
		errors.Is(err, recovery.ErrRetryScheduled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("job command failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) jobResponse(job tracker.Job) jobResponse {
	resp := jobResponse{Job: job}
	if view, ok := s.tracker.ErrorView(job.ID); ok {
		resp.ErrorView = &view
	}
	return resp
}
