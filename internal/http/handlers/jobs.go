package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra/geoip"
	"github.com/champi-dev/aipics/internal/middleware"
)

const maxSubmitBody = 16 << 10

type submitJobRequest struct {
	Prompt string `json:"prompt"`
}

type submitJobResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// SubmitJob queues a generation for the authenticated user.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	jobID, err := a.Jobs.Submit(r.Context(), userID, req.Prompt)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	country := geoip.Label(a.GeoIP, middleware.ClientIP(r))
	a.recorder().SubmissionAccepted(country)
	a.Logger.Info().
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("job_id", jobID).
		Str("owner_id", userID).
		Str("country", country).
		Msg("http: job submitted")
	a.json(w, http.StatusAccepted, submitJobResponse{JobID: jobID, Status: domain.JobStatusQueued})
}

// JobStatus returns the current view of a job.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job id required")
		return
	}
	view, found, err := a.Jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !found {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, view)
}
