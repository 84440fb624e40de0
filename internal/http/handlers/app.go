package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
	"github.com/champi-dev/aipics/internal/feed"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/infra/geoip"
	"github.com/champi-dev/aipics/internal/orchestrator"
)

// JobService is implemented by orchestrator.Orchestrator.
type JobService interface {
	Submit(ctx context.Context, ownerID, prompt string) (string, error)
	GetStatus(ctx context.Context, jobID string) (domain.JobView, bool, error)
}

// LikeService is implemented by ledger.Ledger.
type LikeService interface {
	Toggle(ctx context.Context, userID, postID string) (domain.LikeResult, error)
	Status(ctx context.Context, userID, postID string) (domain.LikeResult, error)
}

// EventSource is implemented by eventbus.Bus.
type EventSource interface {
	Subscribe(topic domain.Topic, filter eventbus.Filter) *eventbus.Subscription
}

// Recorder receives handler level counters. The metrics collector
// implements it.
type Recorder interface {
	SubmissionAccepted(country string)
	StreamOpened()
	StreamClosed()
}

type noopRecorder struct{}

func (noopRecorder) SubmissionAccepted(string) {}
func (noopRecorder) StreamOpened()             {}
func (noopRecorder) StreamClosed()             {}

// App holds the services behind the public HTTP surface.
type App struct {
	Jobs     JobService
	Likes    LikeService
	Feed     feed.Fetcher
	Bus      EventSource
	GeoIP    geoip.CountryResolver
	Recorder Recorder
	Logger   infra.Logger
	PageSize int
}

func (a *App) recorder() Recorder {
	if a.Recorder == nil {
		return noopRecorder{}
	}
	return a.Recorder
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

// fail maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without leaking its message.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		a.json(w, http.StatusUnprocessableEntity, map[string]errorBody{
			"error": {Code: "invalid_prompt", Message: verr.Reason, Field: verr.Field},
		})
	case errors.Is(err, domain.ErrInvalidPrompt):
		a.error(w, http.StatusUnprocessableEntity, "invalid_prompt", err.Error())
	case errors.Is(err, feed.ErrInvalidCursor):
		a.error(w, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, orchestrator.ErrClosed):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
	case errors.Is(err, context.Canceled):
		// client went away; nobody is listening for the body
	default:
		a.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("http: handler failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
