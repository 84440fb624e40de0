package handlers

import (
	"net/http"
)

type activeCounter interface {
	Active() int
}

// Health reports liveness and, when the job service exposes it, the number
// of jobs currently being driven.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if c, ok := a.Jobs.(activeCounter); ok {
		body["active_jobs"] = c.Active()
	}
	a.json(w, http.StatusOK, body)
}
