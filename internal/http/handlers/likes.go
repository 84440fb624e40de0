package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/champi-dev/aipics/internal/middleware"
)

// ToggleLike flips the caller's like on a post and returns the
// authoritative result, including the like version clients reconcile on.
func (a *App) ToggleLike(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	res, err := a.Likes.Toggle(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// LikeStatus reports the stored count and, for an authenticated caller,
// whether they like the post.
func (a *App) LikeStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	res, err := a.Likes.Status(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
