package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/middleware"
)

// ListFeed serves one page of completed posts, newest first. owner=me
// resolves to the authenticated user.
func (a *App) ListFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := a.PageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
		limit = n
	}

	var filter domain.FeedFilter
	switch owner := strings.TrimSpace(q.Get("owner")); owner {
	case "":
	case "me":
		filter.OwnerID = middleware.UserIDFromContext(r.Context())
		if filter.OwnerID == "" {
			a.error(w, http.StatusUnauthorized, "unauthorized", "owner=me requires authentication")
			return
		}
	default:
		filter.OwnerID = owner
	}

	page, err := a.Feed.ListFeed(r.Context(), filter, q.Get("cursor"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, page)
}
