package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/services"
)

type SearchHandler struct {
	search *services.SearchService
}

func NewSearchHandler(search *services.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

// Search answers GET /api/search?q=...&page=...&page_size=...&expires_in=...
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	expiresIn := queryInt(r, "expires_in", 0)

	results, err := h.search.Search(r.Context(), q, page, pageSize, expiresIn)
	if err != nil {
		log.Error().Err(err).Str("q", q).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, results)
}
