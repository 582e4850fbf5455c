package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/models"
	"github.com/pasogott/cortana-vision/services"
)

type VideoHandler struct {
	search *services.SearchService
}

func NewVideoHandler(search *services.SearchService) *VideoHandler {
	return &VideoHandler{search: search}
}

func (h *VideoHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.search.Summary()
	if err != nil {
		log.Error().Err(err).Msg("summary query failed")
		writeError(w, http.StatusInternalServerError, "failed to compute summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.search.ListVideos()
	if err != nil {
		log.Error().Err(err).Msg("video listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	writeJSON(w, http.StatusOK, models.VideoList{Items: items})
}

func (h *VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")

	detail, err := h.search.GetVideo(videoID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		log.Error().Err(err).Str("video_id", videoID).Msg("video lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load video")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Frames pages through a video's OCR'd frames. Each item carries a
// presigned image URL; expires_in is clamped server side.
func (h *VideoHandler) Frames(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")

	if _, err := h.search.GetVideo(videoID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		log.Error().Err(err).Str("video_id", videoID).Msg("video lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load video")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	expiresIn := queryInt(r, "expires_in", 0)

	page, err := h.search.ListVideoFrames(r.Context(), videoID, limit, offset, expiresIn)
	if err != nil {
		log.Error().Err(err).Str("video_id", videoID).Msg("frame listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list frames")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
