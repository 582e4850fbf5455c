package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/models"
	"github.com/pasogott/cortana-vision/services"
)

// 2 GiB per upload.
const maxUploadBytes = 2 << 30

type UploadHandler struct {
	cfg     *config.AppConfig
	catalog *services.Catalog
	store   services.ObjectStore
	queue   *services.Queue
}

func NewUploadHandler(cfg *config.AppConfig, catalog *services.Catalog, store services.ObjectStore, queue *services.Queue) *UploadHandler {
	return &UploadHandler{cfg: cfg, catalog: catalog, store: store, queue: queue}
}

// Upload accepts a multipart video, stores it in the object store under
// videos/{id}/{filename} and queues a sample job. It answers 202 before
// any frame is extracted; progress is visible through /api/videos.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	videoID := uuid.NewString()
	if err := h.catalog.CreateVideo(videoID, filename); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register video")
		return
	}

	tmpDir, err := os.MkdirTemp(h.cfg.App.TmpDir, "upload-*")
	if err != nil {
		h.fail(w, videoID, "failed to stage upload", err)
		return
	}
	defer os.RemoveAll(tmpDir)

	localPath := filepath.Join(tmpDir, filename)
	written, err := copyToFile(localPath, file)
	if err != nil {
		h.fail(w, videoID, "failed to read upload", err)
		return
	}

	key := fmt.Sprintf("videos/%s/%s", videoID, filename)
	url, err := h.store.Upload(r.Context(), key, localPath)
	if err != nil {
		h.fail(w, videoID, "failed to store video", err)
		return
	}

	if err := h.catalog.SetVideoPath(videoID, url); err != nil {
		h.fail(w, videoID, "failed to record video path", err)
		return
	}

	payload := models.SamplePayload{VideoID: videoID, Filename: filename}
	if _, err := h.queue.Enqueue(videoID, models.JobSample, payload); err != nil {
		h.fail(w, videoID, "failed to queue processing", err)
		return
	}

	log.Info().
		Str("video_id", videoID).
		Str("filename", filename).
		Str("size", humanize.Bytes(uint64(written))).
		Msg("video uploaded")

	writeJSON(w, http.StatusAccepted, models.UploadResponse{
		VideoID:  videoID,
		Filename: filename,
		Status:   models.VideoQueued,
	})
}

func (h *UploadHandler) fail(w http.ResponseWriter, videoID, detail string, err error) {
	log.Error().Err(err).Str("video_id", videoID).Msg(detail)
	if serr := h.catalog.SetVideoStatus(videoID, models.VideoFailed); serr != nil {
		log.Error().Err(serr).Str("video_id", videoID).Msg("failed to mark video failed")
	}
	writeError(w, http.StatusInternalServerError, detail)
}

func copyToFile(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, err
	}
	return n, dst.Sync()
}
