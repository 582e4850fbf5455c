package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/models"
)

// Preprocessor produces the luminance-only variant the OCR stage reads.
// Richer conditioning (equalization, denoise, thresholding) happens in
// the OCR worker, not here.
type Preprocessor struct {
	catalog *Catalog
	queue   *Queue
	store   ObjectStore
	cfg     *config.AppConfig
}

func NewPreprocessor(catalog *Catalog, queue *Queue, store ObjectStore, cfg *config.AppConfig) *Preprocessor {
	return &Preprocessor{catalog: catalog, queue: queue, store: store, cfg: cfg}
}

// GreyscaleKey rewrites a sample key to its greyscale sibling.
func GreyscaleKey(sampleKey string) string {
	return strings.Replace(sampleKey, "/samples/", "/greyscaled/", 1)
}

// Handle processes one greyscale job. Running it twice for the same
// frame is safe: the object-store key is overwritten and the flag
// re-set; no duplicate rows appear.
func (p *Preprocessor) Handle(ctx context.Context, job *models.Job) error {
	var payload models.GreyscalePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parsing greyscale payload: %w", err)
	}

	key := ObjectKey(payload.FrameS3Key, p.cfg.S3.Bucket)

	workDir, err := os.MkdirTemp(p.cfg.App.TmpDir, "greyscale_")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	localPath := filepath.Join(workDir, "frame.jpg")
	if err := p.store.Download(ctx, key, localPath); err != nil {
		return fmt.Errorf("downloading frame %s: %w", key, err)
	}

	img, err := imaging.Open(localPath)
	if err != nil {
		// Malformed image: skip the unit, do not poison the job.
		log.Warn().Err(err).Str("key", key).Msg("undecodable frame, skipping")
		return nil
	}

	gray := imaging.Grayscale(img)
	grayPath := filepath.Join(workDir, "gray.jpg")
	if err := imaging.Save(gray, grayPath, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("encoding greyscale frame: %w", err)
	}

	greyKey := GreyscaleKey(key)
	if _, err := p.store.Upload(ctx, greyKey, grayPath); err != nil {
		return fmt.Errorf("uploading greyscale frame %s: %w", greyKey, err)
	}

	if err := p.catalog.MarkFrameGreyscaled(payload.VideoID, payload.FrameNumber, greyKey); err != nil {
		return err
	}

	_, err = p.queue.Enqueue(payload.VideoID, models.JobOCR, models.OCRPayload{
		VideoID:    payload.VideoID,
		FrameS3Key: greyKey,
	})
	return err
}
