package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/models"
)

// OCREngine is the external text-recognition contract: image file in,
// UTF-8 text out. Anything satisfying it plugs in (tesseract, a mock,
// a remote model).
type OCREngine interface {
	Recognize(ctx context.Context, imagePath, languages string) (string, error)
}

// TesseractEngine shells out to the tesseract CLI, the way the sampler
// shells out to ffmpeg.
type TesseractEngine struct {
	Command string
}

func (e *TesseractEngine) Recognize(ctx context.Context, imagePath, languages string) (string, error) {
	cmd := exec.CommandContext(ctx, e.Command,
		imagePath, "stdout",
		"-l", languages,
		"--oem", "3",
		"--psm", "6",
		"-c", "preserve_interword_spaces=1",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract %s: %w (%s)", languages, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// OCRWorker downloads a greyscale frame, conditions it, runs OCR and
// upserts the result; when the video's last frame lands it flips the
// video to ready.
type OCRWorker struct {
	catalog   *Catalog
	store     ObjectStore
	engine    OCREngine
	publisher Publisher
	cfg       *config.AppConfig
}

func NewOCRWorker(catalog *Catalog, store ObjectStore, engine OCREngine, publisher Publisher, cfg *config.AppConfig) *OCRWorker {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &OCRWorker{catalog: catalog, store: store, engine: engine, publisher: publisher, cfg: cfg}
}

// Handle processes one ocr job. Engine failures are fatal (retrying
// against broken traineddata is futile); bad input skips the unit
// without poisoning the job.
func (w *OCRWorker) Handle(ctx context.Context, job *models.Job) error {
	var payload models.OCRPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parsing ocr payload: %w", err)
	}

	key := ObjectKey(payload.FrameS3Key, w.cfg.S3.Bucket)

	workDir, err := os.MkdirTemp(w.cfg.App.TmpDir, "ocr_")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	localPath := filepath.Join(workDir, "frame.jpg")
	if err := w.store.Download(ctx, key, localPath); err != nil {
		return fmt.Errorf("downloading frame %s: %w", key, err)
	}

	img, err := imaging.Open(localPath)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("undecodable frame, skipping")
		return nil
	}

	enhanced := EnhanceForOCR(img)
	enhancedPath := filepath.Join(workDir, "enhanced.png")
	if err := imaging.Save(enhanced, enhancedPath); err != nil {
		return fmt.Errorf("saving enhanced frame: %w", err)
	}

	text, err := w.engine.Recognize(ctx, enhancedPath, w.cfg.OCR.Languages)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("multi-language OCR failed, retrying english only")
		text, err = w.engine.Recognize(ctx, enhancedPath, "eng")
		if err != nil {
			// Operator-fixable engine failure; retry storms help nobody.
			return Fatal(fmt.Errorf("ocr engine: %w", err))
		}
	}

	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	videoID := payload.VideoID
	if videoID == "" {
		videoID = videoIDFromKey(key)
	}
	if _, err := w.catalog.GetVideo(videoID); errors.Is(err, ErrNotFound) {
		// OCR output for a video the catalog never saw; synthesize the
		// parent so the FK invariant holds.
		if err := w.catalog.EnsureVideo(videoID, "auto_recovered"); err != nil {
			return err
		}
	}

	if err := w.catalog.UpsertOCRFrame(videoID, key, text); err != nil {
		return err
	}

	ready, err := w.catalog.MarkVideoReadyIfComplete(videoID)
	if err != nil {
		return err
	}
	if ready {
		log.Info().Str("video_id", videoID).Msg("video ready")
	}

	if err := w.publisher.Publish(ctx, EventOCRIndexUpdated, key); err != nil {
		// The index is already consistent via triggers; a lost event
		// only affects auxiliary consumers.
		log.Warn().Err(err).Str("key", key).Msg("event publish failed")
	}

	log.Info().Str("key", key).Int("chars", len(text)).Msg("frame indexed")
	return nil
}

// videoIDFromKey parses videos/{video_id}/... keys.
func videoIDFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) > 2 && parts[0] == "videos" {
		return parts[1]
	}
	return parts[0]
}
