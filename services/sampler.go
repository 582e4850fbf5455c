package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/metrics"
	"github.com/pasogott/cortana-vision/models"
)

// Sampler turns a source video into a deduplicated, ordered set of
// keyframes and fans out one greyscale job per kept frame.
type Sampler struct {
	catalog *Catalog
	queue   *Queue
	store   ObjectStore
	cfg     *config.AppConfig

	// extract produces candidate keyframes from a downloaded source.
	extract func(ctx context.Context, videoPath, outDir string, threshold float64) ([]SceneFrame, error)
}

func NewSampler(catalog *Catalog, queue *Queue, store ObjectStore, cfg *config.AppConfig) *Sampler {
	return &Sampler{catalog: catalog, queue: queue, store: store, cfg: cfg, extract: ExtractSceneFrames}
}

// Handle processes one sample job end to end. Source download and
// scene-detector failures are returned (the job is retried); a
// per-frame upload failure only skips that frame.
func (s *Sampler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.SamplePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parsing sample payload: %w", err)
	}

	video, err := s.catalog.GetVideo(payload.VideoID)
	if err != nil {
		return fmt.Errorf("loading video %s: %w", payload.VideoID, err)
	}

	srcKey := ObjectKey(video.Path, s.cfg.S3.Bucket)
	if srcKey == "" {
		srcKey = fmt.Sprintf("videos/%s/%s", video.ID, payload.Filename)
	}

	workDir, err := os.MkdirTemp(s.cfg.App.TmpDir, "sample_"+video.ID+"_")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "source"+filepath.Ext(payload.Filename))
	if err := s.store.Download(ctx, srcKey, srcPath); err != nil {
		return fmt.Errorf("downloading source %s: %w", srcKey, err)
	}

	framesDir := filepath.Join(workDir, "frames")
	candidates, err := s.extract(ctx, srcPath, framesDir, s.cfg.Sampler.SceneThreshold)
	if err != nil {
		return err
	}

	dedup := &Deduper{
		Cutoff:         s.cfg.Sampler.HistCorrelation,
		PHashEnabled:   s.cfg.Sampler.PHashEnabled,
		PHashThreshold: s.cfg.Sampler.PHashThreshold,
	}

	kept := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !dedup.Keep(cand.Path) {
			metrics.FramesDropped.Inc()
			continue
		}

		// Ordinals must stay a dense 1..N prefix, so a frame whose
		// upload fails gives its slot to the next kept frame.
		ordinal := kept + 1
		key := fmt.Sprintf("videos/%s/samples/frame_%04d.jpg", video.ID, ordinal)

		url, err := s.store.Upload(ctx, key, cand.Path)
		if err != nil {
			// Skip this frame, keep the stream going.
			log.Error().Err(err).Str("video_id", video.ID).Str("key", key).
				Msg("frame upload failed, skipping frame")
			continue
		}
		kept++
		metrics.FramesKept.Inc()

		frameTime := float64(ordinal - 1)
		if cand.HasTimestamp {
			frameTime = cand.Timestamp
		}

		if err := s.catalog.UpsertFrame(video.ID, ordinal, frameTime, key); err != nil {
			return err
		}

		_, err = s.queue.Enqueue(video.ID, models.JobGreyscale, models.GreyscalePayload{
			VideoID:     video.ID,
			FrameNumber: ordinal,
			FrameS3Key:  key,
			FrameURL:    url,
		})
		if err != nil {
			return err
		}
	}

	log.Info().Str("video_id", video.ID).Int("candidates", len(candidates)).Int("kept", kept).
		Msg("sampling complete")

	return s.catalog.MarkVideoSampled(video.ID)
}
