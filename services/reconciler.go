package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconciler backfills ocr_index rows the triggers missed, e.g. rows
// written before a self-heal recreated the index. Normally it finds
// nothing to do.
type Reconciler struct {
	catalog  *Catalog
	interval time.Duration
}

func NewReconciler(catalog *Catalog, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{catalog: catalog, interval: interval}
}

// Run reconciles on a fixed ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReconcileOnce()
			if err != nil {
				log.Warn().Err(err).Msg("index reconcile failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("backfilled", n).Msg("reconciled ocr index")
			}
		}
	}
}

// ReconcileOnce inserts every processed ocr_frames row that has no
// counterpart in ocr_index and returns how many rows were added.
func (r *Reconciler) ReconcileOnce() (int64, error) {
	res, err := r.catalog.db.Exec(`
		INSERT INTO ocr_index (video_id, frame_path, ocr_text)
		SELECT f.video_id, f.frame_path, f.ocr_text
		FROM ocr_frames f
		LEFT JOIN ocr_index i ON i.frame_path = f.frame_path
		WHERE f.is_processed = 1 AND i.frame_path IS NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
