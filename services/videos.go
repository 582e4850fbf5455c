package services

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pasogott/cortana-vision/models"
)

// CreateVideo inserts a fresh video row in queued state.
func (c *Catalog) CreateVideo(id, filename string) error {
	_, err := c.db.Exec(`INSERT INTO videos (id, filename, status, created_at) VALUES (?, ?, ?, ?)`,
		id, filename, models.VideoQueued, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("creating video %s: %w", id, err)
	}
	return nil
}

// GetVideo fetches a video row.
func (c *Catalog) GetVideo(id string) (*models.Video, error) {
	var v models.Video
	err := c.db.Get(&v, `SELECT id, filename, path, status, is_processed, created_at, is_processed_datetime_utc
		FROM videos WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// SetVideoPath records the object-store location of the source blob.
func (c *Catalog) SetVideoPath(id, path string) error {
	_, err := c.db.Exec(`UPDATE videos SET path = ? WHERE id = ?`, path, id)
	return err
}

// SetVideoStatus moves a video to the given status.
func (c *Catalog) SetVideoStatus(id, status string) error {
	_, err := c.db.Exec(`UPDATE videos SET status = ? WHERE id = ?`, status, id)
	return err
}

// MarkVideoSampled flips a queued video to processing and stamps
// processed-at once the sampler has inserted all frames.
func (c *Catalog) MarkVideoSampled(id string) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(`UPDATE videos
		SET status = CASE WHEN status = ? THEN ? ELSE status END,
		    is_processed_datetime_utc = ?
		WHERE id = ?`,
		models.VideoQueued, models.VideoProcessing, now, id)
	return err
}

// MarkVideoReadyIfComplete transitions the video to ready when every
// frame has a processed OCR row. The transition is monotonic: a ready
// video is never moved back by the pipeline. Returns true when the
// video is (now) ready.
func (c *Catalog) MarkVideoReadyIfComplete(id string) (bool, error) {
	var counts struct {
		Frames int `db:"frames"`
		Done   int `db:"done"`
	}
	err := c.db.Get(&counts, `SELECT
		(SELECT COUNT(*) FROM frames WHERE video_id = ?) AS frames,
		(SELECT COUNT(*) FROM ocr_frames WHERE video_id = ? AND is_processed = 1) AS done`,
		id, id)
	if err != nil {
		return false, fmt.Errorf("counting frames for %s: %w", id, err)
	}

	if counts.Frames == 0 || counts.Done < counts.Frames {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = c.db.Exec(`UPDATE videos
		SET status = ?, is_processed = 1, is_processed_datetime_utc = ?
		WHERE id = ? AND status != ?`,
		models.VideoReady, now, id, models.VideoFailed)
	if err != nil {
		return false, fmt.Errorf("marking %s ready: %w", id, err)
	}
	return true, nil
}

// UpsertFrame inserts a frame row, or refreshes path and timestamp on
// re-runs of the same sample job. Ordinals stay unique per video.
func (c *Catalog) UpsertFrame(videoID string, frameNumber int, frameTime float64, path string) error {
	_, err := c.db.Exec(`INSERT INTO frames (id, video_id, frame_number, frame_time, path, greyscale_is_processed)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(video_id, frame_number) DO UPDATE SET
			path = excluded.path,
			frame_time = excluded.frame_time`,
		uuid.NewString(), videoID, frameNumber, frameTime, path)
	if err != nil {
		return fmt.Errorf("upserting frame %d of %s: %w", frameNumber, videoID, err)
	}
	return nil
}

// MarkFrameGreyscaled records the greyscale variant's key and flips the
// processed flag. Safe to run twice.
func (c *Catalog) MarkFrameGreyscaled(videoID string, frameNumber int, greyKey string) error {
	_, err := c.db.Exec(`UPDATE frames
		SET path = ?, greyscale_is_processed = 1
		WHERE video_id = ? AND frame_number = ?`,
		greyKey, videoID, frameNumber)
	if err != nil {
		return fmt.Errorf("marking frame %d of %s greyscaled: %w", frameNumber, videoID, err)
	}
	return nil
}

// UpsertOCRFrame writes OCR text keyed on frame_path, in one
// transaction, with the documented recovery path for a concurrent
// insert: on a unique-constraint violation the insert is retried as an
// update. The update is keyed on frame_path so the trigger-maintained
// ocr_index row stays consistent.
func (c *Catalog) UpsertOCRFrame(videoID, framePath, text string) error {
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("upserting ocr frame: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE ocr_frames SET ocr_text = ?, is_processed = 1 WHERE frame_path = ?`,
		text, framePath)
	if err != nil {
		return fmt.Errorf("upserting ocr frame %s: %w", framePath, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Exec(`INSERT INTO ocr_frames (id, video_id, frame_path, ocr_text, is_processed)
			VALUES (?, ?, ?, ?, 1)`,
			uuid.NewString(), videoID, framePath, text)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				// Lost the race against a concurrent insert.
				_, err = tx.Exec(`UPDATE ocr_frames SET ocr_text = ?, is_processed = 1 WHERE frame_path = ?`,
					text, framePath)
			}
			if err != nil {
				return fmt.Errorf("upserting ocr frame %s: %w", framePath, err)
			}
		}
	}

	return tx.Commit()
}

// EnsureVideo synthesizes a placeholder parent when OCR output arrives
// for a video the catalog has never seen (manual S3 surgery, partial
// restores). Keeps the FK invariant without failing the job.
func (c *Catalog) EnsureVideo(id, filename string) error {
	_, err := c.db.Exec(`INSERT OR IGNORE INTO videos (id, filename, status) VALUES (?, ?, ?)`,
		id, filename, models.VideoProcessing)
	return err
}
