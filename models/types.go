package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Video statuses. A video moves queued → processing → ready; failed is
// only ever set by explicit admin action or a broken ingest.
const (
	VideoQueued     = "queued"
	VideoProcessing = "processing"
	VideoReady      = "ready"
	VideoFailed     = "failed"
)

// Job types, one per pipeline stage.
const (
	JobSample    = "sample"
	JobGreyscale = "greyscale"
	JobOCR       = "ocr"
)

// Job statuses.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

type Video struct {
	ID          string     `db:"id" json:"id"`
	Filename    string     `db:"filename" json:"filename"`
	Path        string     `db:"path" json:"path"`
	Status      string     `db:"status" json:"status"`
	IsProcessed bool       `db:"is_processed" json:"is_processed"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time `db:"is_processed_datetime_utc" json:"processed_at,omitempty"`
}

type Frame struct {
	ID                   string  `db:"id" json:"id"`
	VideoID              string  `db:"video_id" json:"video_id"`
	FrameNumber          int     `db:"frame_number" json:"frame_number"`
	FrameTime            float64 `db:"frame_time" json:"frame_time"`
	Path                 string  `db:"path" json:"path"`
	GreyscaleIsProcessed bool    `db:"greyscale_is_processed" json:"greyscale_is_processed"`
}

type OCRFrame struct {
	ID          string `db:"id" json:"id"`
	VideoID     string `db:"video_id" json:"video_id"`
	FramePath   string `db:"frame_path" json:"frame_path"`
	OCRText     string `db:"ocr_text" json:"ocr_text"`
	IsProcessed bool   `db:"is_processed" json:"is_processed"`
}

type Job struct {
	ID         string         `db:"id" json:"id"`
	VideoID    string         `db:"video_id" json:"video_id"`
	JobType    string         `db:"job_type" json:"job_type"`
	Status     string         `db:"status" json:"status"`
	RetryCount int            `db:"retry_count" json:"retry_count"`
	Payload    types.JSONText `db:"payload" json:"payload"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	StartedAt  *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// SamplePayload is the input of a sample job.
type SamplePayload struct {
	VideoID  string `json:"video_id"`
	Filename string `json:"filename"`
}

// GreyscalePayload is the input of a greyscale job.
type GreyscalePayload struct {
	VideoID     string `json:"video_id"`
	FrameNumber int    `json:"frame_number"`
	FrameS3Key  string `json:"frame_s3_key"`
	FrameURL    string `json:"frame_url"`
}

// OCRPayload is the input of an ocr job. The key always points at the
// greyscale variant.
type OCRPayload struct {
	VideoID    string `json:"video_id"`
	FrameS3Key string `json:"frame_s3_key"`
}

// JobError is one structured entry appended into the job payload's
// "errors" array on every nack.
type JobError struct {
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	RetryCount int    `json:"retry_count"`
}

// --- API response shapes ---

type UploadResponse struct {
	VideoID  string `json:"video_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type Summary struct {
	TotalVideos   int    `json:"total_videos"`
	TotalFrames   int    `json:"total_frames"`
	IndexedFrames int    `json:"indexed_frames"`
	TS            string `json:"ts"`
}

type VideoListItem struct {
	ID              string  `json:"id"`
	Filename        string  `json:"filename"`
	VideoURL        string  `json:"video_url"`
	TotalFrames     int     `json:"total_frames"`
	ProcessedFrames int     `json:"processed_frames"`
	Progress        float64 `json:"progress"`
	Status          string  `json:"status"`
}

type VideoList struct {
	Items []VideoListItem `json:"items"`
}

type VideoDetail struct {
	VideoListItem
	CreatedAt   string `json:"created_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

type FrameItem struct {
	FrameNumber int    `json:"frame_number"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	ExpiresIn   int    `json:"expires_in"`
	OCRText     string `json:"ocr_text"`
}

type FramesPage struct {
	Items  []FrameItem `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type SearchHit struct {
	VideoID     string `json:"video_id"`
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	FrameNumber int    `json:"frame_number"`
	Snippet     string `json:"snippet"`
	OCRText     string `json:"ocr_text"`
	URL         string `json:"url"`
	ExpiresIn   int    `json:"expires_in"`
}

type SearchPage struct {
	Items      []SearchHit `json:"items"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
}
