package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/models"
)

// Presign TTL bounds (seconds).
const (
	MinExpiresIn     = 60
	MaxExpiresIn     = 86400
	DefaultExpiresIn = 900
)

var frameNoRe = regexp.MustCompile(`frame_(\d+)\.(jpg|png|jpeg)$`)

// SearchService serves the read side of the catalog: summary, video
// listings, per-video frames, and full-text search over OCR output.
type SearchService struct {
	catalog *Catalog
	store   ObjectStore
}

func NewSearchService(catalog *Catalog, store ObjectStore) *SearchService {
	return &SearchService{catalog: catalog, store: store}
}

// ClampExpiresIn bounds a requested presign TTL.
func ClampExpiresIn(expiresIn int) int {
	if expiresIn <= 0 {
		return DefaultExpiresIn
	}
	if expiresIn < MinExpiresIn {
		return MinExpiresIn
	}
	if expiresIn > MaxExpiresIn {
		return MaxExpiresIn
	}
	return expiresIn
}

// FrameNumberFromKey parses the ordinal out of a frame key; 0 when the
// key does not match the frame naming convention.
func FrameNumberFromKey(key string) int {
	m := frameNoRe.FindStringSubmatch(key)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Summary returns catalog-wide totals.
func (s *SearchService) Summary() (*models.Summary, error) {
	var out models.Summary
	row := struct {
		Videos  int `db:"videos"`
		Frames  int `db:"frames"`
		Indexed int `db:"indexed"`
	}{}
	err := s.catalog.db.Get(&row, `SELECT
		(SELECT COUNT(*) FROM videos) AS videos,
		(SELECT COUNT(*) FROM frames) AS frames,
		(SELECT COUNT(*) FROM ocr_index) AS indexed`)
	if err != nil {
		return nil, fmt.Errorf("computing summary: %w", err)
	}
	out.TotalVideos = row.Videos
	out.TotalFrames = row.Frames
	out.IndexedFrames = row.Indexed
	out.TS = time.Now().UTC().Format(time.RFC3339)
	return &out, nil
}

type videoRow struct {
	ID          string     `db:"id"`
	Filename    string     `db:"filename"`
	Path        string     `db:"path"`
	Status      string     `db:"status"`
	CreatedAt   *time.Time `db:"created_at"`
	ProcessedAt *time.Time `db:"is_processed_datetime_utc"`
	TotalFrames int        `db:"total_frames"`
	OCRFrames   int        `db:"ocr_frames"`
}

func (r *videoRow) toListItem() models.VideoListItem {
	progress := 0.0
	if r.TotalFrames > 0 {
		progress = float64(int(1000*float64(r.OCRFrames)/float64(r.TotalFrames)+0.5)) / 10
	}
	status := r.Status
	if status == "" {
		switch {
		case r.TotalFrames > 0 && r.OCRFrames >= r.TotalFrames:
			status = models.VideoReady
		case r.OCRFrames > 0:
			status = models.VideoProcessing
		default:
			status = models.VideoQueued
		}
	}
	return models.VideoListItem{
		ID:              r.ID,
		Filename:        r.Filename,
		VideoURL:        r.Path,
		TotalFrames:     r.TotalFrames,
		ProcessedFrames: r.OCRFrames,
		Progress:        progress,
		Status:          status,
	}
}

// ListVideos returns all videos with their processing progress.
func (s *SearchService) ListVideos() ([]models.VideoListItem, error) {
	var rows []videoRow
	err := s.catalog.db.Select(&rows, `
		SELECT v.id, v.filename, v.path, v.status, v.created_at, v.is_processed_datetime_utc,
		       (SELECT COUNT(*) FROM frames f WHERE f.video_id = v.id) AS total_frames,
		       (SELECT COUNT(*) FROM ocr_frames o WHERE o.video_id = v.id AND o.is_processed = 1) AS ocr_frames
		FROM videos v
		ORDER BY v.created_at DESC, v.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing videos: %w", err)
	}

	items := make([]models.VideoListItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toListItem())
	}
	return items, nil
}

// GetVideo returns one video with progress and timestamps.
func (s *SearchService) GetVideo(id string) (*models.VideoDetail, error) {
	var r videoRow
	err := s.catalog.db.Get(&r, `
		SELECT v.id, v.filename, v.path, v.status, v.created_at, v.is_processed_datetime_utc,
		       (SELECT COUNT(*) FROM frames f WHERE f.video_id = v.id) AS total_frames,
		       (SELECT COUNT(*) FROM ocr_frames o WHERE o.video_id = v.id AND o.is_processed = 1) AS ocr_frames
		FROM videos v WHERE v.id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	detail := &models.VideoDetail{VideoListItem: r.toListItem()}
	if r.CreatedAt != nil {
		detail.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if r.ProcessedAt != nil {
		detail.ProcessedAt = r.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return detail, nil
}

// ListVideoFrames pages through a video's OCR'd frames ordered by
// ordinal, each carrying a presigned GET URL.
func (s *SearchService) ListVideoFrames(ctx context.Context, videoID string, limit, offset, expiresIn int) (*models.FramesPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	expiresIn = ClampExpiresIn(expiresIn)

	var rows []struct {
		FramePath string `db:"frame_path"`
		OCRText   string `db:"ocr_text"`
	}
	err := s.catalog.db.Select(&rows, `
		SELECT frame_path, ocr_text FROM ocr_frames
		WHERE video_id = ?
		ORDER BY frame_path ASC
		LIMIT ? OFFSET ?`, videoID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing frames for %s: %w", videoID, err)
	}

	page := &models.FramesPage{Items: []models.FrameItem{}, Limit: limit, Offset: offset}
	for _, r := range rows {
		page.Items = append(page.Items, models.FrameItem{
			FrameNumber: FrameNumberFromKey(r.FramePath),
			Key:         r.FramePath,
			URL:         s.presign(ctx, r.FramePath, expiresIn),
			ExpiresIn:   expiresIn,
			OCRText:     truncate(r.OCRText, 1000),
		})
	}
	return page, nil
}

// Search runs a full-text query with <mark> snippets, falling back to
// a case-insensitive substring match when FTS finds nothing. The total
// is always computed from the LIKE path so pagination covers a
// superset of FTS matches.
func (s *SearchService) Search(ctx context.Context, q string, page, pageSize, expiresIn int) (*models.SearchPage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	expiresIn = ClampExpiresIn(expiresIn)
	offset := (page - 1) * pageSize

	type hitRow struct {
		VideoID   string `db:"video_id"`
		FramePath string `db:"frame_path"`
		OCRText   string `db:"ocr_text"`
		Snippet   string `db:"snippet"`
	}

	var rows []hitRow
	err := s.catalog.db.Select(&rows, `
		SELECT f.video_id, f.frame_path, f.ocr_text,
		       snippet(ocr_index, -1, '<mark>', '</mark>', '...', 10) AS snippet
		FROM ocr_index
		JOIN ocr_frames f ON f.frame_path = ocr_index.frame_path
		WHERE ocr_index MATCH ?
		LIMIT ? OFFSET ?`, q, pageSize, offset)
	if err != nil {
		// A syntactically invalid FTS query must not 500; the LIKE
		// fallback still answers.
		log.Debug().Err(err).Str("q", q).Msg("fts query failed, falling back to like")
		rows = nil
	}

	like := "%" + q + "%"
	if len(rows) == 0 {
		err = s.catalog.db.Select(&rows, `
			SELECT video_id, frame_path, ocr_text, substr(ocr_text, 1, 220) AS snippet
			FROM ocr_frames
			WHERE lower(ocr_text) LIKE lower(?)
			LIMIT ? OFFSET ?`, like, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("searching %q: %w", q, err)
		}
	}

	var total int
	if err := s.catalog.db.Get(&total,
		`SELECT COUNT(*) FROM ocr_frames WHERE lower(ocr_text) LIKE lower(?)`, like); err != nil {
		return nil, fmt.Errorf("counting matches for %q: %w", q, err)
	}

	out := &models.SearchPage{
		Items:    []models.SearchHit{},
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}
	out.TotalPages = total / pageSize
	if total%pageSize != 0 {
		out.TotalPages++
	}

	for _, r := range rows {
		out.Items = append(out.Items, models.SearchHit{
			VideoID:     r.VideoID,
			Key:         r.FramePath,
			Filename:    path.Base(r.FramePath),
			FrameNumber: FrameNumberFromKey(r.FramePath),
			Snippet:     r.Snippet,
			OCRText:     truncate(r.OCRText, 8000),
			URL:         s.presign(ctx, r.FramePath, expiresIn),
			ExpiresIn:   expiresIn,
		})
	}
	return out, nil
}

func (s *SearchService) presign(ctx context.Context, key string, expiresIn int) string {
	url, err := s.store.PresignGet(ctx, key, time.Duration(expiresIn)*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("presign failed")
		return ""
	}
	return url
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
