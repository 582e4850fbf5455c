package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasogott/cortana-vision/models"
)

// failingUploadStore rejects the first n uploads, then delegates.
type failingUploadStore struct {
	*memStore
	failures int
}

func (s *failingUploadStore) Upload(ctx context.Context, key, localPath string) (string, error) {
	if s.failures > 0 {
		s.failures--
		return "", errors.New("upload rejected")
	}
	return s.memStore.Upload(ctx, key, localPath)
}

func sampleJob(t *testing.T, payload models.SamplePayload) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.Job{ID: "j1", VideoID: payload.VideoID, JobType: models.JobSample, Payload: raw}
}

func newSamplerFixture(t *testing.T, store ObjectStore) (*Sampler, *Catalog, *Queue) {
	t.Helper()
	catalog, queue := newTestQueue(t)
	s := NewSampler(catalog, queue, store, testConfig(t))
	require.NoError(t, catalog.CreateVideo("v1", "clip.mp4"))
	return s, catalog, queue
}

func stubExtract(frames []SceneFrame) func(context.Context, string, string, float64) ([]SceneFrame, error) {
	return func(ctx context.Context, videoPath, outDir string, threshold float64) ([]SceneFrame, error) {
		return frames, nil
	}
}

type frameRow struct {
	FrameNumber int     `db:"frame_number"`
	FrameTime   float64 `db:"frame_time"`
	Path        string  `db:"path"`
}

func storedFrames(t *testing.T, catalog *Catalog, videoID string) []frameRow {
	t.Helper()
	var rows []frameRow
	require.NoError(t, catalog.DB().Select(&rows,
		"SELECT frame_number, frame_time, path FROM frames WHERE video_id = ? ORDER BY frame_number ASC", videoID))
	return rows
}

func TestSamplerFansOutGreyscaleJobs(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	s, catalog, queue := newSamplerFixture(t, store)
	store.put("videos/v1/clip.mp4", []byte("fake-video"))
	s.extract = stubExtract([]SceneFrame{
		{Path: writeTestJPEG(t, dir, "a.jpg", halves), Timestamp: 0.426667, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "b.jpg", midGray), Timestamp: 5.13707, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "c.jpg", halves), Timestamp: 13.6533, HasTimestamp: true},
	})

	require.NoError(t, s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"})))

	rows := storedFrames(t, catalog, "v1")
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.FrameNumber)
	}
	assert.InDelta(t, 0.426667, rows[0].FrameTime, 1e-6)
	assert.InDelta(t, 13.6533, rows[2].FrameTime, 1e-6)
	assert.Equal(t, "videos/v1/samples/frame_0001.jpg", rows[0].Path)
	assert.True(t, store.has("videos/v1/samples/frame_0003.jpg"))

	for want := 1; want <= 3; want++ {
		job, err := queue.Claim(models.JobGreyscale)
		require.NoError(t, err)
		var payload models.GreyscalePayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.Equal(t, want, payload.FrameNumber)
		assert.Equal(t, "memory://"+payload.FrameS3Key, payload.FrameURL)
	}
	_, err := queue.Claim(models.JobGreyscale)
	assert.ErrorIs(t, err, ErrNoJob)

	video, err := catalog.GetVideo("v1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoProcessing, video.Status)

	// Re-running the same job must not duplicate frame rows.
	require.NoError(t, s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"})))
	assert.Len(t, storedFrames(t, catalog, "v1"), 3)
}

func TestSamplerReassignsOrdinalAfterFailedUpload(t *testing.T) {
	dir := t.TempDir()
	store := &failingUploadStore{memStore: newMemStore(), failures: 1}
	s, catalog, queue := newSamplerFixture(t, store)
	store.put("videos/v1/clip.mp4", []byte("fake-video"))
	s.extract = stubExtract([]SceneFrame{
		{Path: writeTestJPEG(t, dir, "a.jpg", halves), Timestamp: 1.0, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "b.jpg", midGray), Timestamp: 2.0, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "c.jpg", halves), Timestamp: 3.0, HasTimestamp: true},
	})

	require.NoError(t, s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"})))

	// The first candidate's upload failed, so its slot goes to the
	// next kept frame and the stored ordinals stay a dense 1..N.
	rows := storedFrames(t, catalog, "v1")
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].FrameNumber)
	assert.Equal(t, 2, rows[1].FrameNumber)
	assert.InDelta(t, 2.0, rows[0].FrameTime, 1e-6)
	assert.InDelta(t, 3.0, rows[1].FrameTime, 1e-6)
	assert.True(t, store.has("videos/v1/samples/frame_0001.jpg"))
	assert.True(t, store.has("videos/v1/samples/frame_0002.jpg"))
	assert.False(t, store.has("videos/v1/samples/frame_0003.jpg"))

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		job, err := queue.Claim(models.JobGreyscale)
		require.NoError(t, err)
		var payload models.GreyscalePayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		seen[payload.FrameNumber] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, seen)
}

func TestSamplerFallsBackToOrdinalSeconds(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	s, catalog, _ := newSamplerFixture(t, store)
	store.put("videos/v1/clip.mp4", []byte("fake-video"))
	s.extract = stubExtract([]SceneFrame{
		{Path: writeTestJPEG(t, dir, "a.jpg", halves)},
		{Path: writeTestJPEG(t, dir, "b.jpg", midGray), Timestamp: 7.5, HasTimestamp: true},
	})

	require.NoError(t, s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"})))

	rows := storedFrames(t, catalog, "v1")
	require.Len(t, rows, 2)
	assert.InDelta(t, 0.0, rows[0].FrameTime, 1e-6)
	assert.InDelta(t, 7.5, rows[1].FrameTime, 1e-6)
}

func TestSamplerDropsDuplicateCandidates(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	s, catalog, _ := newSamplerFixture(t, store)
	store.put("videos/v1/clip.mp4", []byte("fake-video"))
	s.extract = stubExtract([]SceneFrame{
		{Path: writeTestJPEG(t, dir, "a.jpg", halves), Timestamp: 1.0, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "b.jpg", halves), Timestamp: 1.1, HasTimestamp: true},
		{Path: writeTestJPEG(t, dir, "c.jpg", midGray), Timestamp: 9.0, HasTimestamp: true},
	})

	require.NoError(t, s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"})))

	rows := storedFrames(t, catalog, "v1")
	require.Len(t, rows, 2)
	assert.InDelta(t, 1.0, rows[0].FrameTime, 1e-6)
	assert.InDelta(t, 9.0, rows[1].FrameTime, 1e-6)
}

func TestSamplerPropagatesDetectorFailure(t *testing.T) {
	store := newMemStore()
	s, catalog, _ := newSamplerFixture(t, store)
	store.put("videos/v1/clip.mp4", []byte("fake-video"))
	s.extract = func(ctx context.Context, videoPath, outDir string, threshold float64) ([]SceneFrame, error) {
		return nil, errors.New("detector crashed")
	}

	err := s.Handle(context.Background(), sampleJob(t, models.SamplePayload{VideoID: "v1", Filename: "clip.mp4"}))
	require.Error(t, err)
	assert.Empty(t, storedFrames(t, catalog, "v1"))
}
