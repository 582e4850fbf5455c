package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasogott/cortana-vision/models"
)

func newTestQueue(t *testing.T) (*Catalog, *Queue) {
	t.Helper()
	catalog := newTestCatalog(t)
	return catalog, NewQueue(catalog.DB(), 3, time.Minute)
}

func TestJobPayloadScansFromTextColumn(t *testing.T) {
	catalog, queue := newTestQueue(t)

	// Rows written by other processes arrive as TEXT, which the driver
	// hands back as a string rather than []byte.
	now := time.Now().UTC()
	_, err := catalog.DB().Exec(`INSERT INTO jobs (id, video_id, job_type, status, retry_count, payload, created_at, updated_at)
		VALUES ('j-raw', 'v1', ?, ?, 0, '{"video_id":"v1","filename":"clip.mp4"}', ?, ?)`,
		models.JobSample, models.JobQueued, now, now)
	require.NoError(t, err)

	job, err := queue.Claim(models.JobSample)
	require.NoError(t, err)
	var payload models.SamplePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "clip.mp4", payload.Filename)

	got, err := queue.Get("j-raw")
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
}

func TestEnqueueClaimAck(t *testing.T) {
	_, queue := newTestQueue(t)

	id, err := queue.Enqueue("vid-1", models.JobSample, models.SamplePayload{VideoID: "vid-1", Filename: "a.mp4"})
	require.NoError(t, err)

	job, err := queue.Claim(models.JobSample)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.NotNil(t, job.StartedAt)

	var payload models.SamplePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "a.mp4", payload.Filename)

	// The leased job is invisible to other claimers.
	_, err = queue.Claim(models.JobSample)
	assert.ErrorIs(t, err, ErrNoJob)

	require.NoError(t, queue.Ack(id))
	done, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, done.Status)
	assert.NotNil(t, done.FinishedAt)
}

func TestClaimIsTypeScoped(t *testing.T) {
	_, queue := newTestQueue(t)

	_, err := queue.Enqueue("vid-1", models.JobOCR, models.OCRPayload{VideoID: "vid-1"})
	require.NoError(t, err)

	_, err = queue.Claim(models.JobSample)
	assert.ErrorIs(t, err, ErrNoJob)

	job, err := queue.Claim(models.JobOCR)
	require.NoError(t, err)
	assert.Equal(t, models.JobOCR, job.JobType)
}

func TestClaimOldestFirst(t *testing.T) {
	_, queue := newTestQueue(t)

	first, err := queue.Enqueue("vid-1", models.JobSample, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = queue.Enqueue("vid-2", models.JobSample, nil)
	require.NoError(t, err)

	job, err := queue.Claim(models.JobSample)
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)
}

func TestClaimConcurrent(t *testing.T) {
	_, queue := newTestQueue(t)

	_, err := queue.Enqueue("vid-1", models.JobSample, nil)
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := queue.Claim(models.JobSample)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoJob):
			lost++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, claimers-1, lost)
}

func TestNackRequeuesUntilBudgetExhausted(t *testing.T) {
	_, queue := newTestQueue(t)

	id, err := queue.Enqueue("vid-1", models.JobOCR, models.OCRPayload{VideoID: "vid-1"})
	require.NoError(t, err)

	// Attempts one and two requeue, the third fails the job for good.
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := queue.Claim(models.JobOCR)
		require.NoError(t, err)
		require.NoError(t, queue.Nack(job.ID, fmt.Errorf("boom %d", attempt)))

		got, err := queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.RetryCount)
		if attempt < 3 {
			assert.Equal(t, models.JobQueued, got.Status)
		} else {
			assert.Equal(t, models.JobFailed, got.Status)
		}
	}

	_, err = queue.Claim(models.JobOCR)
	assert.ErrorIs(t, err, ErrNoJob)

	got, err := queue.Get(id)
	require.NoError(t, err)
	var payload struct {
		Errors []models.JobError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	require.Len(t, payload.Errors, 3)
	assert.Equal(t, "boom 1", payload.Errors[0].Message)
	assert.Equal(t, 2, payload.Errors[2].RetryCount)
}

func TestNackFatalSkipsRetries(t *testing.T) {
	_, queue := newTestQueue(t)

	id, err := queue.Enqueue("vid-1", models.JobOCR, nil)
	require.NoError(t, err)

	job, err := queue.Claim(models.JobOCR)
	require.NoError(t, err)
	require.NoError(t, queue.Nack(job.ID, Fatal(errors.New("traineddata missing"))))

	got, err := queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRetryDelayBounds(t *testing.T) {
	queue := &Queue{baseDelay: time.Minute}

	for n := 0; n < 3; n++ {
		base := time.Minute.Seconds() * pow3(n)
		for i := 0; i < 20; i++ {
			d := queue.RetryDelay(n).Seconds()
			assert.GreaterOrEqual(t, d, 0.8*base)
			assert.Less(t, d, 1.2*base)
		}
	}
}

func pow3(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 3
	}
	return out
}

func TestGetMissingJob(t *testing.T) {
	_, queue := newTestQueue(t)
	_, err := queue.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
