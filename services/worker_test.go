package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasogott/cortana-vision/models"
)

func waitForJobStatus(t *testing.T, queue *Queue, id, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := queue.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerProcessesAndAcks(t *testing.T) {
	catalog := newTestCatalog(t)
	queue := NewQueue(catalog.DB(), 3, time.Millisecond)

	id, err := queue.Enqueue("v1", models.JobSample, nil)
	require.NoError(t, err)

	handled := make(chan string, 1)
	w := NewWorker(queue, models.JobSample, 10*time.Millisecond, func(ctx context.Context, job *models.Job) error {
		handled <- job.ID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case got := <-handled:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	waitForJobStatus(t, queue, id, models.JobDone)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestWorkerNacksFailedJobs(t *testing.T) {
	catalog := newTestCatalog(t)
	queue := NewQueue(catalog.DB(), 1, time.Millisecond)

	id, err := queue.Enqueue("v1", models.JobSample, nil)
	require.NoError(t, err)

	w := NewWorker(queue, models.JobSample, 10*time.Millisecond, func(ctx context.Context, job *models.Job) error {
		return errors.New("handler exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// maxRetries is 1, so the first failure is final.
	waitForJobStatus(t, queue, id, models.JobFailed)
}
