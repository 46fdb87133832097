package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heimdex/heimdex-ingest/internal/db"
)

func setupTestRepo(t *testing.T) Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewRepository(database.Conn())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHandler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, job *Job) error
}

func (f *fakeHandler) HandleJob(ctx context.Context, job *Job) error {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, job)
	}
	return nil
}

func createPendingJob(t *testing.T, repo Repository, jobType string) *Job {
	t.Helper()
	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      jobType,
		Status:    JobStatusPending,
		VideoID:   NewID(),
		OwnerID:   "owner-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestRunner_CompletesJob(t *testing.T) {
	repo := setupTestRepo(t)
	handler := &fakeHandler{}
	runner := NewRunner(repo, testLogger(), 2)
	runner.Register(JobTypeAnalyze, handler)

	job := createPendingJob(t, repo, JobTypeAnalyze)

	runner.processPending(context.Background())
	runner.Wait()

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != JobStatusCompleted {
		t.Errorf("job status = %s, want %s", got.Status, JobStatusCompleted)
	}
	if got.Progress != 100 {
		t.Errorf("job progress = %d, want 100", got.Progress)
	}
	if handler.calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", handler.calls.Load())
	}
}

func TestRunner_HandlerErrorFailsJob(t *testing.T) {
	repo := setupTestRepo(t)
	handler := &fakeHandler{fn: func(ctx context.Context, job *Job) error {
		return errors.New("download: object missing")
	}}
	runner := NewRunner(repo, testLogger(), 1)
	runner.Register(JobTypeAnalyze, handler)

	job := createPendingJob(t, repo, JobTypeAnalyze)

	runner.processPending(context.Background())
	runner.Wait()

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != JobStatusFailed {
		t.Errorf("job status = %s, want %s", got.Status, JobStatusFailed)
	}
	if got.Error != "download: object missing" {
		t.Errorf("job error = %q", got.Error)
	}
}

func TestRunner_PanicFailsJob(t *testing.T) {
	repo := setupTestRepo(t)
	runner := NewRunner(repo, testLogger(), 1)
	runner.Register(JobTypeAnalyze, JobHandlerFunc(func(ctx context.Context, job *Job) error {
		panic("boom")
	}))

	job := createPendingJob(t, repo, JobTypeAnalyze)

	runner.processPending(context.Background())
	runner.Wait()

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != JobStatusFailed {
		t.Errorf("job status = %s, want %s", got.Status, JobStatusFailed)
	}
}

func TestRunner_UnknownJobType(t *testing.T) {
	repo := setupTestRepo(t)
	runner := NewRunner(repo, testLogger(), 1)

	job := createPendingJob(t, repo, "transcode")

	runner.processPending(context.Background())
	runner.Wait()

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != JobStatusFailed {
		t.Errorf("job status = %s, want %s", got.Status, JobStatusFailed)
	}
	if got.Error != "unknown job type" {
		t.Errorf("job error = %q, want 'unknown job type'", got.Error)
	}
}

func TestRunner_RespectsConcurrencyLimit(t *testing.T) {
	repo := setupTestRepo(t)
	release := make(chan struct{})
	var inFlight, peak atomic.Int32

	handler := &fakeHandler{fn: func(ctx context.Context, job *Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}}
	runner := NewRunner(repo, testLogger(), 2)
	runner.Register(JobTypeAnalyze, handler)

	for i := 0; i < 4; i++ {
		createPendingJob(t, repo, JobTypeAnalyze)
		time.Sleep(time.Millisecond)
	}

	runner.processPending(context.Background())
	close(release)
	runner.Wait()

	if handler.calls.Load() != 2 {
		t.Errorf("handler called %d times in one poll, want 2", handler.calls.Load())
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}

	pending, _ := repo.ListPendingJobs(context.Background())
	if len(pending) != 2 {
		t.Errorf("pending jobs after poll = %d, want 2", len(pending))
	}
}

func TestRunner_ClaimIsExclusive(t *testing.T) {
	repo := setupTestRepo(t)
	job := createPendingJob(t, repo, JobTypeAnalyze)

	first, err := repo.ClaimJob(context.Background(), job.ID)
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v; want true, nil", first, err)
	}
	second, err := repo.ClaimJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second claim error = %v", err)
	}
	if second {
		t.Error("second claim succeeded, want false")
	}
}

func TestRunner_PauseAndResume(t *testing.T) {
	runner := NewRunner(setupTestRepo(t), testLogger(), 1)

	if runner.IsPaused() {
		t.Error("new runner should not be paused")
	}
	runner.Pause()
	if !runner.IsPaused() {
		t.Error("runner should be paused")
	}
	runner.Resume()
	if runner.IsPaused() {
		t.Error("runner should be resumed")
	}
}
