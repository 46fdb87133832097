package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-ingest/internal/logging"
)

// JobHandler executes one claimed job. A returned error fails the job.
type JobHandler interface {
	HandleJob(ctx context.Context, job *Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *Job) error

func (f JobHandlerFunc) HandleJob(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Runner polls the jobs table and dispatches pending jobs to handlers,
// running at most maxConcurrent of them at once.
type Runner struct {
	repo         Repository
	handlers     map[string]JobHandler
	logger       *slog.Logger
	pollInterval time.Duration
	slots        chan struct{}
	wake         chan struct{}
	wg           sync.WaitGroup
	running      atomic.Bool
	paused       atomic.Bool
}

func NewRunner(repo Repository, logger *slog.Logger, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		repo:         repo,
		handlers:     make(map[string]JobHandler),
		logger:       logger,
		pollInterval: 5 * time.Second,
		slots:        make(chan struct{}, maxConcurrent),
		wake:         make(chan struct{}, 1),
	}
}

// Register binds a handler to a job type. Call before Start.
func (r *Runner) Register(jobType string, h JobHandler) {
	r.handlers[jobType] = h
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started", "slots", cap(r.slots))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if !r.paused.Load() {
			r.processPending(ctx)
		}
	}
}

// Notify asks the runner to poll now instead of waiting for the next tick.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

// Wait blocks until all dispatched jobs have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) processPending(ctx context.Context) {
	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		claimed, err := r.repo.ClaimJob(ctx, job.ID)
		if err != nil || !claimed {
			<-r.slots
			if err != nil {
				logging.WithJobID(r.logger, job.ID).Error("failed to claim job", "error", err)
			}
			continue
		}

		r.wg.Add(1)
		go func(job *Job) {
			defer r.wg.Done()
			defer func() { <-r.slots }()
			r.runJob(ctx, job)
		}(job)
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	logger := logging.WithJobID(r.logger, job.ID).With("type", job.Type)

	h, ok := r.handlers[job.Type]
	if !ok {
		logger.Warn("unknown job type")
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, "unknown job type")
		return
	}

	logger.Info("processing job", "video_id", job.VideoID)
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		return h.HandleJob(ctx, job)
	}()

	// Status writes must land even when the runner is shutting down.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Error("job failed", "error", err, "duration", time.Since(start))
		r.repo.UpdateJobStatus(writeCtx, job.ID, JobStatusFailed, truncateStr(err.Error(), 512))
		return
	}

	r.repo.UpdateJobProgress(writeCtx, job.ID, 100)
	r.repo.UpdateJobStatus(writeCtx, job.ID, JobStatusCompleted, "")
	logger.Info("job completed", "duration", time.Since(start))
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}
