package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
)

var ErrAlreadyAnalyzing = errors.New("video is already being analyzed")

// Notifier wakes the job runner after a job is queued.
type Notifier interface {
	Notify()
}

// Service queues analysis runs and executes them as jobs.
type Service struct {
	repo         catalog.Repository
	orchestrator *Orchestrator
	notifier     Notifier
	logger       *slog.Logger
}

func NewService(repo catalog.Repository, orchestrator *Orchestrator, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{repo: repo, orchestrator: orchestrator, notifier: notifier, logger: logger}
}

// Start moves the video to analyzing and queues an analyze job for it.
func (s *Service) Start(ctx context.Context, videoID, ownerID string) (*catalog.Job, error) {
	v, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, catalog.ErrNotFound
	}
	if v.OwnerID != ownerID {
		return nil, catalog.ErrForbidden
	}

	ok, err := s.repo.BeginAnalysis(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("begin analysis: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyAnalyzing
	}

	now := time.Now().UTC()
	job := &catalog.Job{
		ID:        catalog.NewID(),
		Type:      catalog.JobTypeAnalyze,
		Status:    catalog.JobStatusPending,
		VideoID:   videoID,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.repo.MarkVideoFailed(context.WithoutCancel(ctx), videoID, "failed to queue analysis")
		return nil, fmt.Errorf("queue analysis: %w", err)
	}

	s.logger.Info("analysis queued", "video_id", videoID, "job_id", job.ID)
	if s.notifier != nil {
		s.notifier.Notify()
	}
	return job, nil
}

// Trigger satisfies the upload assembler's hook.
func (s *Service) Trigger(ctx context.Context, videoID, ownerID string) error {
	_, err := s.Start(ctx, videoID, ownerID)
	return err
}

func (s *Service) HandleJob(ctx context.Context, job *catalog.Job) error {
	return s.orchestrator.Run(ctx, job.VideoID, job.ID)
}
