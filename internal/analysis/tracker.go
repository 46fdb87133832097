package analysis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
)

// Tracker persists a run's progress and step label. Progress never moves
// backwards within a run and is written before the stage's work starts.
type Tracker struct {
	repo    catalog.Repository
	videoID string
	jobID   string
	logger  *slog.Logger

	mu   sync.Mutex
	last int
}

func NewTracker(repo catalog.Repository, videoID, jobID string, logger *slog.Logger) *Tracker {
	return &Tracker{repo: repo, videoID: videoID, jobID: jobID, logger: logger}
}

// Step records progress and label. Values below the last recorded progress
// are clamped to it; values are bounded to 0..100.
func (t *Tracker) Step(ctx context.Context, progress int, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress = max(0, min(progress, 100))
	if progress < t.last {
		progress = t.last
	}
	t.last = progress

	if err := t.repo.UpdateVideoProgress(ctx, t.videoID, progress, label); err != nil {
		return err
	}
	if t.jobID != "" {
		if err := t.repo.UpdateJobProgress(ctx, t.jobID, progress); err != nil {
			t.logger.Warn("failed to update job progress", "error", err)
		}
	}
	t.logger.Debug("analysis progress", "progress", progress, "step", label)
	return nil
}

// Progress returns the last recorded value.
func (t *Tracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
