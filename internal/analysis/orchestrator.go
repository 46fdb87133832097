package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/logging"
	"github.com/heimdex/heimdex-ingest/internal/media"
	"github.com/heimdex/heimdex-ingest/internal/metrics"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
)

var ErrVideoNotFound = errors.New("video not found")

// SegmentAnalyzer analyzes one segment and reports success.
type SegmentAnalyzer interface {
	Analyze(ctx context.Context, job SegmentJob) bool
}

type Options struct {
	WorkDir         string
	SegmentLength   time.Duration
	BatchSize       int
	MinSegmentBytes int64
	VerifyAttempts  int
	VerifyBaseDelay time.Duration
	VerifyMaxDelay  time.Duration
	LockTTL         time.Duration
}

func DefaultOptions(workDir string) Options {
	return Options{
		WorkDir:         workDir,
		SegmentLength:   30 * time.Second,
		BatchSize:       5,
		MinSegmentBytes: 1024,
		VerifyAttempts:  5,
		VerifyBaseDelay: 500 * time.Millisecond,
		VerifyMaxDelay:  5 * time.Second,
		LockTTL:         6 * time.Hour,
	}
}

// Orchestrator runs the analysis pipeline for one video at a time per call.
// Stages up to the segment records are sequential and any failure there is
// fatal; segment analysis failures are only counted.
type Orchestrator struct {
	repo       catalog.Repository
	store      objectstore.Store
	transcoder media.Transcoder
	analyzer   SegmentAnalyzer
	lock       RunLock
	opts       Options
	logger     *slog.Logger
}

func NewOrchestrator(repo catalog.Repository, store objectstore.Store, transcoder media.Transcoder,
	analyzer SegmentAnalyzer, lock RunLock, opts Options, logger *slog.Logger) *Orchestrator {
	if lock == nil {
		lock = NewLocalLock()
	}
	if opts.SegmentLength <= 0 {
		opts.SegmentLength = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 6 * time.Hour
	}
	return &Orchestrator{
		repo:       repo,
		store:      store,
		transcoder: transcoder,
		analyzer:   analyzer,
		lock:       lock,
		opts:       opts,
		logger:     logger,
	}
}

// Run executes one analysis run. jobID, if set, receives progress updates
// alongside the video. Every error other than ErrRunInProgress and
// ErrVideoNotFound leaves the video in analysis_failed.
func (o *Orchestrator) Run(ctx context.Context, videoID, jobID string) error {
	start := time.Now()
	logger := logging.WithVideoID(o.logger, videoID)
	if jobID != "" {
		logger = logging.WithJobID(logger, jobID)
	}

	video, err := o.repo.GetVideo(ctx, videoID)
	if err != nil {
		return o.fail(ctx, logger, videoID, fmt.Errorf("load video: %w", err), start)
	}
	if video == nil {
		return ErrVideoNotFound
	}

	token, err := o.lock.Acquire(ctx, videoID, o.opts.LockTTL)
	if errors.Is(err, ErrRunInProgress) {
		return err
	}
	if err != nil {
		return o.fail(ctx, logger, videoID, fmt.Errorf("acquire run lock: %w", err), start)
	}
	defer func() {
		if err := o.lock.Release(context.WithoutCancel(ctx), videoID, token); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	if video.Status != catalog.VideoStatusAnalyzing {
		ok, err := o.repo.BeginAnalysis(ctx, videoID)
		if err != nil {
			return o.fail(ctx, logger, videoID, fmt.Errorf("begin analysis: %w", err), start)
		}
		if !ok {
			return ErrRunInProgress
		}
	}

	logger.Info("analysis started", "storage_key", video.StorageKey)
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	workDir := filepath.Join(o.opts.WorkDir, videoID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work dir", "path", workDir, "error", err)
		}
	}()

	tracker := NewTracker(o.repo, videoID, jobID, logger)
	succeeded, total, runErr := o.run(ctx, video, workDir, tracker, logger)
	elapsed := time.Since(start)
	metrics.AnalysisDuration.Observe(elapsed.Seconds())

	if runErr != nil {
		logger.Error("analysis failed", "error", runErr, "progress", tracker.Progress(), "elapsed", elapsed)
		return o.fail(ctx, logger, videoID, runErr, start)
	}

	outcome := catalog.AnalysisOutcome{
		Status:    AggregateStatus(succeeded, total),
		Succeeded: succeeded,
		Failed:    total - succeeded,
		Elapsed:   elapsed,
	}
	if outcome.Status == catalog.VideoStatusAnalysisFailed {
		outcome.Error = fmt.Sprintf("only %d of %d segments analyzed", succeeded, total)
	}
	if err := o.repo.CompleteAnalysis(context.WithoutCancel(ctx), videoID, outcome); err != nil {
		return o.fail(ctx, logger, videoID, fmt.Errorf("record analysis outcome: %w", err), start)
	}

	logger.Info("analysis finished",
		"status", outcome.Status,
		"segments", total,
		"succeeded", succeeded,
		"failed", outcome.Failed,
		"elapsed", elapsed,
	)
	metrics.AnalysisRuns.WithLabelValues(outcome.Status).Inc()
	return nil
}

// fail records a fatal run error on the video and returns it. The write
// ignores cancellation so shutdown still leaves a terminal status behind.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, videoID string, runErr error, start time.Time) error {
	if err := o.repo.FailAnalysis(context.WithoutCancel(ctx), videoID, runErr.Error(), time.Since(start)); err != nil {
		logger.Error("failed to record analysis failure", "error", err, "run_error", runErr)
	}
	metrics.AnalysisRuns.WithLabelValues(catalog.VideoStatusAnalysisFailed).Inc()
	return runErr
}

func (o *Orchestrator) run(ctx context.Context, video *catalog.Video, workDir string, tracker *Tracker, logger *slog.Logger) (int, int, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("prepare work dir: %w", err)
	}

	// 1. Download.
	if err := tracker.Step(ctx, 5, "downloading video"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	sourcePath := filepath.Join(workDir, "source"+filepath.Ext(video.StorageKey))
	if err := o.store.Download(ctx, video.StorageKey, sourcePath); err != nil {
		return 0, 0, fmt.Errorf("download: %w", err)
	}

	// 2. Validate.
	if err := tracker.Step(ctx, 10, "validating video"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	probe, err := o.transcoder.Probe(ctx, sourcePath)
	if err != nil {
		return 0, 0, fmt.Errorf("validate: %w", err)
	}
	if err := o.repo.UpdateVideoMetadata(ctx, video.ID, catalog.VideoMetadata{
		Duration:      probe.Duration,
		Width:         probe.Width,
		Height:        probe.Height,
		FrameRate:     probe.FrameRate,
		Format:        probe.Format,
		AudioChannels: probe.AudioChannels,
	}); err != nil {
		return 0, 0, fmt.Errorf("validate: save metadata: %w", err)
	}

	// 3. Standardize.
	if err := tracker.Step(ctx, 15, "standardizing video"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	stdPath := filepath.Join(workDir, "standardized.mp4")
	encoder, err := o.transcoder.Standardize(ctx, sourcePath, stdPath)
	if err != nil {
		return 0, 0, fmt.Errorf("standardize: %w", err)
	}
	logger.Debug("video standardized", "encoder", encoder)

	// 4. Audio.
	if err := tracker.Step(ctx, 18, "extracting audio"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	audioPath := filepath.Join(workDir, "audio.wav")
	if probe.HasAudio {
		err = o.transcoder.ExtractAudio(ctx, stdPath, audioPath)
	} else {
		logger.Info("source has no audio stream, using silence")
		err = o.transcoder.Silence(ctx, audioPath, probe.Duration)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("extract audio: %w", err)
	}

	// 5. Plan.
	if err := tracker.Step(ctx, 20, "planning segments"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	plans := PlanSegments(probe.Duration, o.opts.SegmentLength.Seconds())
	if len(plans) == 0 {
		return 0, 0, fmt.Errorf("plan: no segments for duration %.3fs", probe.Duration)
	}
	if err := o.repo.SetVideoSegmentCount(ctx, video.ID, len(plans)); err != nil {
		return 0, 0, fmt.Errorf("plan: %w", err)
	}
	if err := tracker.Step(ctx, 25, fmt.Sprintf("planned %d segments", len(plans))); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}

	// 6. Segment.
	jobs, err := o.cutSegments(ctx, video.ID, stdPath, audioPath, workDir, plans, tracker)
	if err != nil {
		return 0, 0, fmt.Errorf("segment: %w", err)
	}

	// 7. Verify.
	if err := o.verifySegments(ctx, jobs, tracker); err != nil {
		return 0, 0, fmt.Errorf("verify: %w", err)
	}

	// 8. Placeholders.
	if err := tracker.Step(ctx, 45, "saving segment records"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	segments := make([]*catalog.Segment, len(jobs))
	for i, j := range jobs {
		segments[i] = j.Segment
	}
	if err := o.repo.UpsertSegments(ctx, segments); err != nil {
		return 0, 0, fmt.Errorf("save segments: %w", err)
	}
	if err := tracker.Step(ctx, 60, "segment records saved"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}

	// 9. Analyze in batches.
	succeeded := o.analyzeBatches(ctx, jobs, tracker, logger)
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("analyze: interrupted: %w", err)
	}

	// 10. Aggregate is recorded by the caller.
	if err := tracker.Step(ctx, 95, "aggregating results"); err != nil {
		return 0, 0, fmt.Errorf("record progress: %w", err)
	}
	return succeeded, len(jobs), nil
}

func (o *Orchestrator) cutSegments(ctx context.Context, videoID, stdPath, audioPath, workDir string,
	plans []SegmentPlan, tracker *Tracker) ([]SegmentJob, error) {
	segDir := filepath.Join(workDir, "segments")
	now := time.Now().UTC()
	jobs := make([]SegmentJob, 0, len(plans))

	for i, p := range plans {
		if err := tracker.Step(ctx, 25+10*i/len(plans), fmt.Sprintf("cutting segment %d of %d", p.Number, len(plans))); err != nil {
			return nil, err
		}

		key := catalog.SegmentKey(p.Number)
		videoPath := filepath.Join(segDir, key+".mp4")
		segAudio := filepath.Join(segDir, key+".wav")
		thumbPath := filepath.Join(segDir, key+".jpg")

		if err := o.transcoder.CutVideo(ctx, stdPath, videoPath, p.Start, p.Duration); err != nil {
			return nil, fmt.Errorf("segment %s: %w", key, err)
		}
		if err := o.transcoder.CutAudio(ctx, audioPath, segAudio, p.Start, p.Duration); err != nil {
			return nil, fmt.Errorf("segment %s audio: %w", key, err)
		}
		if err := o.transcoder.Thumbnail(ctx, videoPath, thumbPath, p.Duration/2); err != nil {
			return nil, fmt.Errorf("segment %s thumbnail: %w", key, err)
		}

		seg := &catalog.Segment{
			VideoID:      videoID,
			Number:       p.Number,
			StartTime:    p.Start,
			EndTime:      p.End,
			Duration:     p.Duration,
			StorageKey:   objectstore.SegmentKey(videoID, p.Number),
			ThumbnailKey: objectstore.ThumbnailKey(videoID, p.Number),
			Status:       catalog.SegmentStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.store.Upload(ctx, seg.StorageKey, videoPath, "video/mp4"); err != nil {
			return nil, fmt.Errorf("upload segment %s: %w", key, err)
		}
		if err := o.store.Upload(ctx, seg.ThumbnailKey, thumbPath, "image/jpeg"); err != nil {
			return nil, fmt.Errorf("upload thumbnail %s: %w", key, err)
		}

		jobs = append(jobs, SegmentJob{Segment: seg, VideoPath: videoPath, AudioPath: segAudio})
	}
	return jobs, nil
}

// verifySegments confirms each uploaded segment is readable and plausibly
// sized, retrying to ride out read-after-write lag.
func (o *Orchestrator) verifySegments(ctx context.Context, jobs []SegmentJob, tracker *Tracker) error {
	for i, j := range jobs {
		if err := tracker.Step(ctx, 35+5*i/len(jobs), fmt.Sprintf("verifying segment %d of %d", j.Segment.Number, len(jobs))); err != nil {
			return err
		}

		key := j.Segment.StorageKey
		check := func() error {
			info, err := o.store.Stat(ctx, key)
			if err != nil {
				return err
			}
			if info.Size < o.opts.MinSegmentBytes {
				return fmt.Errorf("segment %s is %d bytes, want at least %d", j.Segment.Key(), info.Size, o.opts.MinSegmentBytes)
			}
			return nil
		}
		if err := backoff.Retry(check, o.verifyBackoff(ctx)); err != nil {
			return fmt.Errorf("segment %s: %w", j.Segment.Key(), err)
		}
	}
	return tracker.Step(ctx, 40, "segments verified")
}

func (o *Orchestrator) verifyBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.opts.VerifyBaseDelay
	eb.MaxInterval = o.opts.VerifyMaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 5 * time.Second
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.opts.VerifyAttempts-1)), ctx)
}

// analyzeBatches runs batches sequentially and the segments of one batch
// concurrently. It returns the number of segments that completed.
func (o *Orchestrator) analyzeBatches(ctx context.Context, jobs []SegmentJob, tracker *Tracker, logger *slog.Logger) int {
	groups := batches(jobs, o.opts.BatchSize)
	var succeeded atomic.Int32

	for bi, group := range groups {
		if ctx.Err() != nil {
			break
		}
		label := fmt.Sprintf("analyzing batch %d of %d", bi+1, len(groups))
		if err := tracker.Step(ctx, 60+35*bi/len(groups), label); err != nil {
			logger.Warn("failed to record progress", "error", err)
		}

		var g errgroup.Group
		for _, job := range group {
			g.Go(func() error {
				if o.analyzer.Analyze(ctx, job) {
					succeeded.Add(1)
				}
				return nil
			})
		}
		g.Wait()

		logger.Info("batch analyzed", "batch", bi+1, "of", len(groups), "succeeded_total", succeeded.Load())
	}
	return int(succeeded.Load())
}
