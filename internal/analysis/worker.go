package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/inference"
	"github.com/heimdex/heimdex-ingest/internal/logging"
	"github.com/heimdex/heimdex-ingest/internal/metrics"
)

// SegmentJob is one cut segment ready for inference.
type SegmentJob struct {
	Segment   *catalog.Segment
	VideoPath string
	AudioPath string
}

// Worker analyzes one segment with the audio and visual services. A segment
// is stored as completed only when both calls succeed.
type Worker struct {
	audio        inference.AudioAnalyzer
	visual       inference.VisualAnalyzer
	repo         catalog.Repository
	audioPolicy  inference.RetryPolicy
	visualPolicy inference.RetryPolicy
	logger       *slog.Logger
}

func NewWorker(audio inference.AudioAnalyzer, visual inference.VisualAnalyzer, repo catalog.Repository,
	audioPolicy, visualPolicy inference.RetryPolicy, logger *slog.Logger) *Worker {
	audioPolicy.OnRetry = retryCounter("audio", audioPolicy.OnRetry)
	visualPolicy.OnRetry = retryCounter("visual", visualPolicy.OnRetry)
	return &Worker{
		audio:        audio,
		visual:       visual,
		repo:         repo,
		audioPolicy:  audioPolicy,
		visualPolicy: visualPolicy,
		logger:       logger,
	}
}

func retryCounter(service string, next func(error, time.Duration)) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		metrics.InferenceRetries.WithLabelValues(service).Inc()
		if next != nil {
			next(err, wait)
		}
	}
}

// Analyze runs both inference calls and persists the outcome. It reports
// whether the segment completed and never panics or returns an error, so
// one segment cannot take down its batch.
func (w *Worker) Analyze(ctx context.Context, job SegmentJob) (ok bool) {
	seg := job.Segment
	logger := logging.WithVideoID(w.logger, seg.VideoID).With("segment", seg.Key())

	defer func() {
		if p := recover(); p != nil {
			logger.Error("segment analysis panicked", "panic", p)
			w.markFailed(ctx, seg, fmt.Sprintf("panic: %v", p))
			ok = false
		}
		outcome := "failed"
		if ok {
			outcome = "completed"
		}
		metrics.SegmentOutcomes.WithLabelValues(outcome).Inc()
	}()

	var (
		audioRes            *inference.AudioResult
		visualRes           *inference.VisualResult
		audioErr, visualErr error
		audioMs, visualMs   int64
	)

	// Separate goroutines without a shared cancel: one modality failing
	// does not abort the other call.
	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		audioErr = w.audioPolicy.Do(ctx, func(ctx context.Context) error {
			return recovered(func() error {
				r, err := w.audio.AnalyzeAudio(ctx, inference.AudioRequest{
					Path:    job.AudioPath,
					EndTime: seg.Duration,
				})
				audioRes = r
				return err
			})
		})
		audioMs = time.Since(start).Milliseconds()
		observeCall("audio", audioErr, time.Since(start))
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		visualErr = w.visualPolicy.Do(ctx, func(ctx context.Context) error {
			return recovered(func() error {
				r, err := w.visual.AnalyzeVisual(ctx, inference.VisualRequest{
					Path:    job.VideoPath,
					EndTime: seg.Duration,
				})
				visualRes = r
				return err
			})
		})
		visualMs = time.Since(start).Milliseconds()
		observeCall("visual", visualErr, time.Since(start))
		return nil
	})
	g.Wait()

	if audioErr == nil && audioRes == nil {
		audioErr = errors.New("empty response")
	}
	if visualErr == nil && visualRes == nil {
		visualErr = errors.New("empty response")
	}
	if err := errors.Join(prefixErr("audio", audioErr), prefixErr("visual", visualErr)); err != nil {
		logger.Warn("segment analysis failed", "error", err, "audio_ms", audioMs, "visual_ms", visualMs)
		w.markFailed(ctx, seg, err.Error())
		return false
	}

	result := catalog.SegmentResult{
		Analysis: normalize(seg.StartTime, audioRes, visualRes),
		AudioMs:  audioMs,
		VisualMs: visualMs,
	}
	if err := w.repo.SaveSegmentResult(context.WithoutCancel(ctx), seg, result); err != nil {
		logger.Error("failed to save segment result", "error", err)
		w.markFailed(ctx, seg, "save result: "+err.Error())
		return false
	}

	logger.Info("segment analyzed",
		"audio_ms", audioMs,
		"visual_ms", visualMs,
		"objects", len(result.Analysis.Objects),
		"words", audioRes.WordCount,
	)
	return true
}

func (w *Worker) markFailed(ctx context.Context, seg *catalog.Segment, reason string) {
	if err := w.repo.MarkSegmentFailed(context.WithoutCancel(ctx), seg.VideoID, seg.Number, reason); err != nil {
		logging.WithVideoID(w.logger, seg.VideoID).Error("failed to mark segment failed", "segment", seg.Key(), "error", err)
	}
}

// recovered converts a panic in fn into a non-retryable error.
func recovered(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func prefixErr(service string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", service, err)
}

func observeCall(service string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.InferenceCalls.WithLabelValues(service, outcome).Observe(d.Seconds())
}
