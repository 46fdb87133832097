package analysis

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/db"
	"github.com/heimdex/heimdex-ingest/internal/inference"
)

func setupRepo(t *testing.T) catalog.Repository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return catalog.NewRepository(database.Conn())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createVideo(t *testing.T, repo catalog.Repository, status string) *catalog.Video {
	t.Helper()
	now := time.Now()
	v := &catalog.Video{
		ID:          catalog.NewID(),
		OwnerID:     "owner-1",
		Name:        "holiday",
		FileName:    "holiday.mp4",
		FileSize:    4096,
		ContentType: "video/mp4",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v.StorageKey = "videos/owner-1/" + v.ID + "/original.mp4"
	require.NoError(t, repo.CreateVideo(context.Background(), v))
	return v
}

// fakeInference serves both modalities. The optional funcs see every call.
type fakeInference struct {
	audioCalls  atomic.Int32
	visualCalls atomic.Int32
	audioFn     func(req inference.AudioRequest) (*inference.AudioResult, error)
	visualFn    func(req inference.VisualRequest) (*inference.VisualResult, error)

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (f *fakeInference) track() func() {
	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *fakeInference) AnalyzeAudio(ctx context.Context, req inference.AudioRequest) (*inference.AudioResult, error) {
	f.audioCalls.Add(1)
	if f.audioFn != nil {
		return f.audioFn(req)
	}
	return &inference.AudioResult{
		Transcript: "hello world",
		Language:   "en",
		Segments:   []inference.SpeechSegment{{Text: "hello world", Start: 1, End: 2, Confidence: 0.9}},
		WordCount:  2,
	}, nil
}

func (f *fakeInference) AnalyzeVisual(ctx context.Context, req inference.VisualRequest) (*inference.VisualResult, error) {
	f.visualCalls.Add(1)
	defer f.track()()
	if f.visualFn != nil {
		return f.visualFn(req)
	}
	return &inference.VisualResult{
		Objects: []inference.Detection{{Name: "dog", Confidence: 0.8, Occurrences: 3, FirstSeen: 0.5, LastSeen: 4}},
		Scenes:  []inference.Scene{{Description: "park", Confidence: 0.7, Category: "outdoor"}},
	}, nil
}

func (f *fakeInference) Ready(ctx context.Context) error { return nil }

func fastPolicy() inference.RetryPolicy {
	return inference.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestWorker(repo catalog.Repository, svc *fakeInference) *Worker {
	return NewWorker(svc, svc, repo, fastPolicy(), fastPolicy(), discardLogger())
}

func pendingSegment(t *testing.T, repo catalog.Repository, videoID string, number int, start, duration float64) *catalog.Segment {
	t.Helper()
	now := time.Now()
	seg := &catalog.Segment{
		VideoID:    videoID,
		Number:     number,
		StartTime:  start,
		EndTime:    start + duration,
		Duration:   duration,
		StorageKey: "segments/" + videoID + "/" + catalog.SegmentKey(number) + ".mp4",
		Status:     catalog.SegmentStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, repo.UpsertSegments(context.Background(), []*catalog.Segment{seg}))
	return seg
}

func TestWorker_StoresCompletedSegment(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 2, 30, 17)
	svc := &fakeInference{}

	var windows []float64
	svc.audioFn = func(req inference.AudioRequest) (*inference.AudioResult, error) {
		windows = append(windows, req.StartTime, req.EndTime)
		return &inference.AudioResult{
			Transcript: "hello",
			Segments:   []inference.SpeechSegment{{Text: "hello", Start: 1, End: 2}},
		}, nil
	}

	ok := newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg, VideoPath: "v.mp4", AudioPath: "a.wav"})
	require.True(t, ok)
	assert.Equal(t, []float64{0, 17}, windows, "window is relative to the segment file")

	got, err := repo.GetSegment(context.Background(), v.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, catalog.SegmentStatusCompleted, got.Status)
	require.Len(t, got.Analysis.Speakers, 1)
	assert.InDelta(t, 31, got.Analysis.Speakers[0].Start, 1e-9)
	require.Len(t, got.Analysis.Objects, 1)
	assert.InDelta(t, 30.5, got.Analysis.Objects[0].FirstSeen, 1e-9)
	assert.Contains(t, got.Analysis.SearchableText, "dog")
}

func TestWorker_OneModalityFailingFailsSegment(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 1, 0, 30)
	svc := &fakeInference{
		visualFn: func(req inference.VisualRequest) (*inference.VisualResult, error) {
			return nil, &inference.ServiceError{Service: "visual", StatusCode: 400, Detail: "no frames extracted"}
		},
	}

	ok := newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg})
	assert.False(t, ok)
	assert.Equal(t, int32(1), svc.visualCalls.Load(), "4xx is not retried")
	assert.Equal(t, int32(1), svc.audioCalls.Load(), "audio still ran")

	got, err := repo.GetSegment(context.Background(), v.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.SegmentStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "visual:"), "error = %q", got.Error)
	assert.Empty(t, got.Analysis.Transcript, "partial results are not stored")
}

func TestWorker_RetriesTransientErrors(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 1, 0, 30)

	var attempts atomic.Int32
	svc := &fakeInference{}
	svc.audioFn = func(req inference.AudioRequest) (*inference.AudioResult, error) {
		if attempts.Add(1) == 1 {
			return nil, &inference.ServiceError{Service: "audio", StatusCode: 503, Detail: "model loading"}
		}
		return &inference.AudioResult{Transcript: "ok"}, nil
	}

	ok := newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg})
	assert.True(t, ok)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWorker_GivesUpAfterAttempts(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 1, 0, 30)
	svc := &fakeInference{
		audioFn: func(req inference.AudioRequest) (*inference.AudioResult, error) {
			return nil, &inference.ServiceError{Service: "audio", StatusCode: 502}
		},
	}

	ok := newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg})
	assert.False(t, ok)
	assert.Equal(t, int32(3), svc.audioCalls.Load())
}

func TestWorker_PanicIsContained(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 1, 0, 30)
	svc := &fakeInference{
		visualFn: func(req inference.VisualRequest) (*inference.VisualResult, error) {
			panic("decoder exploded")
		},
	}

	var ok bool
	assert.NotPanics(t, func() {
		ok = newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg})
	})
	assert.False(t, ok)

	got, err := repo.GetSegment(context.Background(), v.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.SegmentStatusFailed, got.Status)
	assert.Contains(t, got.Error, "decoder exploded")
}

func TestWorker_EmptyResponseFails(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	seg := pendingSegment(t, repo, v.ID, 1, 0, 30)
	svc := &fakeInference{
		audioFn: func(req inference.AudioRequest) (*inference.AudioResult, error) { return nil, nil },
	}

	assert.False(t, newTestWorker(repo, svc).Analyze(context.Background(), SegmentJob{Segment: seg}))
}

func TestTracker_NeverMovesBackwards(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	tracker := NewTracker(repo, v.ID, "", discardLogger())
	ctx := context.Background()

	require.NoError(t, tracker.Step(ctx, 25, "planned"))
	require.NoError(t, tracker.Step(ctx, 10, "late update"))
	assert.Equal(t, 25, tracker.Progress())

	require.NoError(t, tracker.Step(ctx, 140, "overflow"))
	assert.Equal(t, 100, tracker.Progress())

	got, err := repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "overflow", got.CurrentStep)
}

func TestTracker_UpdatesJob(t *testing.T) {
	repo := setupRepo(t)
	v := createVideo(t, repo, catalog.VideoStatusAnalyzing)
	ctx := context.Background()
	job := &catalog.Job{ID: catalog.NewID(), Type: catalog.JobTypeAnalyze, Status: catalog.JobStatusRunning,
		VideoID: v.ID, OwnerID: v.OwnerID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, repo.CreateJob(ctx, job))

	tracker := NewTracker(repo, v.ID, job.ID, discardLogger())
	require.NoError(t, tracker.Step(ctx, 45, "saving segment records"))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.Progress)
}
