package analysis

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/inference"
	"github.com/heimdex/heimdex-ingest/internal/media"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
)

// fakeTranscoder writes placeholder files instead of running ffmpeg.
type fakeTranscoder struct {
	probe       media.ProbeResult
	probeErr    error
	segmentSize int

	mu      sync.Mutex
	silence bool
	cuts    []float64
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	p := f.probe
	return &p, nil
}

func (f *fakeTranscoder) Standardize(ctx context.Context, in, out string) (string, error) {
	return media.EncoderSoftware, writeFile(out, 4096)
}

func (f *fakeTranscoder) ExtractAudio(ctx context.Context, in, out string) error {
	return writeFile(out, 2048)
}

func (f *fakeTranscoder) Silence(ctx context.Context, out string, seconds float64) error {
	f.mu.Lock()
	f.silence = true
	f.mu.Unlock()
	return writeFile(out, 2048)
}

func (f *fakeTranscoder) CutVideo(ctx context.Context, in, out string, start, duration float64) error {
	f.mu.Lock()
	f.cuts = append(f.cuts, start)
	f.mu.Unlock()
	size := f.segmentSize
	if size == 0 {
		size = 2048
	}
	return writeFile(out, size)
}

func (f *fakeTranscoder) CutAudio(ctx context.Context, in, out string, start, duration float64) error {
	return writeFile(out, 1024)
}

func (f *fakeTranscoder) Thumbnail(ctx context.Context, in, out string, offset float64) error {
	return writeFile(out, 128)
}

func writeFile(path string, size int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, bytes.Repeat([]byte{0x42}, size), 0644)
}

// laggyStore reports the first lag Stat calls per key as missing.
type laggyStore struct {
	*objectstore.MemoryStore
	lag   int
	mu    sync.Mutex
	stats map[string]int
}

func (s *laggyStore) Stat(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	s.mu.Lock()
	s.stats[key]++
	n := s.stats[key]
	s.mu.Unlock()
	if n <= s.lag {
		return nil, objectstore.ErrNotFound
	}
	return s.MemoryStore.Stat(ctx, key)
}

type orchestratorFixture struct {
	repo       catalog.Repository
	store      *objectstore.MemoryStore
	transcoder *fakeTranscoder
	inference  *fakeInference
	lock       RunLock
	orch       *Orchestrator
	workDir    string
}

func newOrchestratorFixture(t *testing.T, duration float64) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		repo:  setupRepo(t),
		store: objectstore.NewMemoryStore("http://objects.test"),
		transcoder: &fakeTranscoder{probe: media.ProbeResult{
			Duration: duration, Width: 1920, Height: 1080, Codec: "h264", FrameRate: 25,
			Format: "mov,mp4,m4a,3gp,3g2,mj2", HasAudio: true, AudioChannels: 2,
		}},
		inference: &fakeInference{},
		lock:      NewLocalLock(),
		workDir:   t.TempDir(),
	}
	f.orch = f.build(f.store)
	return f
}

func (f *orchestratorFixture) build(store objectstore.Store) *Orchestrator {
	opts := DefaultOptions(f.workDir)
	opts.VerifyBaseDelay = time.Millisecond
	opts.VerifyMaxDelay = 2 * time.Millisecond
	worker := newTestWorker(f.repo, f.inference)
	return NewOrchestrator(f.repo, store, f.transcoder, worker, f.lock, opts, discardLogger())
}

// unreachableLock fails like a redis lock whose server is down.
type unreachableLock struct{}

func (unreachableLock) Acquire(ctx context.Context, videoID string, ttl time.Duration) (string, error) {
	return "", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func (unreachableLock) Release(ctx context.Context, videoID, token string) error { return nil }

// outcomeFailingRepo loses the final outcome write.
type outcomeFailingRepo struct {
	catalog.Repository
}

func (r *outcomeFailingRepo) CompleteAnalysis(ctx context.Context, id string, outcome catalog.AnalysisOutcome) error {
	return errors.New("disk I/O error")
}

func (f *orchestratorFixture) uploadedVideo(t *testing.T) *catalog.Video {
	t.Helper()
	v := createVideo(t, f.repo, catalog.VideoStatusUploaded)
	f.store.Put(v.StorageKey, []byte("source bytes"), "video/mp4")
	return v
}

func TestOrchestrator_Run_CompletesShortVideo(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, v.ID, ""))

	got, err := f.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoStatusAnalysisComplete, got.Status)
	assert.Equal(t, 2, got.SegmentCount)
	assert.Equal(t, 2, got.SuccessfulSegments)
	assert.Equal(t, 0, got.FailedSegments)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.AnalysisCompletedAt)
	assert.InDelta(t, 47, got.Metadata.Duration, 1e-9)
	assert.Equal(t, 1920, got.Metadata.Width)

	segments, err := f.repo.ListSegments(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.InDelta(t, 30, segments[0].Duration, 1e-9)
	assert.InDelta(t, 17, segments[1].Duration, 1e-9)
	assert.InDelta(t, 30, segments[1].StartTime, 1e-9)
	for _, s := range segments {
		assert.Equal(t, catalog.SegmentStatusCompleted, s.Status)
		_, ok := f.store.Get(s.StorageKey)
		assert.True(t, ok, "segment %s uploaded", s.Key())
		_, ok = f.store.Get(s.ThumbnailKey)
		assert.True(t, ok, "thumbnail %s uploaded", s.Key())
	}
	require.NotEmpty(t, segments[1].Analysis.Speakers)
	assert.InDelta(t, 31, segments[1].Analysis.Speakers[0].Start, 1e-9)

	_, err = os.Stat(filepath.Join(f.workDir, v.ID))
	assert.True(t, os.IsNotExist(err), "work dir removed")
}

func TestOrchestrator_Run_PartialResults(t *testing.T) {
	f := newOrchestratorFixture(t, 120)
	f.inference.visualFn = func(req inference.VisualRequest) (*inference.VisualResult, error) {
		if strings.HasSuffix(req.Path, "0003.mp4") {
			return nil, &inference.ServiceError{Service: "visual", StatusCode: 400, Detail: "no frames"}
		}
		return &inference.VisualResult{}, nil
	}
	v := f.uploadedVideo(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, v.ID, ""))

	got, err := f.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoStatusAnalysisPartial, got.Status)
	assert.Equal(t, 3, got.SuccessfulSegments)
	assert.Equal(t, 1, got.FailedSegments)

	seg, err := f.repo.GetSegment(ctx, v.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, catalog.SegmentStatusFailed, seg.Status)
}

func TestOrchestrator_Run_MostlyFailedSegments(t *testing.T) {
	f := newOrchestratorFixture(t, 90)
	f.inference.audioFn = func(req inference.AudioRequest) (*inference.AudioResult, error) {
		return nil, &inference.ServiceError{Service: "audio", StatusCode: 422, Detail: "bad audio"}
	}
	v := f.uploadedVideo(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, v.ID, ""))

	got, err := f.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.Equal(t, 3, got.FailedSegments)
	assert.Contains(t, got.Error, "0 of 3")
}

func TestOrchestrator_Run_BatchesBoundConcurrency(t *testing.T) {
	f := newOrchestratorFixture(t, 360)
	v := f.uploadedVideo(t)

	require.NoError(t, f.orch.Run(context.Background(), v.ID, ""))

	assert.Equal(t, int32(12), f.inference.visualCalls.Load())
	assert.LessOrEqual(t, f.inference.peak, 5)
}

func TestOrchestrator_Run_SilenceWithoutAudio(t *testing.T) {
	f := newOrchestratorFixture(t, 20)
	f.transcoder.probe.HasAudio = false
	v := f.uploadedVideo(t)

	require.NoError(t, f.orch.Run(context.Background(), v.ID, ""))
	assert.True(t, f.transcoder.silence)
}

func TestOrchestrator_Run_MissingSourceIsFatal(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := createVideo(t, f.repo, catalog.VideoStatusUploaded)
	ctx := context.Background()

	err := f.orch.Run(ctx, v.ID, "")
	require.Error(t, err)

	got, err := f.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "download:"), "error = %q", got.Error)
	assert.Equal(t, 5, got.Progress, "progress stays at the failed stage")
	assert.NotNil(t, got.AnalysisFailedAt)
	assert.Zero(t, f.inference.audioCalls.Load())
}

func TestOrchestrator_Run_ProbeFailureIsFatal(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	f.transcoder.probeErr = media.ErrNoVideoStream
	v := f.uploadedVideo(t)

	err := f.orch.Run(context.Background(), v.ID, "")
	require.ErrorIs(t, err, media.ErrNoVideoStream)

	got, _ := f.repo.GetVideo(context.Background(), v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "validate:"))
}

func TestOrchestrator_Run_VerifyRetriesLaggingStore(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	store := &laggyStore{MemoryStore: f.store, lag: 2, stats: make(map[string]int)}

	require.NoError(t, f.build(store).Run(context.Background(), v.ID, ""))

	got, _ := f.repo.GetVideo(context.Background(), v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisComplete, got.Status)
	assert.Equal(t, 3, store.stats[objectstore.SegmentKey(v.ID, 1)])
}

func TestOrchestrator_Run_UndersizedSegmentIsFatal(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	f.transcoder.segmentSize = 100
	v := f.uploadedVideo(t)

	err := f.orch.Run(context.Background(), v.ID, "")
	require.Error(t, err)

	got, _ := f.repo.GetVideo(context.Background(), v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "verify:"), "error = %q", got.Error)
	assert.Zero(t, f.inference.visualCalls.Load(), "no inference before verification passes")

	_, err = os.Stat(filepath.Join(f.workDir, v.ID))
	assert.True(t, os.IsNotExist(err), "work dir removed after a fatal stage")
}

func TestOrchestrator_Run_RejectsConcurrentRun(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	ctx := context.Background()

	token, err := f.lock.Acquire(ctx, v.ID, time.Minute)
	require.NoError(t, err)

	err = f.orch.Run(ctx, v.ID, "")
	assert.ErrorIs(t, err, ErrRunInProgress)

	got, _ := f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusUploaded, got.Status, "held lock leaves the video untouched")

	require.NoError(t, f.lock.Release(ctx, v.ID, token))
	require.NoError(t, f.orch.Run(ctx, v.ID, ""))
}

func TestOrchestrator_Run_ReanalysisResetsCounters(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	ctx := context.Background()

	var failVisual atomic.Bool
	failVisual.Store(true)
	f.inference.visualFn = func(req inference.VisualRequest) (*inference.VisualResult, error) {
		if failVisual.Load() {
			return nil, &inference.ServiceError{Service: "visual", StatusCode: 400}
		}
		return &inference.VisualResult{}, nil
	}

	require.NoError(t, f.orch.Run(ctx, v.ID, ""))
	got, _ := f.repo.GetVideo(ctx, v.ID)
	require.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)

	failVisual.Store(false)
	require.NoError(t, f.orch.Run(ctx, v.ID, ""))

	got, _ = f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisComplete, got.Status)
	assert.Equal(t, 2, got.SuccessfulSegments)
	assert.Equal(t, 0, got.FailedSegments)
	assert.Empty(t, got.Error)
}

func TestOrchestrator_Run_FailedRerunDropsPreviousAnalysis(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, v.ID, ""))
	seg, err := f.repo.GetSegment(ctx, v.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "hello world", seg.Analysis.Transcript)

	f.inference.visualFn = func(req inference.VisualRequest) (*inference.VisualResult, error) {
		return nil, &inference.ServiceError{Service: "visual", StatusCode: 422}
	}
	require.NoError(t, f.orch.Run(ctx, v.ID, ""))

	segments, err := f.repo.ListSegments(ctx, v.ID)
	require.NoError(t, err)
	for _, s := range segments {
		assert.Equal(t, catalog.SegmentStatusFailed, s.Status)
		assert.Empty(t, s.Analysis.Transcript, "segment %s", s.Key())
		assert.Empty(t, s.Analysis.SearchableText, "segment %s", s.Key())
		assert.Empty(t, s.Analysis.Objects, "segment %s", s.Key())
		assert.Nil(t, s.AnalyzedAt, "segment %s", s.Key())
	}
}

func TestOrchestrator_Run_OutcomeWriteFailureFailsVideo(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	v := f.uploadedVideo(t)
	ctx := context.Background()

	opts := DefaultOptions(f.workDir)
	orch := NewOrchestrator(&outcomeFailingRepo{Repository: f.repo}, f.store, f.transcoder,
		newTestWorker(f.repo, f.inference), f.lock, opts, discardLogger())

	err := orch.Run(ctx, v.ID, "")
	require.Error(t, err)

	got, _ := f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.Contains(t, got.Error, "record analysis outcome")
	assert.NotNil(t, got.AnalysisFailedAt)
}

func TestOrchestrator_Run_UnknownVideo(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	assert.ErrorIs(t, f.orch.Run(context.Background(), "missing", ""), ErrVideoNotFound)
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func TestService_Start(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	notifier := &countingNotifier{}
	svc := NewService(f.repo, f.orch, notifier, discardLogger())
	v := f.uploadedVideo(t)
	ctx := context.Background()

	job, err := svc.Start(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.JobTypeAnalyze, job.Type)
	assert.Equal(t, catalog.JobStatusPending, job.Status)
	assert.Equal(t, int32(1), notifier.n.Load())

	got, _ := f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalyzing, got.Status)

	_, err = svc.Start(ctx, v.ID, "owner-1")
	assert.ErrorIs(t, err, ErrAlreadyAnalyzing)

	require.NoError(t, svc.HandleJob(ctx, job))
	got, _ = f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisComplete, got.Status)

	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.Progress, 95)
}

func TestService_StartChecksOwnership(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	svc := NewService(f.repo, f.orch, nil, discardLogger())
	v := f.uploadedVideo(t)

	_, err := svc.Start(context.Background(), v.ID, "someone-else")
	assert.ErrorIs(t, err, catalog.ErrForbidden)

	_, err = svc.Start(context.Background(), "missing", "owner-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	got, _ := f.repo.GetVideo(context.Background(), v.ID)
	assert.Equal(t, catalog.VideoStatusUploaded, got.Status)
}

func TestService_HandleJob_LockErrorFailsVideo(t *testing.T) {
	f := newOrchestratorFixture(t, 47)
	f.lock = unreachableLock{}
	f.orch = f.build(f.store)
	svc := NewService(f.repo, f.orch, nil, discardLogger())
	v := f.uploadedVideo(t)
	ctx := context.Background()

	job, err := svc.Start(ctx, v.ID, "owner-1")
	require.NoError(t, err)

	err = svc.HandleJob(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	got, _ := f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisFailed, got.Status)
	assert.Contains(t, got.Error, "acquire run lock")
	assert.NotNil(t, got.AnalysisFailedAt)

	// The owner can re-trigger once the lock backend is back.
	f.lock = NewLocalLock()
	svc = NewService(f.repo, f.build(f.store), nil, discardLogger())
	job, err = svc.Start(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	require.NoError(t, svc.HandleJob(ctx, job))

	got, _ = f.repo.GetVideo(ctx, v.ID)
	assert.Equal(t, catalog.VideoStatusAnalysisComplete, got.Status)
}
