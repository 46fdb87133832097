package catalog

import (
	"context"
	"testing"
	"time"
)

func createTestSession(t *testing.T, repo Repository, total int) *UploadSession {
	t.Helper()
	now := time.Now()
	s := &UploadSession{
		ID:          NewID(),
		OwnerID:     "owner-1",
		FileName:    "clip.mp4",
		FileSize:    int64(total) * 5 * 1024 * 1024,
		FileType:    "video/mp4",
		ChunkSize:   5 * 1024 * 1024,
		TotalChunks: total,
		Status:      SessionStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func createTestVideo(t *testing.T, repo Repository, status string) *Video {
	t.Helper()
	now := time.Now()
	v := &Video{
		ID:          NewID(),
		OwnerID:     "owner-1",
		Name:        "clip",
		FileName:    "clip.mp4",
		FileSize:    1024,
		ContentType: "video/mp4",
		StorageKey:  "videos/owner-1/clip/original.mp4",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.CreateVideo(context.Background(), v); err != nil {
		t.Fatalf("create video: %v", err)
	}
	return v
}

func TestSetChunkState_SetsStayDisjoint(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	s := createTestSession(t, repo, 4)

	reports := []struct {
		index int
		state string
	}{
		{0, ChunkStateCompleted},
		{1, ChunkStateFailed},
		{1, ChunkStateCompleted},
		{2, ChunkStateCompleted},
		{2, ChunkStateFailed},
		{0, ChunkStateCompleted},
		{3, ChunkStateFailed},
		{3, ChunkStateFailed},
	}
	for _, r := range reports {
		if err := repo.SetChunkState(ctx, s.ID, r.index, r.state, 0); err != nil {
			t.Fatalf("SetChunkState(%d, %s) error = %v", r.index, r.state, err)
		}
	}

	got, err := repo.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	completed := map[int]bool{}
	for _, idx := range got.CompletedChunks {
		completed[idx] = true
	}
	for _, idx := range got.FailedChunks {
		if completed[idx] {
			t.Errorf("chunk %d is in both sets", idx)
		}
	}
	if len(got.CompletedChunks) != 2 || got.CompletedChunks[0] != 0 || got.CompletedChunks[1] != 1 {
		t.Errorf("completed = %v, want [0 1]", got.CompletedChunks)
	}
	if len(got.FailedChunks) != 2 || got.FailedChunks[0] != 2 || got.FailedChunks[1] != 3 {
		t.Errorf("failed = %v, want [2 3]", got.FailedChunks)
	}
}

func TestReconcileChunks_StorageWins(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	s := createTestSession(t, repo, 5)

	// Client claimed 0..3 completed and 4 failed; storage only has 0, 2 and 4.
	for i := 0; i < 4; i++ {
		repo.SetChunkState(ctx, s.ID, i, ChunkStateCompleted, 0)
	}
	repo.SetChunkState(ctx, s.ID, 4, ChunkStateFailed, 0)

	if err := repo.ReconcileChunks(ctx, s.ID, []int{0, 2, 4}); err != nil {
		t.Fatalf("ReconcileChunks() error = %v", err)
	}

	got, _ := repo.GetSession(ctx, s.ID)
	want := []int{0, 2, 4}
	if len(got.CompletedChunks) != len(want) {
		t.Fatalf("completed = %v, want %v", got.CompletedChunks, want)
	}
	for i := range want {
		if got.CompletedChunks[i] != want[i] {
			t.Errorf("completed = %v, want %v", got.CompletedChunks, want)
		}
	}
	if len(got.FailedChunks) != 0 {
		t.Errorf("failed = %v, want empty", got.FailedChunks)
	}
}

func TestTransitionSession_Conditional(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	s := createTestSession(t, repo, 2)

	ok, err := repo.TransitionSession(ctx, s.ID, []string{SessionStatusUploading}, SessionStatusAssembling)
	if err != nil || !ok {
		t.Fatalf("first transition = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.TransitionSession(ctx, s.ID, []string{SessionStatusUploading}, SessionStatusAssembling)
	if err != nil {
		t.Fatalf("second transition error = %v", err)
	}
	if ok {
		t.Error("second transition succeeded from assembling, want false")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	s, err := repo.GetSession(context.Background(), "missing")
	if err != nil || s != nil {
		t.Errorf("GetSession(missing) = %v, %v; want nil, nil", s, err)
	}
}

func TestBeginAnalysis_RejectsDuplicateRun(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusUploaded)

	ok, err := repo.BeginAnalysis(ctx, v.ID)
	if err != nil || !ok {
		t.Fatalf("BeginAnalysis() = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.BeginAnalysis(ctx, v.ID)
	if err != nil {
		t.Fatalf("second BeginAnalysis() error = %v", err)
	}
	if ok {
		t.Error("second BeginAnalysis succeeded while analyzing")
	}

	got, _ := repo.GetVideo(ctx, v.ID)
	if got.Status != VideoStatusAnalyzing {
		t.Errorf("status = %s, want %s", got.Status, VideoStatusAnalyzing)
	}
	if got.AnalysisStartedAt == nil {
		t.Error("analysis_started_at not set")
	}
}

func TestUpdateVideoProgress_NeverDecreases(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	repo.UpdateVideoProgress(ctx, v.ID, 40, "verifying segments")
	repo.UpdateVideoProgress(ctx, v.ID, 20, "late writer")

	got, _ := repo.GetVideo(ctx, v.ID)
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}
	if got.CurrentStep != "late writer" {
		t.Errorf("current_step = %q, want last label", got.CurrentStep)
	}
}

func TestCompleteAnalysis_PersistsCounts(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	err := repo.CompleteAnalysis(ctx, v.ID, AnalysisOutcome{
		Status:    VideoStatusAnalysisPartial,
		Succeeded: 6,
		Failed:    4,
		Elapsed:   90 * time.Second,
	})
	if err != nil {
		t.Fatalf("CompleteAnalysis() error = %v", err)
	}

	got, _ := repo.GetVideo(ctx, v.ID)
	if got.Status != VideoStatusAnalysisPartial {
		t.Errorf("status = %s, want %s", got.Status, VideoStatusAnalysisPartial)
	}
	if got.SuccessfulSegments != 6 || got.FailedSegments != 4 {
		t.Errorf("counts = %d/%d, want 6/4", got.SuccessfulSegments, got.FailedSegments)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.ElapsedMs != 90000 {
		t.Errorf("elapsed_ms = %d, want 90000", got.ElapsedMs)
	}
	if got.AnalysisCompletedAt == nil || got.AnalysisFailedAt != nil {
		t.Error("partial completion should set completed_at only")
	}
}

func TestFailAnalysis_RecordsError(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	if err := repo.FailAnalysis(ctx, v.ID, "validate: no video stream", 3*time.Second); err != nil {
		t.Fatalf("FailAnalysis() error = %v", err)
	}

	got, _ := repo.GetVideo(ctx, v.ID)
	if got.Status != VideoStatusAnalysisFailed {
		t.Errorf("status = %s, want %s", got.Status, VideoStatusAnalysisFailed)
	}
	if got.Error != "validate: no video stream" {
		t.Errorf("error = %q", got.Error)
	}
	if got.AnalysisFailedAt == nil {
		t.Error("analysis_failed_at not set")
	}
	if got.ElapsedMs != 3000 {
		t.Errorf("elapsed_ms = %d, want 3000", got.ElapsedMs)
	}
}

func TestSegments_PlaceholdersThenResultUpsert(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	segments := []*Segment{
		{VideoID: v.ID, Number: 1, StartTime: 0, EndTime: 30, Duration: 30, StorageKey: "segments/a/0001.mp4"},
		{VideoID: v.ID, Number: 2, StartTime: 30, EndTime: 47, Duration: 17, StorageKey: "segments/a/0002.mp4"},
	}
	if err := repo.UpsertSegments(ctx, segments); err != nil {
		t.Fatalf("UpsertSegments() error = %v", err)
	}
	// Repeating the batch is safe.
	if err := repo.UpsertSegments(ctx, segments); err != nil {
		t.Fatalf("second UpsertSegments() error = %v", err)
	}

	result := SegmentResult{
		Analysis: SegmentAnalysis{
			Transcript:     "hello there",
			Objects:        []Detection{{Name: "laptop", Confidence: 0.9, Occurrences: 3}},
			Scene:          &SceneContext{Description: "office", Setting: "indoor", Confidence: 0.8},
			SearchableText: "hello there laptop office indoor",
		},
		AudioMs:  1200,
		VisualMs: 3400,
	}
	for i := 0; i < 2; i++ {
		if err := repo.SaveSegmentResult(ctx, segments[0], result); err != nil {
			t.Fatalf("SaveSegmentResult() error = %v", err)
		}
	}
	if err := repo.MarkSegmentFailed(ctx, v.ID, 2, "visual: HTTP 500"); err != nil {
		t.Fatalf("MarkSegmentFailed() error = %v", err)
	}

	list, err := repo.ListSegments(ctx, v.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("segments = %d, want 2", len(list))
	}
	if list[0].Status != SegmentStatusCompleted {
		t.Errorf("segment 1 status = %s, want completed", list[0].Status)
	}
	if list[0].Analysis.Objects[0].Name != "laptop" {
		t.Errorf("segment 1 objects = %+v", list[0].Analysis.Objects)
	}
	if list[0].Analysis.Scene == nil || list[0].Analysis.Scene.Setting != "indoor" {
		t.Errorf("segment 1 scene = %+v", list[0].Analysis.Scene)
	}
	if list[1].Status != SegmentStatusFailed || list[1].Error != "visual: HTTP 500" {
		t.Errorf("segment 2 = %s %q", list[1].Status, list[1].Error)
	}
	if list[1].Duration != 17 {
		t.Errorf("segment 2 duration = %v, want 17", list[1].Duration)
	}
}

func TestSegments_RerunClearsPreviousAnalysis(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	segments := []*Segment{
		{VideoID: v.ID, Number: 1, StartTime: 0, EndTime: 30, Duration: 30, StorageKey: "segments/a/0001.mp4"},
		{VideoID: v.ID, Number: 2, StartTime: 30, EndTime: 60, Duration: 30, StorageKey: "segments/a/0002.mp4"},
	}
	if err := repo.UpsertSegments(ctx, segments); err != nil {
		t.Fatalf("UpsertSegments() error = %v", err)
	}
	result := SegmentResult{
		Analysis: SegmentAnalysis{
			Transcript:     "hello world",
			Language:       "en",
			Objects:        []Detection{{Name: "dog", Confidence: 0.9, Occurrences: 1}},
			Scene:          &SceneContext{Description: "park", Setting: "outdoor", Confidence: 0.7},
			SearchableText: "hello world dog park outdoor",
		},
		AudioMs:  100,
		VisualMs: 200,
	}
	for _, seg := range segments {
		if err := repo.SaveSegmentResult(ctx, seg, result); err != nil {
			t.Fatalf("SaveSegmentResult() error = %v", err)
		}
	}

	// Second run: placeholders again, then segment 2 fails.
	if err := repo.UpsertSegments(ctx, segments); err != nil {
		t.Fatalf("second UpsertSegments() error = %v", err)
	}
	pending, err := repo.GetSegment(ctx, v.ID, 1)
	if err != nil || pending == nil {
		t.Fatalf("GetSegment(1) = %v, %v", pending, err)
	}
	if pending.Status != SegmentStatusPending {
		t.Errorf("segment 1 status = %s, want pending", pending.Status)
	}
	if pending.Analysis.Transcript != "" || pending.Analysis.SearchableText != "" || pending.Analysis.Scene != nil {
		t.Errorf("placeholder kept previous analysis: %+v", pending.Analysis)
	}
	if pending.AnalyzedAt != nil || pending.AudioMs != 0 || pending.VisualMs != 0 {
		t.Errorf("placeholder kept timings: analyzed_at=%v audio=%d visual=%d", pending.AnalyzedAt, pending.AudioMs, pending.VisualMs)
	}

	if err := repo.SaveSegmentResult(ctx, segments[1], result); err != nil {
		t.Fatalf("SaveSegmentResult() error = %v", err)
	}
	if err := repo.MarkSegmentFailed(ctx, v.ID, 2, "visual: HTTP 422"); err != nil {
		t.Fatalf("MarkSegmentFailed() error = %v", err)
	}
	failed, err := repo.GetSegment(ctx, v.ID, 2)
	if err != nil || failed == nil {
		t.Fatalf("GetSegment(2) = %v, %v", failed, err)
	}
	if failed.Status != SegmentStatusFailed {
		t.Errorf("segment 2 status = %s, want failed", failed.Status)
	}
	if failed.Analysis.Transcript != "" || failed.Analysis.SearchableText != "" || len(failed.Analysis.Objects) != 0 {
		t.Errorf("failed segment kept analysis: %+v", failed.Analysis)
	}
}

func TestSaveSegmentResult_CreatesMissingRow(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	v := createTestVideo(t, repo, VideoStatusAnalyzing)

	seg := &Segment{VideoID: v.ID, Number: 3, StartTime: 60, EndTime: 90, Duration: 30, StorageKey: "segments/a/0003.mp4"}
	if err := repo.SaveSegmentResult(ctx, seg, SegmentResult{Analysis: SegmentAnalysis{Transcript: "x"}}); err != nil {
		t.Fatalf("SaveSegmentResult() error = %v", err)
	}

	got, err := repo.GetSegment(ctx, v.ID, 3)
	if err != nil || got == nil {
		t.Fatalf("GetSegment() = %v, %v", got, err)
	}
	if got.Key() != "0003" {
		t.Errorf("Key() = %s, want 0003", got.Key())
	}
	if got.Status != SegmentStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestConfig_RoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if v, err := repo.GetConfig(ctx, "jwt_secret"); err != nil || v != "" {
		t.Errorf("GetConfig(unset) = %q, %v", v, err)
	}
	repo.SetConfig(ctx, "jwt_secret", "a")
	repo.SetConfig(ctx, "jwt_secret", "b")
	if v, _ := repo.GetConfig(ctx, "jwt_secret"); v != "b" {
		t.Errorf("GetConfig = %q, want b", v)
	}
}
