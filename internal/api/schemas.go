package api

import (
	"time"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/inference"
)

type HealthResponse struct {
	Status    string               `json:"status"`
	Version   string               `json:"version"`
	UptimeS   int64                `json:"uptime_s"`
	Inference *inference.Readiness `json:"inference,omitempty"`
}

type InitiateUploadRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

type ChunkReportRequest struct {
	ChunkIndex    *int    `json:"chunk_index"`
	Status        string  `json:"status"`
	ThroughputBps float64 `json:"throughput_bps,omitempty"`
}

type SessionResponse struct {
	SessionID       string  `json:"session_id"`
	FileName        string  `json:"file_name"`
	FileSize        int64   `json:"file_size"`
	FileType        string  `json:"file_type"`
	ChunkSize       int64   `json:"chunk_size"`
	TotalChunks     int     `json:"total_chunks"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	CompletedChunks []int   `json:"completed_chunks"`
	FailedChunks    []int   `json:"failed_chunks"`
	VideoID         string  `json:"video_id,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
	ExpiresAt       string  `json:"expires_at"`
}

type VideoStatusResponse struct {
	VideoID            string  `json:"video_id"`
	Status             string  `json:"status"`
	Progress           int     `json:"progress"`
	CurrentStep        string  `json:"current_step,omitempty"`
	Error              string  `json:"error,omitempty"`
	SegmentCount       int     `json:"segment_count"`
	SuccessfulSegments int     `json:"successful_segments"`
	FailedSegments     int     `json:"failed_segments"`
	Duration           float64 `json:"duration,omitempty"`
	Width              int     `json:"width,omitempty"`
	Height             int     `json:"height,omitempty"`
	FrameRate          float64 `json:"frame_rate,omitempty"`
}

type VideoResponse struct {
	VideoStatusResponse
	Name                string  `json:"name"`
	FileName            string  `json:"file_name"`
	FileSize            int64   `json:"file_size"`
	ContentType         string  `json:"content_type"`
	StorageKey          string  `json:"storage_key"`
	Format              string  `json:"format,omitempty"`
	AnalysisStartedAt   *string `json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *string `json:"analysis_completed_at,omitempty"`
	ElapsedMs           int64   `json:"elapsed_ms,omitempty"`
	CreatedAt           string  `json:"created_at"`
}

type SegmentResponse struct {
	SegmentID    string                  `json:"segment_id"`
	Number       int                     `json:"segment_number"`
	StartTime    float64                 `json:"start_time"`
	EndTime      float64                 `json:"end_time"`
	Duration     float64                 `json:"duration"`
	Status       string                  `json:"status"`
	ThumbnailURL string                  `json:"thumbnail_url,omitempty"`
	Analysis     catalog.SegmentAnalysis `json:"analysis"`
	Error        string                  `json:"error,omitempty"`
}

type SegmentsResponse struct {
	VideoID  string            `json:"video_id"`
	Segments []SegmentResponse `json:"segments"`
}

type AnalyzeResponse struct {
	VideoID string `json:"video_id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
}

type JobResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	VideoID   string `json:"video_id,omitempty"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
}

func SessionToResponse(s *catalog.UploadSession) SessionResponse {
	return SessionResponse{
		SessionID:       s.ID,
		FileName:        s.FileName,
		FileSize:        s.FileSize,
		FileType:        s.FileType,
		ChunkSize:       s.ChunkSize,
		TotalChunks:     s.TotalChunks,
		Status:          s.Status,
		Progress:        s.Progress(),
		CompletedChunks: nonNil(s.CompletedChunks),
		FailedChunks:    nonNil(s.FailedChunks),
		VideoID:         s.VideoID,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       s.ExpiresAt.Format(time.RFC3339),
	}
}

func VideoToStatusResponse(v *catalog.Video) VideoStatusResponse {
	return VideoStatusResponse{
		VideoID:            v.ID,
		Status:             v.Status,
		Progress:           v.Progress,
		CurrentStep:        v.CurrentStep,
		Error:              v.Error,
		SegmentCount:       v.SegmentCount,
		SuccessfulSegments: v.SuccessfulSegments,
		FailedSegments:     v.FailedSegments,
		Duration:           v.Metadata.Duration,
		Width:              v.Metadata.Width,
		Height:             v.Metadata.Height,
		FrameRate:          v.Metadata.FrameRate,
	}
}

func VideoToResponse(v *catalog.Video) VideoResponse {
	return VideoResponse{
		VideoStatusResponse: VideoToStatusResponse(v),
		Name:                v.Name,
		FileName:            v.FileName,
		FileSize:            v.FileSize,
		ContentType:         v.ContentType,
		StorageKey:          v.StorageKey,
		Format:              v.Metadata.Format,
		AnalysisStartedAt:   formatOptional(v.AnalysisStartedAt),
		AnalysisCompletedAt: formatOptional(v.AnalysisCompletedAt),
		ElapsedMs:           v.ElapsedMs,
		CreatedAt:           v.CreatedAt.Format(time.RFC3339),
	}
}

func SegmentToResponse(s *catalog.Segment) SegmentResponse {
	return SegmentResponse{
		SegmentID: s.Key(),
		Number:    s.Number,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Duration:  s.Duration,
		Status:    s.Status,
		Analysis:  s.Analysis,
		Error:     s.Error,
	}
}

func JobToResponse(j *catalog.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		VideoID:   j.VideoID,
		Progress:  j.Progress,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func nonNil(xs []int) []int {
	if xs == nil {
		return []int{}
	}
	return xs
}
