package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SessionStatusInitializing        = "initializing"
	SessionStatusUploading           = "uploading"
	SessionStatusUploadingWithErrors = "uploading_with_errors"
	SessionStatusUploadingComplete   = "uploading_complete"
	SessionStatusAssembling          = "assembling"
	SessionStatusCompleted           = "completed"
	SessionStatusFailed              = "failed"
	SessionStatusExpired             = "expired"

	ChunkStateCompleted = "completed"
	ChunkStateFailed    = "failed"
)

// UploadSession is one chunked transfer of a single file.
type UploadSession struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	FileType    string    `json:"file_type"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	Status      string    `json:"status"`
	VideoID     string    `json:"video_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Populated from upload_chunks; sorted ascending.
	CompletedChunks []int `json:"completed_chunks"`
	FailedChunks    []int `json:"failed_chunks"`
}

func (s *UploadSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsTerminal reports whether the session no longer accepts chunk reports.
func (s *UploadSession) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusExpired:
		return true
	}
	return false
}

// Progress returns the completed percentage in [0, 100].
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.CompletedChunks)) * 100 / float64(s.TotalChunks)
}

// DeriveStatus computes the coarse in-flight status from the chunk sets.
func (s *UploadSession) DeriveStatus() string {
	switch {
	case len(s.FailedChunks) > 0:
		return SessionStatusUploadingWithErrors
	case s.TotalChunks > 0 && len(s.CompletedChunks) == s.TotalChunks:
		return SessionStatusUploadingComplete
	default:
		return SessionStatusUploading
	}
}

const (
	VideoStatusUploaded         = "uploaded"
	VideoStatusAnalyzing        = "analyzing"
	VideoStatusAnalysisComplete = "analysis_complete"
	VideoStatusAnalysisPartial  = "analysis_partial"
	VideoStatusAnalysisFailed   = "analysis_failed"
)

// Video is the durable record of an ingested asset.
type Video struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	StorageKey  string `json:"storage_key"`
	Status      string `json:"status"`

	Metadata VideoMetadata `json:"metadata"`

	Progress           int    `json:"progress"`
	CurrentStep        string `json:"current_step,omitempty"`
	SegmentCount       int    `json:"segment_count"`
	SuccessfulSegments int    `json:"successful_segments"`
	FailedSegments     int    `json:"failed_segments"`
	Error              string `json:"error,omitempty"`

	AnalysisStartedAt   *time.Time `json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *time.Time `json:"analysis_completed_at,omitempty"`
	AnalysisFailedAt    *time.Time `json:"analysis_failed_at,omitempty"`
	ElapsedMs           int64      `json:"elapsed_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VideoMetadata is filled in after probing.
type VideoMetadata struct {
	Duration      float64 `json:"duration,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	FrameRate     float64 `json:"frame_rate,omitempty"`
	Format        string  `json:"format,omitempty"`
	AudioChannels int     `json:"audio_channels,omitempty"`
}

const (
	SegmentStatusPending   = "pending"
	SegmentStatusCompleted = "completed"
	SegmentStatusFailed    = "failed"
)

// Segment is one fixed-duration slice of a Video.
type Segment struct {
	VideoID      string          `json:"video_id"`
	Number       int             `json:"segment_number"`
	StartTime    float64         `json:"start_time"`
	EndTime      float64         `json:"end_time"`
	Duration     float64         `json:"duration"`
	StorageKey   string          `json:"storage_key"`
	ThumbnailKey string          `json:"thumbnail_key,omitempty"`
	Status       string          `json:"status"`
	Analysis     SegmentAnalysis `json:"analysis"`
	Error        string          `json:"error,omitempty"`
	AudioMs      int64           `json:"audio_ms,omitempty"`
	VisualMs     int64           `json:"visual_ms,omitempty"`
	AnalyzedAt   *time.Time      `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the zero-padded document key of the segment.
func (s *Segment) Key() string {
	return SegmentKey(s.Number)
}

func SegmentKey(number int) string {
	return fmt.Sprintf("%04d", number)
}

// SegmentAnalysis is the normalized per-segment analysis payload.
type SegmentAnalysis struct {
	Transcript     string          `json:"transcript"`
	Language       string          `json:"language,omitempty"`
	Speakers       []SpeechSegment `json:"speakers"`
	Objects        []Detection     `json:"objects"`
	People         []Detection     `json:"people"`
	Activities     []Activity      `json:"activities"`
	Scene          *SceneContext   `json:"scene,omitempty"`
	SearchableText string          `json:"searchable_text"`
}

type SpeechSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type Detection struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Occurrences int     `json:"occurrences"`
	FirstSeen   float64 `json:"first_seen"`
	LastSeen    float64 `json:"last_seen"`
}

type Activity struct {
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

// SceneContext is the dominant scene of a segment.
type SceneContext struct {
	Description string   `json:"description"`
	Setting     string   `json:"setting"`
	Confidence  float64  `json:"confidence"`
	Labels      []string `json:"labels,omitempty"`
}

// SegmentResult carries one worker outcome to the repository.
type SegmentResult struct {
	Analysis SegmentAnalysis
	AudioMs  int64
	VisualMs int64
}

const (
	JobTypeAnalyze = "analyze"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	VideoID   string    `json:"video_id,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewID() string {
	return uuid.NewString()
}
