// Package inference talks to the audio transcription and visual detection
// services over HTTP.
package inference

import "context"

// AudioAnalyzer transcribes one audio file.
type AudioAnalyzer interface {
	AnalyzeAudio(ctx context.Context, req AudioRequest) (*AudioResult, error)
	Ready(ctx context.Context) error
}

// VisualAnalyzer runs object, people and scene detection on one video file.
type VisualAnalyzer interface {
	AnalyzeVisual(ctx context.Context, req VisualRequest) (*VisualResult, error)
	Ready(ctx context.Context) error
}

// AudioRequest identifies a local WAV file and the window to transcribe,
// relative to the file's own timeline.
type AudioRequest struct {
	Path      string
	StartTime float64
	EndTime   float64
}

type VisualRequest struct {
	Path                string
	StartTime           float64
	EndTime             float64
	ExtractFrames       int
	ConfidenceThreshold float64
}

type AudioResult struct {
	Transcript string          `json:"transcript"`
	Language   string          `json:"language"`
	Segments   []SpeechSegment `json:"segments"`
	WordCount  int             `json:"word_count"`
	Duration   float64         `json:"duration"`
}

type SpeechSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type VisualResult struct {
	Objects    []Detection   `json:"objects"`
	People     []Detection   `json:"people"`
	Activities []Activity    `json:"activities"`
	Scenes     []Scene       `json:"scenes"`
	Summary    VisualSummary `json:"summary"`
}

type Detection struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Occurrences int     `json:"occurrences"`
	FirstSeen   float64 `json:"firstSeen"`
	LastSeen    float64 `json:"lastSeen"`
}

type Activity struct {
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
}

// Scene is an aggregated scene label. Category is indoor, outdoor or unknown.
type Scene struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Category    string  `json:"category"`
	Occurrences int     `json:"occurrences"`
}

type VisualSummary struct {
	TotalObjects        int       `json:"totalObjects"`
	TotalPeople         int       `json:"totalPeople"`
	FramesAnalyzed      int       `json:"framesAnalyzed"`
	TimeRange           TimeRange `json:"timeRange"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
}

type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}
