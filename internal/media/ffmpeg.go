// Package media wraps ffprobe and ffmpeg for probing, standardizing,
// audio extraction, segment cutting and thumbnail generation.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	EncoderSoftware = "libx264"

	MaxWidth        = 1280
	MaxHeight       = 720
	TargetFrameRate = 30
	AudioSampleRate = 16000
)

var (
	ErrNoVideoStream   = errors.New("no video stream found")
	ErrInvalidDuration = errors.New("invalid or missing duration")
)

// Transcoder is the media tool boundary used by the analysis pipeline.
type Transcoder interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	// Standardize re-encodes to H.264/AAC within MaxWidth x MaxHeight at
	// TargetFrameRate and returns the encoder that produced the output.
	Standardize(ctx context.Context, in, out string) (string, error)
	ExtractAudio(ctx context.Context, in, out string) error
	Silence(ctx context.Context, out string, seconds float64) error
	CutVideo(ctx context.Context, in, out string, start, duration float64) error
	CutAudio(ctx context.Context, in, out string, start, duration float64) error
	Thumbnail(ctx context.Context, in, out string, offset float64) error
}

type ProbeResult struct {
	Duration      float64
	Width         int
	Height        int
	Codec         string
	Bitrate       int64
	FrameRate     float64
	Format        string
	HasAudio      bool
	AudioCodec    string
	AudioChannels int
	AudioSample   int
}

// FFmpeg implements Transcoder by shelling out through a CommandRunner.
type FFmpeg struct {
	runner  CommandRunner
	ffmpeg  string
	ffprobe string
	primary string
	logger  *slog.Logger
}

type FFmpegConfig struct {
	FFmpegPath     string
	FFprobePath    string
	PrimaryEncoder string
}

func NewFFmpeg(runner CommandRunner, cfg FFmpegConfig, logger *slog.Logger) *FFmpeg {
	f := &FFmpeg{
		runner:  runner,
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		primary: cfg.PrimaryEncoder,
		logger:  logger,
	}
	if f.ffmpeg == "" {
		f.ffmpeg = "ffmpeg"
	}
	if f.ffprobe == "" {
		f.ffprobe = "ffprobe"
	}
	if f.primary == "" {
		f.primary = EncoderSoftware
	}
	return f
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Channels     int    `json:"channels"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	res := f.runner.Run(ctx, f.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if !res.IsSuccess() {
		return nil, commandError("ffprobe", res)
	}
	return parseProbe(res.Stdout)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := &ProbeResult{Format: out.Format.FormatName}
	result.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	result.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	foundVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			result.Codec = s.CodecName
			result.Width = s.Width
			result.Height = s.Height
			result.FrameRate = parseRate(s.RFrameRate)
			if result.FrameRate == 0 {
				result.FrameRate = parseRate(s.AvgFrameRate)
			}
		case "audio":
			if result.HasAudio {
				continue
			}
			result.HasAudio = true
			result.AudioCodec = s.CodecName
			result.AudioChannels = s.Channels
			result.AudioSample, _ = strconv.Atoi(s.SampleRate)
		}
	}

	if !foundVideo {
		return nil, ErrNoVideoStream
	}
	if result.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	return result, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func (f *FFmpeg) Standardize(ctx context.Context, in, out string) (string, error) {
	err := f.encode(ctx, in, out, f.primary)
	if err == nil || f.primary == EncoderSoftware {
		return f.primary, err
	}
	if ctx.Err() != nil {
		return "", err
	}

	f.logger.Warn("primary encoder failed, falling back to software",
		"encoder", f.primary, "error", err)
	os.Remove(out)
	if err := f.encode(ctx, in, out, EncoderSoftware); err != nil {
		return "", fmt.Errorf("standardize with %s: %w", EncoderSoftware, err)
	}
	return EncoderSoftware, nil
}

func (f *FFmpeg) encode(ctx context.Context, in, out, encoder string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	scale := fmt.Sprintf(
		"scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
		MaxWidth, MaxHeight)

	args := []string{"-y", "-i", in, "-vf", scale, "-r", strconv.Itoa(TargetFrameRate), "-c:v", encoder}
	if encoder == EncoderSoftware {
		args = append(args, "-preset", "fast", "-crf", "23")
	}
	args = append(args, "-pix_fmt", "yuv420p", "-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart", out)

	res := f.runner.Run(ctx, f.ffmpeg, args...)
	if !res.IsSuccess() {
		return commandError("ffmpeg "+encoder, res)
	}
	return nil
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, in, out string) error {
	return f.run(ctx, "extract audio",
		"-y", "-i", in,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(AudioSampleRate),
		"-c:a", "pcm_s16le",
		out,
	)
}

// Silence writes a mono WAV of the given length, used for sources without
// an audio stream.
func (f *FFmpeg) Silence(ctx context.Context, out string, seconds float64) error {
	return f.run(ctx, "generate silence",
		"-y",
		"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", AudioSampleRate),
		"-t", formatSeconds(seconds),
		"-c:a", "pcm_s16le",
		out,
	)
}

func (f *FFmpeg) CutVideo(ctx context.Context, in, out string, start, duration float64) error {
	return f.run(ctx, "cut video",
		"-y",
		"-ss", formatSeconds(start),
		"-i", in,
		"-t", formatSeconds(duration),
		"-c:v", EncoderSoftware, "-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		out,
	)
}

func (f *FFmpeg) CutAudio(ctx context.Context, in, out string, start, duration float64) error {
	return f.run(ctx, "cut audio",
		"-y",
		"-ss", formatSeconds(start),
		"-i", in,
		"-t", formatSeconds(duration),
		"-c", "copy",
		out,
	)
}

func (f *FFmpeg) Thumbnail(ctx context.Context, in, out string, offset float64) error {
	return f.run(ctx, "thumbnail",
		"-y",
		"-ss", formatSeconds(offset),
		"-i", in,
		"-frames:v", "1",
		"-q:v", "3",
		out,
	)
}

func (f *FFmpeg) run(ctx context.Context, op string, args ...string) error {
	out := args[len(args)-1]
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res := f.runner.Run(ctx, f.ffmpeg, args...)
	if !res.IsSuccess() {
		return fmt.Errorf("%s: %w", op, commandError("ffmpeg", res))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// CommandError carries the exit code and stderr tail of a failed command.
type CommandError struct {
	Command    string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Command, e.ExitCode, truncate(strings.TrimSpace(e.StderrTail), 256))
}

func (e *CommandError) Unwrap() error { return e.Err }

func commandError(command string, res RunResult) error {
	return &CommandError{Command: command, ExitCode: res.ExitCode, StderrTail: res.StderrTail, Err: res.Err}
}
