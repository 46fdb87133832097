package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

const maxStderrBytes = 8 * 1024

// CommandRunner executes an external binary. The FFmpeg transcoder talks to
// ffmpeg and ffprobe only through this interface.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) RunResult
}

// RunResult is the outcome of one subprocess execution.
type RunResult struct {
	ExitCode   int
	Stdout     []byte
	StderrTail string
	Duration   time.Duration
	Err        error
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && r.Err == nil }

// ExecRunner runs commands with os/exec, keeping the last few KB of stderr.
type ExecRunner struct {
	logger *slog.Logger
}

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	err := cmd.Run()
	result := RunResult{
		Stdout:     stdout.Bytes(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Err = err
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
		}
		r.logger.Warn("media command failed",
			"command", name,
			"exit_code", result.ExitCode,
			"duration_ms", result.Duration.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
		return result
	}

	r.logger.Debug("media command succeeded",
		"command", name,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
