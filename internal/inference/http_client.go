package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	audioAnalyzePath  = "/analyze/audio/analyze"
	visualAnalyzePath = "/analyze/visual/analyze-video-segment"
	readinessPath     = "/health/readiness"

	DefaultExtractFrames       = 5
	DefaultConfidenceThreshold = 0.5

	maxErrorBody = 4096
)

// HTTPClient calls one inference service. Per-call timeouts come from the
// caller's context; the http.Client itself has no timeout.
type HTTPClient struct {
	service    string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newHTTPClient(service, baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// AudioClient is the HTTP client for the transcription service.
type AudioClient struct{ *HTTPClient }

func NewAudioClient(baseURL string, logger *slog.Logger) *AudioClient {
	return &AudioClient{newHTTPClient("audio", baseURL, logger)}
}

// VisualClient is the HTTP client for the visual detection service.
type VisualClient struct{ *HTTPClient }

func NewVisualClient(baseURL string, logger *slog.Logger) *VisualClient {
	return &VisualClient{newHTTPClient("visual", baseURL, logger)}
}

func (c *AudioClient) AnalyzeAudio(ctx context.Context, req AudioRequest) (*AudioResult, error) {
	q := url.Values{}
	q.Set("start_time", formatFloat(req.StartTime))
	if req.EndTime > 0 {
		q.Set("end_time", formatFloat(req.EndTime))
	}

	var result AudioResult
	if err := c.postFile(ctx, audioAnalyzePath, q, req.Path, "audio/wav", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *VisualClient) AnalyzeVisual(ctx context.Context, req VisualRequest) (*VisualResult, error) {
	frames := req.ExtractFrames
	if frames <= 0 {
		frames = DefaultExtractFrames
	}
	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	q := url.Values{}
	q.Set("start_time", formatFloat(req.StartTime))
	if req.EndTime > 0 {
		q.Set("end_time", formatFloat(req.EndTime))
	}
	q.Set("extract_frames", strconv.Itoa(frames))
	q.Set("confidence_threshold", formatFloat(threshold))

	var result VisualResult
	if err := c.postFile(ctx, visualAnalyzePath, q, req.Path, "video/mp4", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ready checks the service's readiness probe.
func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+readinessPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Service: c.service, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return newServiceError(c.service, resp.StatusCode, body)
	}
	return nil
}

// postFile streams a local file as the multipart "file" field.
func (c *HTTPClient) postFile(ctx context.Context, path string, query url.Values, filePath, contentType string, out any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(filePath), err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFilePart(mw, f, filepath.Base(filePath), contentType))
	}()
	defer pr.Close()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-Id", uuid.NewString())

	c.logger.Debug("calling inference service",
		"service", c.service,
		"path", path,
		"file", filepath.Base(filePath),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s service: %w", c.service, ctx.Err())
		}
		return &TransportError{Service: c.service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newServiceError(c.service, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s service: %w", c.service, ctx.Err())
		}
		return &DecodeError{Service: c.service, Err: err}
	}
	return nil
}

func writeFilePart(mw *multipart.Writer, r io.Reader, name, contentType string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
