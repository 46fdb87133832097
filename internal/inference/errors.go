package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/goccy/go-json"
)

// ServiceError is a non-2xx response from an inference service.
type ServiceError struct {
	Service    string
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: HTTP %d: %s", e.Service, e.StatusCode, e.Detail)
}

// IsRetryable reports whether the response indicates a transient condition:
// request timeout, rate limiting, or any server error including a model that
// has not finished loading.
func (e *ServiceError) IsRetryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

func newServiceError(service string, status int, body []byte) *ServiceError {
	detail := string(body)
	var fastAPI struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &fastAPI); err == nil && fastAPI.Detail != nil {
		if s, ok := fastAPI.Detail.(string); ok {
			detail = s
		} else if b, err := json.Marshal(fastAPI.Detail); err == nil {
			detail = string(b)
		}
	}
	return &ServiceError{Service: service, StatusCode: status, Detail: detail}
}

// IsRetryable classifies an error returned by an analyzer call. Timeouts and
// transport failures are retryable; decoding failures and client errors are
// not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.IsRetryable()
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// TransportError wraps a failure to complete the HTTP exchange.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s service: request failed: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is returned when a 2xx body cannot be parsed.
type DecodeError struct {
	Service string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s service: decode response: %v", e.Service, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
