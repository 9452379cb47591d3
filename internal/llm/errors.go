package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrQuotaExceeded means the account is out of billing quota. Retrying will not help.
	ErrQuotaExceeded = eris.New("llm: quota exceeded")
	// ErrUnauthorized means the credential was rejected by the provider.
	ErrUnauthorized = eris.New("llm: credential rejected")
	// ErrExhausted means every retry attempt failed with a transient error.
	ErrExhausted = eris.New("llm: retries exhausted")
)

// HTTPError represents a non-200 provider response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	var retryAfter time.Duration
	if h := resp.Header.Get("Retry-After"); h != "" {
		if seconds, err := strconv.Atoi(h); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
		RetryAfter: retryAfter,
	}
}

// errorClass groups provider errors by how the retry loop reacts to them.
type errorClass int

const (
	classPermanent errorClass = iota
	classTransient
	classQuota
	classAuth
)

func isQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "exceeded your current quota") ||
		strings.Contains(msg, "insufficient_quota") ||
		strings.Contains(msg, "resource_exhausted") && strings.Contains(msg, "billing")
}

func classify(err error) errorClass {
	if err == nil {
		return classPermanent
	}
	var httpErr *HTTPError
	if eris.As(err, &httpErr) {
		switch {
		case isQuotaMessage(httpErr.Message):
			return classQuota
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return classAuth
		case httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode >= 500:
			return classTransient
		default:
			return classPermanent
		}
	}
	if isQuotaMessage(err.Error()) {
		return classQuota
	}
	if eris.Is(err, context.DeadlineExceeded) {
		return classTransient
	}
	var netErr net.Error
	if eris.As(err, &netErr) {
		return classTransient
	}
	return classPermanent
}
