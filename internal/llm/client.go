package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/metrics"
)

// Retry defaults for model calls.
const (
	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 3 * time.Second
	DefaultTimeout     = 15 * time.Second
)

// RetryConfig bounds the retry loop around a Provider.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Timeout     time.Duration // per attempt, overridden by CompletionOpts.Timeout
}

// Client wraps a Provider with a bounded retry policy.
//
// Transient failures (rate limiting, timeouts, 5xx) are retried after a fixed
// delay, or the provider's Retry-After when it sends one. Quota exhaustion and
// rejected credentials return immediately with ErrQuotaExceeded and
// ErrUnauthorized. Running out of attempts returns ErrExhausted.
type Client struct {
	provider    Provider
	maxAttempts int
	delay       time.Duration
	timeout     time.Duration
}

// NewClient wraps p. Zero fields in cfg take the package defaults.
func NewClient(p Provider, cfg RetryConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	} else if cfg.Delay == 0 {
		cfg.Delay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		provider:    p,
		maxAttempts: cfg.MaxAttempts,
		delay:       cfg.Delay,
		timeout:     cfg.Timeout,
	}
}

// Name returns the wrapped provider's name.
func (c *Client) Name() string {
	return c.provider.Name()
}

// Complete calls the provider until it succeeds or the retry budget runs out.
func (c *Client) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	name := c.provider.Name()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		out, err := c.attempt(ctx, prompt, opts)
		if err == nil {
			metrics.RecordModelCall(name, "ok")
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err

		switch classify(err) {
		case classQuota:
			metrics.RecordModelCall(name, "quota")
			return "", eris.Wrap(ErrQuotaExceeded, err.Error())
		case classAuth:
			metrics.RecordModelCall(name, "unauthorized")
			return "", eris.Wrap(ErrUnauthorized, err.Error())
		case classPermanent:
			metrics.RecordModelCall(name, "error")
			return "", eris.Wrap(err, "llm: complete")
		}

		metrics.RecordModelCall(name, "retry")
		wait := c.delay
		var httpErr *HTTPError
		if eris.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		zap.L().Warn("model call failed, retrying",
			zap.String("provider", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	metrics.RecordModelCall(name, "exhausted")
	return "", eris.Wrapf(ErrExhausted, "%d attempts, last error: %v", c.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.provider.Complete(ctx, prompt, opts)
}

// Fatal reports whether err must stop the whole run rather than one stage.
func Fatal(err error) bool {
	return eris.Is(err, ErrQuotaExceeded) || eris.Is(err, ErrUnauthorized) || eris.Is(err, ErrNoCredential)
}
