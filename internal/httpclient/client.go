// Package httpclient wraps a pooled net/http client with the retry policy the
// upstream requires: exponential backoff with jitter for 429/5xx and
// transport failures, plus a forced token refresh on 403.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirobridge/kirobridge/internal/metrics"
)

// TokenRefresher supplies a fresh access token after an upstream 403.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// StatusError is the terminal error for a non-2xx upstream response that is
// not retried (or has exhausted its retries).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, truncate(e.Body, 512))
}

// Options tunes the client. Zero values fall back to the defaults below.
type Options struct {
	MaxConnections int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
}

func (o *Options) fill() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 100
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 300 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
}

// Client is safe for concurrent use; one instance serves the whole process so
// upstream connections are reused across requests.
type Client struct {
	http      *http.Client
	refresher TokenRefresher
	opts      Options
}

// New builds a Client with its own pooled transport.
func New(opts Options, refresher TokenRefresher) *Client {
	opts.fill()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxConnections,
		MaxIdleConnsPerHost:   opts.MaxConnections,
		MaxConnsPerHost:       opts.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		refresher: refresher,
		opts:      opts,
	}
}

// Do executes the request with the full retry policy. The request body must
// be replayable (req.GetBody set, which http.NewRequest does for byte
// readers); otherwise the call fails rather than consuming the original.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("httpclient: request body is not replayable")
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			category := categorize(err)
			log.Warnf("httpclient: attempt %d/%d failed (%s): %v", attempt+1, c.opts.MaxRetries, category, err)
			if req.Context().Err() != nil {
				return nil, err
			}
			metrics.RecordRetry(category)
			lastErr = err
			c.backoff(req.Context(), attempt)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if attempt > 0 {
				log.Infof("httpclient: attempt %d/%d succeeded with %d", attempt+1, c.opts.MaxRetries, resp.StatusCode)
			}
			return resp, nil

		case resp.StatusCode == http.StatusForbidden && c.refresher != nil:
			body := drain(resp)
			log.Warnf("httpclient: attempt %d/%d got 403, forcing token refresh", attempt+1, c.opts.MaxRetries)
			metrics.RecordRetry("forbidden")
			token, refreshErr := c.refresher.ForceRefresh(req.Context())
			if refreshErr != nil {
				return nil, fmt.Errorf("httpclient: refresh after 403: %w", refreshErr)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			lastErr = &StatusError{Code: resp.StatusCode, Body: body}

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			body := drain(resp)
			log.Warnf("httpclient: attempt %d/%d got %d, backing off", attempt+1, c.opts.MaxRetries, resp.StatusCode)
			metrics.RecordRetry(fmt.Sprintf("status_%d", resp.StatusCode))
			lastErr = &StatusError{Code: resp.StatusCode, Body: body}
			c.backoff(req.Context(), attempt)

		default:
			return nil, &StatusError{Code: resp.StatusCode, Body: drain(resp)}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("httpclient: retries exhausted")
	}
	return nil, lastErr
}

// DoOnce executes the request without retries. Used at startup where a
// failure should surface immediately.
func (c *Client) DoOnce(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: drain(resp)}
	}
	return resp, nil
}

func (c *Client) rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpclient: rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// backoff sleeps base*2^attempt with ±10% jitter, honoring cancellation.
func (c *Client) backoff(ctx context.Context, attempt int) {
	delay := c.opts.BackoffBase << attempt
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	select {
	case <-time.After(delay + jitter):
	case <-ctx.Done():
	}
}

// categorize maps a transport error onto the logged category set.
func categorize(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no such host"),
		strings.Contains(err.Error(), "connection reset"):
		return "connection_failed"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "body_error"
	case strings.Contains(err.Error(), "malformed"), strings.Contains(err.Error(), "decode"):
		return "decode_error"
	case strings.Contains(err.Error(), "request"):
		return "request_error"
	default:
		return "unknown"
	}
}

func drain(resp *http.Response) string {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
