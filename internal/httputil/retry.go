// Package httputil issues backend HTTP requests with bounded retries.
package httputil

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("httputil")

// Backoff controls how failed requests are retried.
type Backoff struct {
	Retries int
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // ±fraction of each delay
}

// DefaultBackoff suits interactive calls such as login: a user is waiting,
// so the total wait stays within a few seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		Retries: 2,
		Initial: 500 * time.Millisecond,
		Max:     4 * time.Second,
		Factor:  2.0,
		Jitter:  0.3,
	}
}

// Request is a replayable request description.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends req, retrying network failures and retryable statuses. The
// response of the first non-retryable attempt is returned; the caller
// closes its body.
func Do(ctx context.Context, client *http.Client, req Request, b Backoff) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	delay := b.Initial
	for attempt := 0; attempt <= b.Retries; attempt++ {
		if attempt > 0 {
			wait := jitter(delay, b.Jitter)
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", req.URL)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay = time.Duration(float64(delay) * b.Factor)
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}

		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		for k, vals := range req.Header {
			for _, v := range vals {
				hr.Header.Add(k, v)
			}
		}

		resp, err := client.Do(hr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: req.URL}
	}

	log.Warn("request failed after retries", "method", req.Method, "url", req.URL, "attempts", b.Retries+1, logging.KeyError, lastErr)
	return nil, lastErr
}

// StatusError reports an unsuccessful HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return "request to " + e.URL + " failed with status " + http.StatusText(e.StatusCode)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := float64(d) * frac * (2*rand.Float64() - 1)
	if out := time.Duration(float64(d) + j); out > 0 {
		return out
	}
	return 0
}
