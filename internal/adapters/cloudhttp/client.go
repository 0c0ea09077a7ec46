// Package cloudhttp is the rate-limited HTTP transport shared by the cloud
// phone adapters.
package cloudhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"device-orchestrator/internal/core/provider"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

type Options struct {
	Timeout time.Duration
	// RPS and Burst bound the request rate towards the provider; RPS 0 disables limiting.
	RPS   float64
	Burst int
	HTTP  *http.Client
}

type Client struct {
	name    provider.Name
	http    *http.Client
	limiter *rate.Limiter
	lg      zerolog.Logger
}

func New(p provider.Name, o Options, lg zerolog.Logger) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	hc := o.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if o.RPS > 0 {
		if o.Burst <= 0 {
			o.Burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(o.RPS), o.Burst)
	}
	return &Client{name: p, http: hc, limiter: lim, lg: lg.With().Str("adapter", string(p)).Logger()}
}

// Call waits for a rate token, sends req and returns the body of a 2xx
// response. Transport failures are Transient; other statuses come back as
// *StatusError for the adapter to classify.
func (c *Client) Call(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, provider.Transient(c.name, op, fmt.Errorf("rate limit wait: %w", err))
	}
	began := time.Now()
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, provider.Transient(c.name, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, provider.Transient(c.name, op, fmt.Errorf("read response: %w", err))
	}
	c.lg.Debug().Str("op", op).Str("method", req.Method).Str("path", req.URL.Path).
		Int("status", resp.StatusCode).Dur("took", time.Since(began)).Msg("provider call")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &StatusError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

// FromStatus classifies a response by HTTP status alone.
func FromStatus(p provider.Name, op string, status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return provider.NotFound(p, op, err)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return provider.Transient(p, op, err)
	}
	return provider.Fatal(p, op, err)
}
