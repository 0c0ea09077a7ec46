// Package quota talks to the external quota service.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrExceeded is returned when the tenant may not allocate the requested delta.
var ErrExceeded = errors.New("quota exceeded")

// Delta is the resource change a new device represents.
type Delta struct {
	Devices   int `json:"devices"`
	CPUCores  int `json:"cpuCores"`
	MemoryMB  int `json:"memoryMB"`
	StorageMB int `json:"storageMB"`
}

type Checker interface {
	Check(ctx context.Context, tenantID string, d Delta) error
}

// Unlimited allows everything. Used when no quota service is configured.
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, Delta) error { return nil }

// HTTPChecker calls POST <base>/quotas/<tenant>/check.
type HTTPChecker struct {
	base string
	hc   *http.Client
}

func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{base: baseURL, hc: &http.Client{Timeout: timeout}}
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func (c *HTTPChecker) Check(ctx context.Context, tenantID string, d Delta) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/quotas/%s/check", c.base, url.PathEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("quota service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("quota service: unexpected status %d", resp.StatusCode)
	}
	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("quota service: decode: %w", err)
	}
	if !out.Allowed {
		if out.Reason == "" {
			return ErrExceeded
		}
		return fmt.Errorf("%w: %s", ErrExceeded, out.Reason)
	}
	return nil
}
