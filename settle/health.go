package settle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	supportedPath  = "/v2/x402/supported"
	healthCacheTTL = 60 * time.Second
)

// HealthStatus reports facilitator reachability as observed by the probe.
type HealthStatus struct {
	Healthy      bool
	ResponseTime time.Duration
	CheckedAt    time.Time
	Error        string
}

// Health probes the facilitator's supported-schemes endpoint and reports
// whether it answered. Results are cached for 60 seconds so readiness
// checks do not hammer the facilitator.
func (c *Client) Health(ctx context.Context) HealthStatus {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	if c.health != nil && c.clock.Now().Sub(c.health.CheckedAt) < healthCacheTTL {
		return *c.health
	}

	status := c.probe(ctx)
	c.health = &status
	return status
}

func (c *Client) probe(ctx context.Context) HealthStatus {
	status := HealthStatus{CheckedAt: c.clock.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+supportedPath, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			status.Error = err.Error()
			return status
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("facilitator returned %s", resp.Status)
		return status
	}

	status.Healthy = true
	return status
}
