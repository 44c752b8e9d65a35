package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks JSON-over-HTTP to one backend endpoint. It is the stock
// Client implementation used by the daemon; tests and embedders can supply
// their own.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for one backend address. Per-call deadlines
// come from the caller's context, so the underlying http.Client carries no
// timeout of its own.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke executes one step via POST /invoke.
func (c *HTTPClient) Invoke(ctx context.Context, req StepRequest) (*StepResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal step request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("backend returned %d: %s", httpResp.StatusCode, data)
	}
	var resp StepResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode step response: %w", err)
	}
	return &resp, nil
}

// Wake requests power-on via POST /wake. Acceptance, not readiness.
func (c *HTTPClient) Wake(ctx context.Context) error {
	return c.post(ctx, "/wake")
}

// Sleep requests power-off via POST /sleep.
func (c *HTTPClient) Sleep(ctx context.Context) error {
	return c.post(ctx, "/sleep")
}

func (c *HTTPClient) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned %d for %s: %s", resp.StatusCode, path, data)
	}
	return nil
}

// HealthCheck probes GET /health. 200 is healthy, 503 degraded, anything
// else (or a transport error) unreachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) (ProbeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return ProbeUnreachable, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeUnreachable, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		return ProbeHealthy, nil
	case http.StatusServiceUnavailable:
		return ProbeDegraded, nil
	default:
		return ProbeUnreachable, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
}
