package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

// Client calls another worker's control-plane RPC surface (spec.md §4.4).
// Deadlines and retries are supplied per call by the caller (driven by
// settings, §6.3) rather than fixed here, since Ping's deadline (200-500ms,
// limited retries) is much tighter than StartJob's.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

func NewClient(tlsFiles TLSFiles, log *logger.Logger) (*Client, error) {
	tlsCfg, err := ClientTLSConfig(tlsFiles)
	if err != nil {
		return nil, err
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		log: log.With("component", "rpc.Client"),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, baseURL, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("rpc client: encode request: %w", err)
		}
	}
	method := http.MethodPost
	if in == nil {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("rpc client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc client: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc client: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ping probes a peer with a short deadline and a bounded number of retries
// (spec.md §4.4: "200-500ms, limited retries"). It never returns a logical
// result code; transport failure after all retries is the only failure
// mode the caller needs to distinguish, since Ping has no enumerated
// rejection set.
func (c *Client) Ping(ctx context.Context, baseURL string, req PingRequest, deadline time.Duration, retries int) (PingResponse, error) {
	var resp PingResponse
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		lastErr = c.doJSON(callCtx, baseURL, "/rpc/ping", req, &resp)
		cancel()
		if lastErr == nil {
			return resp, nil
		}
		c.log.Debug("ping attempt failed", "base_url", baseURL, "attempt", attempt, "error", lastErr)
	}
	return PingResponse{}, lastErr
}

func (c *Client) GetStatus(ctx context.Context, baseURL string, deadline time.Duration) (GetStatusResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var resp GetStatusResponse
	err := c.doJSON(callCtx, baseURL, "/rpc/status", nil, &resp)
	return resp, err
}

func (c *Client) StartJob(ctx context.Context, baseURL string, req StartJobRequest, deadline time.Duration) (StartJobResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var resp StartJobResponse
	err := c.doJSON(callCtx, baseURL, "/rpc/start_job", req, &resp)
	return resp, err
}

func (c *Client) CancelJob(ctx context.Context, baseURL string, req CancelJobRequest, deadline time.Duration) (CancelJobResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var resp CancelJobResponse
	err := c.doJSON(callCtx, baseURL, "/rpc/cancel_job", req, &resp)
	return resp, err
}

func (c *Client) Drain(ctx context.Context, baseURL string, req DrainRequest, deadline time.Duration) (DrainResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var resp DrainResponse
	err := c.doJSON(callCtx, baseURL, "/rpc/drain", req, &resp)
	return resp, err
}

func (c *Client) ConfirmContinuation(ctx context.Context, baseURL string, req ConfirmContinuationRequest, deadline time.Duration) (ConfirmContinuationResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var resp ConfirmContinuationResponse
	err := c.doJSON(callCtx, baseURL, "/rpc/confirm_continuation", req, &resp)
	return resp, err
}
