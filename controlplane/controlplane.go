// Package controlplane implements the Control-Plane Client (C7): signed
// HTTP calls to fetch intents and report agent state.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/types"
)

const requestTimeout = 30 * time.Second

// Client talks to the control plane's /agent endpoint.
type Client struct {
	baseURL string
	token   string
	agentID string
	client  *http.Client
}

// New builds a Client bound to a single agent identity.
func New(baseURL, token, agentID string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		agentID: agentID,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// FetchIntents performs GET /agent and parses the returned intents (§4.6).
func (c *Client) FetchIntents(ctx context.Context, agent types.AgentIdentity) (types.Intents, error) {
	var intents types.Intents
	body := types.IntentsRequest{Agent: agent}
	err := c.do(ctx, http.MethodGet, "/agent", body, &intents)
	return intents, err
}

// ReportState performs POST /agent with the current running-VM snapshot.
func (c *Client) ReportState(ctx context.Context, tick types.ReportTick) error {
	return c.do(ctx, http.MethodPost, "/agent", tick, nil)
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	logger := log.WithFunc("controlplane.do")

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Agent-ID", c.agentID)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if reqID := resp.Header.Get("X-Request-ID"); reqID != "" {
		logger.Infof(ctx, "%s %s -> %d (request-id %s)", method, path, resp.StatusCode, reqID)
	} else {
		logger.Infof(ctx, "%s %s -> %d", method, path, resp.StatusCode)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(out)
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if respBody == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, respBody); err != nil {
		return fmt.Errorf("decode response %s %s: %w", method, path, err)
	}
	return nil
}
