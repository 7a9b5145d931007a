package bots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 4 * 1024 * 1024

// RemoteClient executes commands and events against a bot served over HTTP.
type RemoteClient struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewRemoteClient builds a client; timeout bounds each call when positive.
func NewRemoteClient(endpoint string, httpClient *http.Client, timeout time.Duration) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RemoteClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

type commandRequest struct {
	Command    string             `json:"command"`
	Parameters map[string]any     `json:"parameters"`
	Context    *InvocationContext `json:"context"`
}

type eventRequest struct {
	Event   string             `json:"event"`
	Payload map[string]any     `json:"payload"`
	Context *InvocationContext `json:"context"`
}

// CommandFunc returns a CommandFunc posting to <endpoint>/commands/<name>.
func (c *RemoteClient) CommandFunc(name string) CommandFunc {
	return func(ctx context.Context, params map[string]any, ic *InvocationContext) (*Response, error) {
		return c.post(ctx, "/commands/"+url.PathEscape(name), commandRequest{Command: name, Parameters: params, Context: ic})
	}
}

// EventFunc returns an EventFunc posting to <endpoint>/events/<name>.
func (c *RemoteClient) EventFunc(name string) EventFunc {
	return func(ctx context.Context, ic *InvocationContext, payload map[string]any) (*Response, error) {
		return c.post(ctx, "/events/"+url.PathEscape(name), eventRequest{Event: name, Payload: payload, Context: ic})
	}
}

func (c *RemoteClient) post(ctx context.Context, path string, body any) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal bot request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build bot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ic := contextOf(body); ic != nil && ic.Credential.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ic.Credential.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call bot %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read bot response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("bot response too large (>%d bytes)", maxResponseBytes)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("call bot %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(truncate(data, 256))))
	}

	var out Response
	if len(bytes.TrimSpace(data)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode bot response: %w", err)
	}
	return &out, nil
}

func contextOf(body any) *InvocationContext {
	switch b := body.(type) {
	case commandRequest:
		return b.Context
	case eventRequest:
		return b.Context
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
