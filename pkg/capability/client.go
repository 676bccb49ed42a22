// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/httpclient"
)

// DefaultCallTimeout bounds a single tool call against a capability server.
const DefaultCallTimeout = 30 * time.Second

// Client speaks the two-operation tool-calling protocol to one capability
// server: tools/list and tools/call, JSON-RPC 2.0 over HTTP.
//
// Transport failures get at most one in-flight retry; application-level
// errors (a server-side SQL failure, a rejected statement) are surfaced
// as-is. The RBAC context is serialized into every call so the server can
// re-derive authorization without trusting LLM-produced arguments.
type Client struct {
	name        string
	url         string
	credential  string
	callTimeout time.Duration
	httpClient  *httpclient.Client
	reqID       atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *httpclient.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for one capability server. The credential is a
// short-lived bearer token identifying the orchestrator as the caller,
// distinct from the original end user.
func NewClient(desc Descriptor, opts ...ClientOption) *Client {
	c := &Client{
		name:        desc.Name,
		url:         desc.URL,
		credential:  desc.Credential,
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: c.callTimeout}),
			httpclient.WithMaxRetries(1),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithRetryStrategy(httpclient.TransportOnlyStrategy),
			httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeader),
		)
	}

	return c
}

// Name returns the capability name this client serves.
func (c *Client) Name() string {
	return c.name
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	RBAC      *auth.Context          `json:"rbac_context"`
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("capability %s: malformed tools/list result: %w", c.name, err)
	}

	return result.Tools, nil
}

// CallTool executes one tool with the forwarded RBAC context.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}, rbac *auth.Context) (*ExecutionResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	raw, err := c.call(ctx, "tools/call", callParams{
		Name:      tool,
		Arguments: args,
		RBAC:      rbac,
	})
	if err != nil {
		return nil, err
	}

	var result ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("capability %s: malformed tools/call result: %w", c.name, err)
	}

	return &result, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	request := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("capability %s: failed to marshal request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("capability %s: failed to create request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// A non-retryable status still carries a response.
		if httpResp != nil {
			httpResp.Body.Close()
		}
		return nil, fmt.Errorf("capability %s: request failed: %w", c.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capability %s: HTTP %d: %s", c.name, httpResp.StatusCode, httpResp.Status)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("capability %s: failed to read response: %w", c.name, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("capability %s: failed to parse response: %w", c.name, err)
	}

	if resp.Error != nil {
		return nil, rpcErrorFor(c.name, resp.Error.Code, resp.Error.Message)
	}

	return resp.Result, nil
}
