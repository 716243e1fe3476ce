// Package jsonrpc is a JSON-RPC 2.0 client over HTTP. It backs the Lotus
// node client and the browser-side wallet bridges.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client calls a single JSON-RPC endpoint.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64
}

// Config holds client configuration.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// RateLimit caps outgoing calls per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewClient creates a new client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// WithoutTimeout returns a copy of c whose calls are bounded only by their
// context. Wallet confirmations wait on a human and must not time out.
func (c *Client) WithoutTimeout() *Client {
	cp := &Client{
		url:        c.url,
		token:      c.token,
		httpClient: &http.Client{Transport: c.httpClient.Transport},
		limiter:    c.limiter,
	}
	cp.nextID.Store(c.nextID.Load())
	return cp
}

// URL returns the endpoint.
func (c *Client) URL() string {
	return c.url
}

// Call makes an RPC call and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	return c.call(ctx, method, params)
}

// CallNamed makes an RPC call with a by-name params object.
func (c *Client) CallNamed(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	return c.call(ctx, method, params)
}

// CallResult is Call with the result wrapped for gjson path access.
func (c *Client) CallResult(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set(httputil.TraceIDHeader, traceID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 && len(bytes.TrimSpace(respBody)) == 0 {
		return nil, fmt.Errorf("rpc %s: http status %d", method, resp.StatusCode)
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.ID != req.ID {
		return nil, fmt.Errorf("rpc %s: response id %d does not match request id %d", method, rpcResp.ID, req.ID)
	}

	return rpcResp.Result, nil
}
