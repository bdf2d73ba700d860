package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client is a JSON-RPC client which sends POST HTTP requests to the remote
// node. It is safe for concurrent use by multiple goroutines; request ids
// are drawn from a shared monotonic sequence so responses can be correlated.
type Client struct {
	address  string
	username string
	password string

	client *http.Client
	nextID int64 // atomic
}

var _ Caller = (*Client)(nil)

// New returns a Client talking to the node at remote (scheme://host:port).
// An error is returned on an invalid remote.
func New(remote, username, password string) (*Client, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote address %q: %w", remote, err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return &Client{
		address:  u.String(),
		username: username,
		password: password,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}, nil
}

// SetTimeout overrides the per-request timeout. Zero disables it; contexts
// passed to Call still apply.
func (c *Client) SetTimeout(d time.Duration) {
	c.client.Timeout = d
}

// Call implements Caller. It issues one JSON-RPC request and decodes the
// response into result, which must be a pointer (or nil to discard).
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return unmarshalResponseBytes(respBytes, id, result)
}

// unmarshalResponseBytes validates a raw JSON-RPC response against the
// expected request id and decodes its result.
func unmarshalResponseBytes(respBytes []byte, expectedID int64, result interface{}) error {
	var response rpcResponse
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if response.Error != nil {
		return &RPCError{
			ID:      response.ID,
			Code:    response.Error.Code,
			Message: response.Error.Message,
		}
	}

	if response.ID != expectedID {
		return fmt.Errorf("response id %d does not match request id %d", response.ID, expectedID)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
