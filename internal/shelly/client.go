package shelly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single RPC round trip. The in-flight request
// is aborted when it elapses.
const DefaultTimeout = 4 * time.Second

// RPCError is the uniform error kind for every RPC failure: transport,
// bad HTTP status, malformed body, or an error embedded in the response.
// The wrapped cause keeps the failure modes distinguishable in logs.
type RPCError struct {
	Host   string
	Method string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s on %s: %v", e.Method, e.Host, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// Client issues RPC calls to one Shelly Gen2 device.
type Client struct {
	host       string
	url        string
	src        string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// NewClient creates a client for the device at host (no scheme). The
// limiter is shared across clients to bound total request rate; nil
// disables limiting.
func NewClient(host string, timeout time.Duration, limiter *rate.Limiter) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		host:       host,
		url:        fmt.Sprintf("http://%s/rpc", host),
		src:        "shellyd-" + uuid.NewString()[:8],
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    limiter,
	}
}

// Host returns the device address this client talks to.
func (c *Client) Host() string {
	return c.host
}

type rpcRequest struct {
	ID     int64  `json:"id"`
	Src    string `json:"src"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends a single request and returns the remote result payload.
// Some firmware revisions deliver the payload under "params" instead of
// "result"; both are accepted.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RPCError{Host: c.host, Method: method, Err: err}
		}
	}

	body, err := json.Marshal(rpcRequest{
		ID:     c.nextID.Add(1),
		Src:    c.src,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, &RPCError{Host: c.host, Method: method, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &RPCError{Host: c.host, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RPCError{Host: c.host, Method: method, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RPCError{Host: c.host, Method: method, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &RPCError{Host: c.host, Method: method, Err: fmt.Errorf("malformed response body: %w", err)}
	}

	if decoded.Error != nil {
		return nil, &RPCError{Host: c.host, Method: method, Err: fmt.Errorf("device error %d: %s", decoded.Error.Code, decoded.Error.Message)}
	}

	if decoded.Result != nil {
		return decoded.Result, nil
	}
	return decoded.Params, nil
}

// GetStatus fetches the full component status snapshot.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	raw, err := c.Call(ctx, "Shelly.GetStatus", nil)
	if err != nil {
		return nil, err
	}

	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, &RPCError{Host: c.host, Method: "Shelly.GetStatus", Err: fmt.Errorf("malformed status payload: %w", err)}
	}
	return status, nil
}

// GetDeviceInfo fetches device metadata (model, serial, firmware,
// configured profile).
func (c *Client) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	raw, err := c.Call(ctx, "Shelly.GetDeviceInfo", nil)
	if err != nil {
		return DeviceInfo{}, err
	}

	var info DeviceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return DeviceInfo{}, &RPCError{Host: c.host, Method: "Shelly.GetDeviceInfo", Err: fmt.Errorf("malformed device info payload: %w", err)}
	}
	return info, nil
}

// SetLight writes one light channel.
func (c *Client) SetLight(ctx context.Context, params LightSetParams) error {
	_, err := c.Call(ctx, "Light.Set", params)
	return err
}

// SetRGB writes the combined rgb channel.
func (c *Client) SetRGB(ctx context.Context, params RGBSetParams) error {
	_, err := c.Call(ctx, "RGB.Set", params)
	return err
}

// SetRGBW writes the combined rgbw channel.
func (c *Client) SetRGBW(ctx context.Context, params RGBWSetParams) error {
	_, err := c.Call(ctx, "RGBW.Set", params)
	return err
}
