// Package handy implements the device transport over the Handy v2 REST API.
package handy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"motionctl/internal/hardware/comm"
	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

const DefaultEndpoint = "https://www.handyfeeling.com/api/handy/v2/"

// ConnectionKeyHeader carries the per-device key on every request.
const ConnectionKeyHeader = "X-Connection-Key"

type Client struct {
	*comm.BaseCommunication
	baseURL       string
	connectionKey atomic.Value // string
	httpClient    *http.Client
	logger        *logging.Logger
}

func NewClient(config types.DeviceConfig) *Client {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		BaseCommunication: comm.NewBaseCommunication(comm.ConnectionConfig{
			Timeout:       timeout,
			RetryCount:    config.RetryCount,
			RetryInterval: config.RetryInterval,
		}),
		baseURL:    strings.TrimRight(endpoint, "/") + "/",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.GetLogger("handy_client"),
	}
	c.connectionKey.Store(config.ConnectionKey)
	return c
}

// SetConnectionKey swaps the device key at runtime.
func (c *Client) SetConnectionKey(key string) {
	c.connectionKey.Store(key)
}

func (c *Client) key() string {
	k, _ := c.connectionKey.Load().(string)
	return k
}

func (c *Client) SetMode(ctx context.Context, mode int) error {
	return c.put(ctx, "mode", map[string]int{"mode": mode})
}

func (c *Client) Start(ctx context.Context) error {
	return c.put(ctx, "hamp/start", nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.put(ctx, "hamp/stop", nil)
}

func (c *Client) SetSlideWindow(ctx context.Context, min, max int) error {
	return c.put(ctx, "slide", map[string]int{"min": min, "max": max})
}

func (c *Client) SetVelocity(ctx context.Context, velocity int) error {
	return c.put(ctx, "hamp/velocity", map[string]int{"velocity": velocity})
}

type positionResponse struct {
	Position float64 `json:"position"`
}

func (c *Client) ReadAbsolutePosition(ctx context.Context) (float64, error) {
	if c.key() == "" {
		return 0, comm.ErrNotConnected
	}

	var pos positionResponse
	err := c.RetryWithTimeout(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, "slide/position/absolute", nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &pos); err != nil {
			return fmt.Errorf("failed to decode position: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pos.Position, nil
}

// put 发送一条 PUT 指令；未配置连接密钥时静默忽略
func (c *Client) put(ctx context.Context, path string, payload any) error {
	if c.key() == "" {
		return nil
	}
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s body: %w", path, err)
	}

	return c.RetryWithTimeout(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPut, path, data)
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set(ConnectionKeyHeader, c.key())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode >= 500 {
		return nil, &comm.TemporaryError{Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	c.logger.Debug("Device request completed", "method", method, "path", path, "status", resp.StatusCode)
	return respBody, nil
}
