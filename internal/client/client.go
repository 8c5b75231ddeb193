// Package client talks to a running daemon's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/protocol"
	"go.uber.org/zap"
)

const _maxBodySize = 4 * 1024 * 1024 // 4 MB

// ErrNotFound is returned when the daemon does not know the context
var ErrNotFound = errors.New("context not found")

// StatusError carries a non-2xx answer from the daemon
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Message)
}

// Client handles requests to the control API
type Client struct {
	logger *zap.Logger
	base   string
	client *http.Client
}

// New creates a client for the daemon listening on addr (host:port or URL)
func New(logger *zap.Logger, addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		logger: logger,
		base:   base,
		client: &http.Client{
			Timeout: 10 * time.Second, // Essential to prevent a hung daemon from blocking the CLI
		},
	}
}

// State fetches the current registry snapshot
func (c *Client) State(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &snap)
	return snap, err
}

// Pause pauses every producer of context id
func (c *Client) Pause(ctx context.Context, id string) (domain.ContextRecord, error) {
	var rec domain.ContextRecord
	err := c.do(ctx, http.MethodPost, "/v1/contexts/"+url.PathEscape(id)+"/pause", nil, &rec)
	return rec, err
}

// SetSpeed sets the playback rate of context id
func (c *Client) SetSpeed(ctx context.Context, id string, rate float64) (protocol.SpeedResult, error) {
	var res protocol.SpeedResult
	err := c.do(ctx, http.MethodPost, "/v1/contexts/"+url.PathEscape(id)+"/speed", map[string]float64{"rate": rate}, &res)
	return res, err
}

// SetVolume sets the volume multiplier of context id
func (c *Client) SetVolume(ctx context.Context, id string, multiplier float64) (protocol.VolumeResult, error) {
	var res protocol.VolumeResult
	err := c.do(ctx, http.MethodPost, "/v1/contexts/"+url.PathEscape(id)+"/volume", map[string]float64{"multiplier": multiplier}, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "solo-cli/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, _maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		serr := &StatusError{Code: resp.StatusCode, Message: e.Error}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, serr)
		}
		return serr
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return fmt.Errorf("response is not JSON: %s", resp.Header.Get("Content-Type"))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Request completed", zap.String("method", method), zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}
