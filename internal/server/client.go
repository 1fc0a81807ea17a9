package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tubeprompt/internal/types"
)

// ErrUnavailable means the daemon could not be reached.
var ErrUnavailable = errors.New("tubeprompt daemon unavailable")

// Client talks to a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for addr, given as host:port or a URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: triggerTimeout + 5*time.Second}}
}

// Send posts a raw message.
func (c *Client) Send(ctx context.Context, msg types.Message) (types.Ack, error) {
	return c.post(ctx, "/v1/messages", msg)
}

// Open sends an OPEN_GEMINI trigger.
func (c *Client) Open(ctx context.Context, p types.TriggerPayload) (types.Ack, error) {
	msg, err := types.NewMessage(types.MessageOpenGemini, p)
	if err != nil {
		return types.Ack{}, err
	}
	return c.Send(ctx, msg)
}

// Link triggers with a bare video link.
func (c *Client) Link(ctx context.Context, url string) (types.Ack, error) {
	return c.post(ctx, "/v1/links", LinkRequest{URL: url})
}

// Active triggers with the browser's focused tab.
func (c *Client) Active(ctx context.Context) (types.Ack, error) {
	return c.post(ctx, "/v1/active", struct{}{})
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: healthz returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (types.Ack, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return types.Ack{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return types.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Ack{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var ack types.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return types.Ack{}, fmt.Errorf("decode %s response (%s): %w", path, resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ack, fmt.Errorf("%s returned %s: %s", path, resp.Status, ack.Error)
	}
	return ack, nil
}
