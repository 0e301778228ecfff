package cli

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

	"pomotimer/internal/protocol"
	"pomotimer/internal/session"

	"github.com/gorilla/websocket"
)

// Client talks to a pomotimer server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g. http://localhost:8420.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is an error reported by the server.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Create creates a timer. A nil duration uses the preset for kind.
func (c *Client) Create(kind string, duration *float64, label string) (session.View, error) {
	var view session.View
	err := c.do(http.MethodPost, "/timers", protocol.TimerCreatePayload{
		Kind:     kind,
		Duration: duration,
		Label:    label,
	}, &view)
	return view, err
}

// Command sends start, pause or reset to a timer.
func (c *Client) Command(id, command string, duration *float64) (session.View, error) {
	var body interface{}
	if duration != nil {
		body = map[string]float64{"duration": *duration}
	}

	var view session.View
	err := c.do(http.MethodPost, "/timers/"+url.PathEscape(id)+"/"+command, body, &view)
	return view, err
}

// Close removes a timer.
func (c *Client) Close(id string) error {
	return c.do(http.MethodDelete, "/timers/"+url.PathEscape(id), nil, nil)
}

// List returns all timers.
func (c *Client) List() ([]session.View, error) {
	var views []session.View
	err := c.do(http.MethodGet, "/timers", nil, &views)
	return views, err
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var p protocol.ErrorPayload
		json.NewDecoder(resp.Body).Decode(&p)
		return &APIError{Status: resp.StatusCode, Code: p.Code, Msg: p.Message}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Watch streams server messages to fn until fn returns false, the context
// is done, or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(protocol.Message) bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if !fn(msg) {
			return nil
		}
	}
}
