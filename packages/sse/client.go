package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is an SSE client that connects to an SSE endpoint and receives events.
type Client struct {
	httpClient  *http.Client
	url         string
	headers     map[string]string
	lastEventID string
}

// Option is a functional option for configuring an SSE Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. It should not set a Timeout, which
// would cut long-lived streams.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithHeaders sets custom headers for the SSE request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = headers
	}
}

// WithLastEventID sets the Last-Event-ID header for reconnection.
func WithLastEventID(id string) Option {
	return func(c *Client) {
		c.lastEventID = id
	}
}

// NewClient creates a new SSE client.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		headers:    make(map[string]string),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventHandler is a callback for handling SSE events. Returning false ends
// the stream.
type EventHandler func(event Event) bool

// Subscribe connects and calls handler for each event until the stream ends,
// ctx is cancelled or handler returns false.
func (c *Client) Subscribe(ctx context.Context, handler EventHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content type: %s (expected text/event-stream)", ct)
	}

	err = Read(resp.Body, func(ev Event) bool {
		if ev.ID != "" {
			c.lastEventID = ev.ID
		}
		return handler(ev)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// LastEventID is the id of the last event received, for resuming.
func (c *Client) LastEventID() string { return c.lastEventID }

// Read parses events from r and calls fn for each until r is exhausted or
// fn returns false.
func Read(r io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		current   Event
		dataLines []string
		hasData   bool
	)
	dispatch := func() bool {
		if !hasData {
			current = Event{}
			return true
		}
		current.Data = strings.Join(dataLines, "\n")
		ok := fn(current)
		current, dataLines, hasData = Event{}, nil, false
		return ok
	}

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if !dispatch() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found && strings.HasPrefix(value, " ") {
			value = value[1:]
		}

		switch field {
		case "event":
			current.Type = value
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "id":
			current.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()
	return nil
}
