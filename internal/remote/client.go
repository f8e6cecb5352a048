// Package remote is the HTTP client for the authoritative task service.
package remote

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

	"github.com/fieldops/fieldsync/internal/schema"
)

// Client talks to the remote data service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Insert creates task on the remote store.
func (c *Client) Insert(ctx context.Context, task schema.Task) (schema.Task, error) {
	var resp schema.Task
	err := c.do(ctx, http.MethodPost, "tasks", task, &resp)
	return resp, err
}

// Update replaces the remote task with the given id.
func (c *Client) Update(ctx context.Context, task schema.Task) (schema.Task, error) {
	var resp schema.Task
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(task.ID), task, &resp)
	return resp, err
}

// Delete removes the remote task with the given id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// List returns every remote task.
func (c *Client) List(ctx context.Context) ([]schema.Task, error) {
	var resp struct {
		Items []schema.Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp.Items, err
}

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// ChangesURL returns the websocket URL of the change channel.
func (c *Client) ChangesURL() (string, error) {
	u, err := url.Parse(c.base())
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/changes"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		rerr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(b, rerr) != nil || rerr.Message == "" {
			rerr.Message = strings.TrimSpace(string(b))
		}
		return rerr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
