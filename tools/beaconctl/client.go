package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/maxpert/beacon/notify"
)

// Client calls the broker's admin API
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		baseURL: cfg.baseURL,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Beacon-Secret", c.secret)
	}
	return req, nil
}

// do sends a request and decodes the data field of the response into out
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: unreadable response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if env.Error == "" {
			env.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, env.Error)
	}

	if out == nil || env.Data == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func topicPath(topic, suffix string) string {
	return "/topics/" + url.PathEscape(topic) + suffix
}

func (c *Client) Topics(ctx context.Context) ([]TopicSummary, error) {
	var out []TopicSummary
	err := c.do(ctx, http.MethodGet, "/topics", nil, &out)
	return out, err
}

func (c *Client) Producers(ctx context.Context, topic string) (*ProducerState, error) {
	var out ProducerState
	if err := c.do(ctx, http.MethodGet, topicPath(topic, "/producers"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Snapshots(ctx context.Context, topic string) (*SnapshotState, error) {
	var out SnapshotState
	if err := c.do(ctx, http.MethodGet, topicPath(topic, "/snapshots"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fence bumps the topic epoch, at least past hint
func (c *Client) Fence(ctx context.Context, topic string, hint uint64) (uint64, error) {
	path := topicPath(topic, "/epoch")
	if hint > 0 {
		path += fmt.Sprintf("?epoch=%d", hint)
	}

	var out struct {
		Epoch uint64 `json:"epoch"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Epoch, err
}

func (c *Client) Clusters(ctx context.Context, topic string) (*ClusterState, error) {
	var out ClusterState
	if err := c.do(ctx, http.MethodGet, topicPath(topic, "/clusters"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetClusters(ctx context.Context, topic string, clusters []string) (*ClusterState, error) {
	if clusters == nil {
		clusters = []string{}
	}
	body := map[string][]string{"clusters": clusters}

	var out ClusterState
	if err := c.do(ctx, http.MethodPut, topicPath(topic, "/clusters"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Subscriptions(ctx context.Context, topic string) ([]SubscriptionSummary, error) {
	var out []SubscriptionSummary
	err := c.do(ctx, http.MethodGet, topicPath(topic, "/subscriptions"), nil, &out)
	return out, err
}

// Watch streams snapshot signals to fn until ctx ends, the server closes the
// stream or limit signals were received
func (c *Client) Watch(ctx context.Context, topic string, limit int, fn func(notify.Signal)) error {
	path := topicPath(topic, "/snapshots/watch")
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	// the stream outlives any request timeout
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return fmt.Errorf("GET %s: %s", path, env.Error)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var sig notify.Signal
		if err := json.Unmarshal(scanner.Bytes(), &sig); err != nil {
			return fmt.Errorf("bad snapshot line: %w", err)
		}
		fn(sig)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
