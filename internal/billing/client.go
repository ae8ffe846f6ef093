// Package billing talks to the billing panel's node API: it fetches the set
// of users allowed on this node and pushes their traffic.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"portmeter/internal/metrics"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrFetchFailed             = errors.New("billing: fetch users failed")
	ErrPushFailed              = errors.New("billing: push usage failed")
	ErrNotModifiedWithoutCache = errors.New("billing: not modified but nothing cached")
)

const maxBodySize = 16 << 20

type Config struct {
	APIHost  string
	APIKey   string
	NodeID   string
	NodeType string

	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c Config) Enabled() bool {
	return c.APIHost != ""
}

// Usage is the push payload: external user id -> [upload, download] bytes.
type Usage map[string][2]int64

type usersResponse struct {
	Users []struct {
		ID int64 `json:"id"`
	} `json:"users"`
}

type pushResponse struct {
	Status string `json:"status"`
}

// Client keeps the last user list and its ETag between calls. It is safe for
// concurrent use, but one client per server keeps the caches independent.
type Client struct {
	cfg     Config
	http    *http.Client
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu   sync.Mutex
	body []byte
	etag string
}

func NewClient(cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
		metrics: m,
	}
}

func (c *Client) endpoint(path string) string {
	q := url.Values{}
	q.Set("node_id", c.cfg.NodeID)
	q.Set("node_type", c.cfg.NodeType)
	q.Set("token", c.cfg.APIKey)
	return c.cfg.APIHost + "/api/v1/server/UniProxy/" + path + "?" + q.Encode()
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxRetries)), ctx)
}

// retryable reports whether a status is worth another attempt.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// FetchUsers returns the external ids allowed on this node. On a 304 the
// cached list is reused unchanged. Any error leaves the cache untouched.
func (c *Client) FetchUsers(ctx context.Context) (map[int64]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		status int
		body   []byte
		etag   string
	)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("user"), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.etag != "" {
			req.Header.Set("If-None-Match", c.etag)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return err
		}
		etag = resp.Header.Get("ETag")

		switch {
		case status == http.StatusOK, status == http.StatusNotModified:
			return nil
		case retryable(status):
			return fmt.Errorf("status %d", status)
		default:
			return backoff.Permanent(fmt.Errorf("status %d: %s", status, truncate(body)))
		}
	}
	if err := backoff.Retry(op, c.backOff(ctx)); err != nil {
		c.metrics.BillingRequest("user", "error")
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if status == http.StatusNotModified {
		if c.body == nil {
			c.metrics.BillingRequest("user", "error")
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ErrNotModifiedWithoutCache)
		}
		c.log.Debug("billing user list not modified, using cache")
		c.metrics.BillingRequest("user", "not_modified")
		ids, err := parseUsers(c.body)
		if err != nil {
			return nil, fmt.Errorf("%w: cached body: %v", ErrFetchFailed, err)
		}
		return ids, nil
	}

	ids, err := parseUsers(body)
	if err != nil {
		c.metrics.BillingRequest("user", "error")
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	c.body = body
	c.etag = etag
	c.metrics.BillingRequest("user", "ok")
	return ids, nil
}

func parseUsers(body []byte) (map[int64]struct{}, error) {
	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	ids := make(map[int64]struct{}, len(resp.Users))
	for _, u := range resp.Users {
		ids[u.ID] = struct{}{}
	}
	return ids, nil
}

// PushUsage reports traffic increments. Failed pushes are not queued anywhere;
// the caller decides whether to log and drop.
func (c *Client) PushUsage(ctx context.Context, usage Usage) error {
	if usage == nil {
		usage = Usage{}
	}
	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("push"), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return err
		}
		if retryable(resp.StatusCode) {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		var pr pushResponse
		if resp.StatusCode/100 != 2 || json.Unmarshal(body, &pr) != nil || pr.Status != "success" {
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
		}
		return nil
	}
	if err := backoff.Retry(op, c.backOff(ctx)); err != nil {
		c.metrics.BillingRequest("push", "error")
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	c.metrics.BillingRequest("push", "ok")
	return nil
}

// CachedBody returns a copy of the last successful user list body.
func (c *Client) CachedBody() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body == nil {
		return nil
	}
	return append([]byte(nil), c.body...)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// Registry hands out one Client per server.
type Registry struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[uint]*Client
}

func NewRegistry(cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Registry {
	return &Registry{cfg: cfg, log: log, metrics: m, clients: make(map[uint]*Client)}
}

func (r *Registry) Enabled() bool {
	return r != nil && r.cfg.Enabled()
}

func (r *Registry) For(serverID uint) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[serverID]
	if !ok {
		c = NewClient(r.cfg, r.log.WithField("server_id", serverID), r.metrics)
		r.clients[serverID] = c
	}
	return c
}
