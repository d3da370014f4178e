// Package remote speaks the sync endpoint's HTTP protocol: push one mutation
// at a time, pull per-type change feeds, and ping for reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/skiff-sync/skiff/internal/config"
)

// Entity is the wire form of a synced record.
type Entity struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Payload    json.RawMessage `json:"payload"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// PushRequest carries one queued mutation. BaseVersion is the version the
// mutation produced locally; the remote accepts when its stored version is
// below it.
type PushRequest struct {
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"baseVersion"`
}

type pushResponse struct {
	Accepted     bool    `json:"accepted"`
	Conflict     bool    `json:"conflict"`
	RemoteEntity *Entity `json:"remoteEntity"`
}

// PullResponse is one page of a per-type change feed.
type PullResponse struct {
	Entities   []Entity  `json:"entities"`
	ServerTime time.Time `json:"serverTime"`
}

// Client talks to the remote sync endpoint. Push and Pull share a token
// bucket so a large drain cannot hammer the server; Ping bypasses it because
// probes must not queue behind traffic.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a client from remote config. RateLimit <= 0 disables throttling.
func New(cfg config.RemoteConfig) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: cfg.Timeout()},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Push transmits one mutation. A nil error means the remote adopted it.
func (c *Client) Push(ctx context.Context, entityType, id string, pr PushRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Op: "push throttle", Err: err}
	}

	body, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "push", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusConflict:
		var pushResp pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
			return &TransientError{Op: "decode conflict response", Err: err}
		}
		if pushResp.RemoteEntity == nil {
			return &TransientError{Op: "push", Err: fmt.Errorf("conflict response without remote entity")}
		}
		return &ConflictError{Remote: *pushResp.RemoteEntity}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransientError{Op: "push", Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RejectedError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
}

// Pull fetches entities of one type changed since the watermark, oldest
// first. A zero since means the full feed.
func (c *Client) Pull(ctx context.Context, entityType string, since time.Time, limit int) (*PullResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: "pull throttle", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, url.PathEscape(entityType))
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "pull", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{Op: "pull", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	var pull PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return nil, &TransientError{Op: "decode pull response", Err: err}
	}
	return &pull, nil
}

// Ping measures one round trip to the health endpoint. Any HTTP response
// counts as reachable; only transport failures and server errors do not.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ping", nil)
	if err != nil {
		return 0, fmt.Errorf("build ping request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("ping status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
