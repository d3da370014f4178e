// Package client talks to a session daemon over its Unix domain socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/store"
	intsync "github.com/skiff-sync/skiff/internal/sync"
	"github.com/skiff-sync/skiff/internal/tracker"
)

// Client wraps HTTP requests to the daemon's IPC socket.
type Client struct {
	http       *http.Client
	socketPath string
}

// New returns a client for the daemon listening on socketPath. The socket
// must already exist; a missing socket means no daemon is running.
func New(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("daemon socket: %w", err)
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http:       &http.Client{Transport: transport},
		socketPath: socketPath,
	}, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon: %s (HTTP %d)", e.Message, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	// The host is ignored; the transport always dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Code: resp.StatusCode, Message: body.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DaemonStatus describes the running daemon process.
type DaemonStatus struct {
	Session   string    `json:"session"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

func (c *Client) DaemonStatus(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/v1/daemon/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopDaemon asks the daemon to shut down gracefully.
func (c *Client) StopDaemon(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/daemon/stop", nil, nil)
}

// SyncStatus summarizes divergence between local state and the remote.
type SyncStatus struct {
	QueuedRequests int         `json:"queuedRequests"`
	PendingRetries int         `json:"pendingRetries"`
	FailedRequests int         `json:"failedRequests"`
	IsOnline       bool        `json:"isOnline"`
	Connectivity   netmon.Info `json:"connectivity"`
	LastSync       *time.Time  `json:"lastSync,omitempty"`
	NextRetryAt    *time.Time  `json:"nextRetryAt,omitempty"`
	Conflicts      int         `json:"conflicts"`
}

func (c *Client) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	var out SyncStatus
	if err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceOutcome reports what a forced sync pass did.
type ForceOutcome struct {
	Success bool                `json:"success"`
	Drain   intsync.DrainResult `json:"drain"`
	Pull    intsync.PullResult  `json:"pull"`
}

// ForceSync runs a full drain-then-pull pass and waits for it.
func (c *Client) ForceSync(ctx context.Context) (*ForceOutcome, error) {
	var out ForceOutcome
	if err := c.do(ctx, http.MethodPost, "/v1/sync/force", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueueEntries(ctx context.Context) ([]store.QueueEntry, error) {
	var out []store.QueueEntry
	if err := c.do(ctx, http.MethodGet, "/v1/sync/queue", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RetryFailed requeues dead-lettered mutations and returns how many moved.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/v1/sync/queue/retry", nil, &out); err != nil {
		return 0, err
	}
	return out["requeued"], nil
}

// DiscardFailed drops dead-lettered mutations and returns how many.
func (c *Client) DiscardFailed(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/v1/sync/queue/discard", nil, &out); err != nil {
		return 0, err
	}
	return out["discarded"], nil
}

func (c *Client) CreateEntity(ctx context.Context, entityType string, payload any) (*store.Entity, error) {
	var out store.Entity
	path := fmt.Sprintf("/v1/entities/%s", entityType)
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetEntity(ctx context.Context, entityType, id string) (*store.Entity, error) {
	var out store.Entity
	path := fmt.Sprintf("/v1/entities/%s/%s", entityType, id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListEntities(ctx context.Context, entityType string, opts store.ListOptions) ([]store.Entity, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := fmt.Sprintf("/v1/entities/%s", entityType)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []store.Entity
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateEntity(ctx context.Context, entityType, id string, patch any) (*store.Entity, error) {
	var out store.Entity
	path := fmt.Sprintf("/v1/entities/%s/%s", entityType, id)
	if err := c.do(ctx, http.MethodPut, path, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteEntity(ctx context.Context, entityType, id string) error {
	path := fmt.Sprintf("/v1/entities/%s/%s", entityType, id)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) SearchEntities(ctx context.Context, entityType, query string, limit int) ([]store.SearchResult, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/v1/entities/%s/search?%s", entityType, q.Encode())
	var out []store.SearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Conflicts(ctx context.Context) ([]store.Entity, error) {
	var out []store.Entity
	if err := c.do(ctx, http.MethodGet, "/v1/conflicts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve settles a conflicted entity. The returned entity is nil when
// keep_remote adopted a deletion.
func (c *Client) Resolve(ctx context.Context, entityType, id, resolution string) (*store.Entity, error) {
	var out struct {
		Success bool          `json:"success"`
		Entity  *store.Entity `json:"entity"`
	}
	path := fmt.Sprintf("/v1/conflicts/%s/%s/resolve", entityType, id)
	body := map[string]string{"resolution": resolution}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return out.Entity, nil
}

func (c *Client) Stats(ctx context.Context) (*store.Stats, error) {
	var out store.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Actions lists tracked optimistic actions; statusFilter narrows to
// "pending" or "failed", empty means all.
func (c *Client) Actions(ctx context.Context, statusFilter string) ([]tracker.Action, error) {
	path := "/v1/actions"
	if statusFilter != "" {
		path += "?status=" + url.QueryEscape(statusFilter)
	}
	var out []tracker.Action
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClearActions(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/v1/actions/clear", nil, &out); err != nil {
		return 0, err
	}
	return out["cleared"], nil
}

func (c *Client) NetInfo(ctx context.Context) (*netmon.Info, error) {
	var out netmon.Info
	if err := c.do(ctx, http.MethodGet, "/v1/net", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe asks the daemon for an immediate connectivity check.
func (c *Client) Probe(ctx context.Context) (*netmon.Info, error) {
	var out netmon.Info
	if err := c.do(ctx, http.MethodPost, "/v1/net/probe", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event is one bus event as delivered over the stream.
type Event struct {
	EventID   string          `json:"eventId"`
	Session   string          `json:"session"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventStream is a live websocket feed of daemon events.
type EventStream struct {
	conn *websocket.Conn
}

// Events opens an event stream filtered to the given kind prefix; an empty
// namespace subscribes to everything.
func (c *Client) Events(ctx context.Context, namespace string) (*EventStream, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	u := "ws://unix/v1/events"
	if namespace != "" {
		u += "?ns=" + url.QueryEscape(namespace)
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks until an event arrives or the stream closes.
func (s *EventStream) Next() (*Event, error) {
	var evt Event
	if err := s.conn.ReadJSON(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

func (s *EventStream) Close() error {
	return s.conn.Close()
}
