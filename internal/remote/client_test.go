package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skiff-sync/skiff/internal/config"
)

func testClient(baseURL string) *Client {
	return New(config.RemoteConfig{BaseURL: baseURL, AuthToken: "tok123", TimeoutS: 5})
}

func TestPushAccepted(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody PushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer server.Close()

	c := testClient(server.URL)
	err := c.Push(context.Background(), "note", "id-1", PushRequest{
		Operation:   "create",
		Payload:     json.RawMessage(`{"title":"a"}`),
		BaseVersion: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/sync/note/id-1" {
		t.Errorf("path = %q, want /v1/sync/note/id-1", gotPath)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if gotBody.BaseVersion != 1 || gotBody.Operation != "create" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestPushConflictCarriesRemoteEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conflict": true,
			"remoteEntity": map[string]any{
				"id":         "id-1",
				"entityType": "note",
				"version":    7,
				"payload":    map[string]any{"title": "server wins"},
			},
		})
	}))
	defer server.Close()

	err := testClient(server.URL).Push(context.Background(), "note", "id-1", PushRequest{Operation: "update", BaseVersion: 5})
	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.Remote.Version != 7 {
		t.Errorf("remote version = %d, want 7", ce.Remote.Version)
	}
}

func TestPushErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := testClient(server.URL).Push(context.Background(), "note", "x", PushRequest{Operation: "update", BaseVersion: 1})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}

func TestPushUnreachableIsTransient(t *testing.T) {
	// Port 1 refuses connections.
	c := testClient("http://127.0.0.1:1")
	err := c.Push(context.Background(), "note", "x", PushRequest{Operation: "create", BaseVersion: 1})
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestPullSendsWatermark(t *testing.T) {
	var gotSince, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(PullResponse{
			Entities: []Entity{
				{ID: "a", EntityType: "note", Version: 2, Payload: json.RawMessage(`{"t":"x"}`)},
			},
			ServerTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		})
	}))
	defer server.Close()

	since := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	pull, err := testClient(server.URL).Pull(context.Background(), "note", since, 25)
	if err != nil {
		t.Fatal(err)
	}
	if gotSince != "2025-05-31T00:00:00Z" {
		t.Errorf("since = %q", gotSince)
	}
	if gotLimit != "25" {
		t.Errorf("limit = %q, want 25", gotLimit)
	}
	if len(pull.Entities) != 1 || pull.Entities[0].Version != 2 {
		t.Errorf("entities = %+v", pull.Entities)
	}
	if pull.ServerTime.IsZero() {
		t.Error("server time missing")
	}
}

func TestPullOmitsZeroSince(t *testing.T) {
	var rawQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(PullResponse{})
	}))
	defer server.Close()

	if _, err := testClient(server.URL).Pull(context.Background(), "note", time.Time{}, 0); err != nil {
		t.Fatal(err)
	}
	if rawQuery != "" {
		t.Errorf("query = %q, want empty for initial pull", rawQuery)
	}
}

func TestPingMeasuresRTT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ping" {
			t.Errorf("path = %q, want /v1/ping", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rtt, err := testClient(server.URL).Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want > 0", rtt)
	}
}

func TestPingServerErrorIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := testClient(server.URL).Ping(context.Background()); err == nil {
		t.Error("expected error for 503 ping")
	}
}
