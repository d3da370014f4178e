package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/remote"
	"github.com/skiff-sync/skiff/internal/store"
)

// mockPusher records calls and returns scripted results. Safe for the
// worker pool's concurrent pushes.
type mockPusher struct {
	mu    sync.Mutex
	calls []pushCall
	errs  map[string]error // keyed by entity id
	err   error
}

type pushCall struct {
	EntityType string
	ID         string
	Req        remote.PushRequest
}

func (m *mockPusher) Push(_ context.Context, entityType, id string, req remote.PushRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, pushCall{EntityType: entityType, ID: id, Req: req})
	if err, ok := m.errs[id]; ok {
		return err
	}
	return m.err
}

func (m *mockPusher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:      50,
		Workers:        1,
		BackoffBaseMS:  1000,
		BackoffCap:     6,
		MaxRetries:     10,
		DrainIntervalS: 3600,
		PullIntervalS:  3600,
	}
}

func testWorker(db *store.DB, p Pusher, net *netmon.Monitor, b *bus.Bus) *Worker {
	return NewWorker(db, p, net, b, testSyncConfig(), zap.NewNop())
}

func TestDrainPushesQueuedMutations(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPusher{}
	w := testWorker(db, mock, nil, b)

	ch, unsub := b.Subscribe("sync.pushed", 10)
	defer unsub()

	e1, err := db.Create("note", json.RawMessage(`{"title":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := db.Create("note", json.RawMessage(`{"title":"b"}`))
	if err != nil {
		t.Fatal(err)
	}

	res := w.Drain(context.Background())
	if res.Pushed != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 2 pushed", res)
	}
	if mock.callCount() != 2 {
		t.Fatalf("got %d push calls, want 2", mock.callCount())
	}

	for _, id := range []string{e1.ID, e2.ID} {
		got, err := db.Get("note", id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.StatusSynced {
			t.Errorf("entity %s status = %q, want synced", id, got.Status)
		}
	}

	select {
	case evt := <-ch:
		if evt.Kind != "sync.pushed" {
			t.Errorf("event kind = %q, want sync.pushed", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.pushed event")
	}
}

func TestDrainSequencesMutationsPerEntity(t *testing.T) {
	db := testDB(t)
	mock := &mockPusher{}
	w := testWorker(db, mock, nil, bus.New())

	e, err := db.Create("note", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}
	// A peek cycle only surfaces the head entry, so coalescing aside, the
	// create must land before this update.
	if _, err := db.Update("note", e.ID, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	res := w.Drain(context.Background())
	if res.Pushed != 2 {
		t.Fatalf("pushed = %d, want 2", res.Pushed)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(mock.calls))
	}
	if mock.calls[0].Req.Operation != "create" || mock.calls[0].Req.BaseVersion != 1 {
		t.Errorf("first call = %+v, want create base 1", mock.calls[0].Req)
	}
	if mock.calls[1].Req.Operation != "update" || mock.calls[1].Req.BaseVersion != 2 {
		t.Errorf("second call = %+v, want update base 2", mock.calls[1].Req)
	}
}

func TestDrainSkipsWhenOffline(t *testing.T) {
	db := testDB(t)
	mock := &mockPusher{}
	// A monitor that has never probed successfully reports offline.
	mon := netmon.New(nil, nil, config.NetConfig{ProbeIntervalS: 1, ProbeTimeoutS: 1, LimitedRTTMS: 500}, zap.NewNop())
	w := testWorker(db, mock, mon, bus.New())

	if _, err := db.Create("note", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	res := w.Drain(context.Background())
	if res.Pushed != 0 || mock.callCount() != 0 {
		t.Errorf("offline drain pushed %d with %d calls, want none", res.Pushed, mock.callCount())
	}
	if pending, _ := db.PendingCount(); pending != 1 {
		t.Errorf("pending = %d, want 1 (queue untouched)", pending)
	}
}

func TestDrainTransientFailureAbortsCycle(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPusher{err: &remote.TransientError{Op: "push", Err: errors.New("connection refused")}}
	w := testWorker(db, mock, nil, b)

	ch, unsub := b.Subscribe("sync.push_failed", 10)
	defer unsub()

	if _, err := db.Create("note", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Create("note", json.RawMessage(`{"b":2}`)); err != nil {
		t.Fatal(err)
	}

	res := w.Drain(context.Background())
	if !res.Aborted {
		t.Error("transient failure should abort the cycle")
	}
	if mock.callCount() != 1 {
		t.Errorf("got %d calls after abort, want 1", mock.callCount())
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.push_failed event")
	}

	// The failed entry backs off; the untouched one stays immediately due.
	entries, err := db.QueueEntries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	var retried, fresh int
	for _, entry := range entries {
		if entry.RetryCount > 0 {
			retried++
		} else {
			fresh++
		}
	}
	if retried != 1 || fresh != 1 {
		t.Errorf("retried = %d fresh = %d, want 1 and 1", retried, fresh)
	}
}

func TestDrainConflictResponseFlagsEntity(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	w := testWorker(db, nil, nil, b)

	ch, unsub := b.Subscribe("sync.conflict", 10)
	defer unsub()

	e, err := db.Create("note", json.RawMessage(`{"title":"mine"}`))
	if err != nil {
		t.Fatal(err)
	}

	mock := &mockPusher{errs: map[string]error{
		e.ID: &remote.ConflictError{Remote: remote.Entity{
			ID:         e.ID,
			EntityType: "note",
			Version:    5,
			UpdatedAt:  time.Now(),
			Payload:    json.RawMessage(`{"title":"theirs"}`),
		}},
	}}
	w.pusher = mock

	res := w.Drain(context.Background())
	if res.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", res.Conflicts)
	}

	got, err := db.Get("note", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusConflict {
		t.Errorf("status = %q, want conflict", got.Status)
	}
	if got.Remote == nil || got.Remote.Version != 5 {
		t.Errorf("staged remote = %+v, want v5", got.Remote)
	}
	if pending, _ := db.HasPending("note", e.ID); pending {
		t.Error("queue entries survived conflict")
	}

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["source"] != "push" {
			t.Errorf("source = %q, want push", payload["source"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.conflict event")
	}
}

func TestDrainRejectedMutationDeadLetters(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	w := testWorker(db, nil, nil, b)

	e1, err := db.Create("note", json.RawMessage(`{"bad":"payload"}`))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := db.Create("note", json.RawMessage(`{"fine":"payload"}`))
	if err != nil {
		t.Fatal(err)
	}

	mock := &mockPusher{errs: map[string]error{
		e1.ID: &remote.RejectedError{StatusCode: 422, Message: "schema violation"},
	}}
	w.pusher = mock

	res := w.Drain(context.Background())
	// A permanent rejection dead-letters one entity without stopping others.
	if res.Pushed != 1 || res.Failed != 1 || res.Aborted {
		t.Fatalf("result = %+v, want 1 pushed 1 failed not aborted", res)
	}

	_, _, failed, err := db.QueueCounts()
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Errorf("failed entries = %d, want 1", failed)
	}
	got, _ := db.Get("note", e2.ID)
	if got.Status != store.StatusSynced {
		t.Errorf("healthy entity status = %q, want synced", got.Status)
	}
}
