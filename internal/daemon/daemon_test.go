package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/api"
	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/client"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/lock"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/remote"
	"github.com/skiff-sync/skiff/internal/status"
	"github.com/skiff-sync/skiff/internal/store"
	intsync "github.com/skiff-sync/skiff/internal/sync"
	"github.com/skiff-sync/skiff/internal/tracker"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "skiff-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionName := "test"
	sessionDir := filepath.Join(tmpDir, sessionName)
	socketPath := filepath.Join(sessionDir, "d.sock")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	// Acquire lock.
	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	// Open store.
	db, err := store.Open(filepath.Join(sessionDir, "skiff.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	// Setup components. The remote points at a closed port and the monitor
	// is never probed, so everything below runs offline.
	logger, _ := zap.NewDevelopment()
	b := bus.New()
	machine := status.NewMachine(b)
	cfg := config.Default()
	cfg.Remote.BaseURL = "http://127.0.0.1:1"

	rc := remote.New(cfg.Remote)
	mon := netmon.New(rc, b, cfg.Net, logger)
	w := intsync.NewWorker(db, rc, mon, b, cfg.Sync, logger)
	pl := intsync.NewPuller(db, rc, mon, b, cfg.Sync, logger)
	eng := intsync.NewEngine(w, pl, mon, cfg.Sync, logger)
	actions := tracker.New(db, b, cfg.Sync, logger)

	handler := api.NewHandler(sessionName, db, eng, actions, mon, machine, b, logger, func() {})

	srv, err := NewServer(Params{SessionName: sessionName, SocketPath: socketPath}, logger, handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	// Connect as client.
	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	// Daemon status before any transition.
	ds, err := c.DaemonStatus(ctx)
	if err != nil {
		t.Fatalf("DaemonStatus error = %v", err)
	}
	if ds.Session != sessionName {
		t.Errorf("session = %q, want %q", ds.Session, sessionName)
	}
	if ds.State != string(status.Booting) {
		t.Errorf("state = %q, want BOOTING", ds.State)
	}

	// Offline create is accepted and queued.
	ent, err := c.CreateEntity(ctx, "note", map[string]string{"title": "offline first"})
	if err != nil {
		t.Fatalf("CreateEntity error = %v", err)
	}
	if ent.Version != 1 || ent.Status != store.StatusPending {
		t.Errorf("created = %+v, want v1 pending", ent)
	}

	got, err := c.GetEntity(ctx, "note", ent.ID)
	if err != nil {
		t.Fatalf("GetEntity error = %v", err)
	}
	if got.ID != ent.ID {
		t.Errorf("got id %q, want %q", got.ID, ent.ID)
	}

	// Sync status reflects the queued mutation and the offline link.
	ss, err := c.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus error = %v", err)
	}
	if ss.QueuedRequests != 1 {
		t.Errorf("queuedRequests = %d, want 1", ss.QueuedRequests)
	}
	if ss.IsOnline {
		t.Error("isOnline = true, want false before any probe")
	}

	// Search over the payload.
	results, err := c.SearchEntities(ctx, "note", "offline", 10)
	if err != nil {
		t.Fatalf("SearchEntities error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("search results = %d, want 1", len(results))
	}

	// Stats roll up the pending entity.
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error = %v", err)
	}
	if stats.Queued != 1 {
		t.Errorf("stats.Queued = %d, want 1", stats.Queued)
	}

	// The optimistic action for the create is tracked as pending.
	acts, err := c.Actions(ctx, "pending")
	if err != nil {
		t.Fatalf("Actions error = %v", err)
	}
	if len(acts) != 1 || acts[0].EntityID != ent.ID {
		t.Errorf("pending actions = %+v, want one for %s", acts, ent.ID)
	}

	logger.Info("integration test passed")
}

// TestServerSocketLifecycle verifies the socket is created where Params says
// and removed again on Stop.
// Regression test: NewServer previously took a bare `string` param which fx
// cannot resolve, causing a silent startup crash ("missing type: string").
func TestServerSocketLifecycle(t *testing.T) {
	// Use /tmp for short socket paths (macOS 104-char limit).
	tmpDir, err := os.MkdirTemp("/tmp", "skiff-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")

	p := Params{SessionName: "fxtest", SocketPath: socketPath}
	handler := api.NewHandler("fxtest", nil, nil, nil, nil, nil, nil, zap.NewNop(), func() {})
	srv, err := NewServer(p, zap.NewNop(), handler)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	// Verify socket was created inside the temp dir (not ~/.skiff).
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())

	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket still present after Stop: %v", statErr)
	}
}

// TestStaleSocketReplaced covers restart after a crash: the leftover socket
// file must not block the new listener.
func TestStaleSocketReplaced(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "skiff-stale-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	handler := api.NewHandler("stale", nil, nil, nil, nil, nil, nil, zap.NewNop(), func() {})
	srv, err := NewServer(Params{SessionName: "stale", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatalf("NewServer over stale socket: %v", err)
	}
	srv.Stop(context.Background())
}
