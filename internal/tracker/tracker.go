// Package tracker keeps the in-memory ledger of optimistic UI actions.
// The ledger is presentation state: the durable truth about whether a
// mutation reached the remote lives in the store's sync status, and
// IsActionPending defers to it.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/store"
)

// Status represents the lifecycle of an optimistic action.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrNotFound is returned when an action id is not in the ledger.
var ErrNotFound = errors.New("action not found")

// Action is one UI-issued mutation awaiting confirmation.
type Action struct {
	ID         string          `json:"id"`
	Type       store.Operation `json:"type"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"optimisticData,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     Status          `json:"status"`
	Error      string          `json:"errorMessage,omitempty"`

	settledAt time.Time
}

// Tracker records optimistic actions and settles them from sync events.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	grace  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	actions []*Action

	cancel context.CancelFunc
	unsub  func()
}

// New creates a tracker. Success actions linger for cfg.ActionGrace before
// the janitor drops them.
func New(db *store.DB, b *bus.Bus, cfg config.SyncConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		bus:    b,
		logger: logger,
		grace:  cfg.ActionGrace(),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Start subscribes to sync events and begins the janitor loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("sync.", 64)
	t.unsub = unsub
	go t.loop(ctx, ch)
}

// Stop halts the loop.
func (t *Tracker) Stop() {
	if t.unsub != nil {
		t.unsub()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Add records a new pending action and returns it.
func (t *Tracker) Add(op store.Operation, entityType, entityID string, data json.RawMessage) Action {
	a := &Action{
		ID:         uuid.NewString(),
		Type:       op,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Timestamp:  t.now(),
		Status:     StatusPending,
	}
	t.mu.Lock()
	t.actions = append(t.actions, a)
	t.mu.Unlock()
	return *a
}

// UpdateStatus moves an action to a new status.
func (t *Tracker) UpdateStatus(id string, status Status, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.actions {
		if a.ID == id {
			a.Status = status
			a.Error = errMsg
			if status != StatusPending {
				a.settledAt = t.now()
			}
			return nil
		}
	}
	return ErrNotFound
}

// Actions returns the full ledger, oldest first.
func (t *Tracker) Actions() []Action {
	return t.filter(func(*Action) bool { return true })
}

// Pending returns actions still awaiting confirmation.
func (t *Tracker) Pending() []Action {
	return t.filter(func(a *Action) bool { return a.Status == StatusPending })
}

// Failed returns actions that ended in error.
func (t *Tracker) Failed() []Action {
	return t.filter(func(a *Action) bool { return a.Status == StatusError })
}

// IsActionPending reports whether the entity still has unconfirmed local
// changes. The store's sync status is authoritative, not the ledger.
func (t *Tracker) IsActionPending(entityType, entityID string) (bool, error) {
	ent, err := t.db.Get(entityType, entityID)
	if err != nil {
		return false, err
	}
	if ent == nil {
		// A tombstoned row is invisible to Get but may still be draining.
		return t.db.HasPending(entityType, entityID)
	}
	return ent.Status == store.StatusPending, nil
}

// ClearCompleted drops all settled actions and returns how many were removed.
func (t *Tracker) ClearCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.actions[:0]
	removed := 0
	for _, a := range t.actions {
		if a.Status == StatusPending {
			kept = append(kept, a)
		} else {
			removed++
		}
	}
	t.actions = kept
	return removed
}

func (t *Tracker) filter(keep func(*Action) bool) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Action, 0, len(t.actions))
	for _, a := range t.actions {
		if keep(a) {
			out = append(out, *a)
		}
	}
	return out
}

func (t *Tracker) loop(ctx context.Context, ch <-chan bus.Event) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case evt := <-ch:
			t.handleEvent(evt)
		case <-ticker.C:
			t.prune()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) handleEvent(evt bus.Event) {
	payload, ok := evt.Payload.(map[string]string)
	if !ok {
		return
	}
	entityType := payload["entity_type"]
	entityID := payload["entity_id"]
	if entityType == "" || entityID == "" {
		return
	}

	switch evt.Kind {
	case "sync.pushed":
		// A coalesced queue entry can confirm several UI updates at once,
		// so settle every pending action matching the pushed operation.
		n := t.settle(entityType, entityID, store.Operation(payload["operation"]))
		if n > 0 {
			t.logger.Debug("actions confirmed",
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID),
				zap.Int("count", n))
		}
	case "sync.conflict":
		t.fail(entityType, entityID, "conflict with remote copy")
	case "sync.dead_letter":
		t.fail(entityType, entityID, payload["error"])
	}
}

func (t *Tracker) settle(entityType, entityID string, op store.Operation) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.actions {
		if a.Status != StatusPending || a.EntityType != entityType || a.EntityID != entityID {
			continue
		}
		if op != "" && a.Type != op {
			continue
		}
		a.Status = StatusSuccess
		a.settledAt = t.now()
		n++
	}
	return n
}

func (t *Tracker) fail(entityType, entityID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.actions {
		if a.Status != StatusPending || a.EntityType != entityType || a.EntityID != entityID {
			continue
		}
		a.Status = StatusError
		a.Error = msg
		a.settledAt = t.now()
	}
}

// prune drops success actions past the grace window. Error actions stay
// until ClearCompleted.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-t.grace)
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.actions[:0]
	for _, a := range t.actions {
		if a.Status == StatusSuccess && a.settledAt.Before(cutoff) {
			continue
		}
		kept = append(kept, a)
	}
	t.actions = kept
}
