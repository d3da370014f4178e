package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/remote"
	"github.com/skiff-sync/skiff/internal/store"
)

// Pusher transmits one queued mutation to the remote endpoint.
type Pusher interface {
	Push(ctx context.Context, entityType, id string, req remote.PushRequest) error
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
	// Aborted is set when a transient failure cut the cycle short; the
	// rest of the queue waits for backoff or the next connectivity change.
	Aborted bool `json:"aborted,omitempty"`
}

// Worker drains the sync queue: batches of per-entity head entries go to a
// bounded pool, sequential within an entity and concurrent across entities.
// Drain is synchronous and single-caller; the Engine serializes cycles.
type Worker struct {
	db     *store.DB
	pusher Pusher
	net    *netmon.Monitor
	bus    *bus.Bus
	log    *zap.Logger
	cfg    config.SyncConfig
	policy store.RetryPolicy
}

// NewWorker wires a drain worker. The retry policy derives from config.
func NewWorker(db *store.DB, pusher Pusher, net *netmon.Monitor, b *bus.Bus, cfg config.SyncConfig, log *zap.Logger) *Worker {
	return &Worker{
		db:     db,
		pusher: pusher,
		net:    net,
		bus:    b,
		log:    log,
		cfg:    cfg,
		policy: store.RetryPolicy{
			Base:       cfg.BackoffBase(),
			Cap:        cfg.BackoffCap,
			MaxRetries: cfg.MaxRetries,
		},
	}
}

// Drain pushes eligible queue entries until the queue has none left or a
// transient failure aborts the cycle. Offline is a no-op; queued entries
// survive untouched.
func (w *Worker) Drain(ctx context.Context) DrainResult {
	var res DrainResult
	if w.net != nil && !w.net.Online() {
		w.log.Debug("drain skipped, offline")
		return res
	}

	for ctx.Err() == nil {
		batch, err := w.db.PeekBatch(w.cfg.BatchSize)
		if err != nil {
			w.log.Error("peek queue", zap.Error(err))
			break
		}
		if len(batch) == 0 {
			break
		}

		pushed, conflicts, failed, aborted := w.dispatch(ctx, batch)
		res.Pushed += pushed
		res.Conflicts += conflicts
		res.Failed += failed
		if aborted {
			res.Aborted = true
			break
		}
	}

	if res.Pushed > 0 {
		_ = w.db.SetLastSync(time.Now())
	}
	if res.Pushed+res.Conflicts+res.Failed > 0 {
		w.bus.Emit("sync.drain_complete", map[string]int{
			"pushed":    res.Pushed,
			"conflicts": res.Conflicts,
			"failed":    res.Failed,
		})
	}
	return res
}

// dispatch fans a batch out to the worker pool. Entries in a batch are
// distinct entities, so concurrency never reorders a single entity's
// mutations.
func (w *Worker) dispatch(ctx context.Context, batch []store.QueueEntry) (pushed, conflicts, failed int, aborted bool) {
	workers := w.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var nPushed, nConflicts, nFailed, nAborted atomic.Int64

	for _, entry := range batch {
		if nAborted.Load() > 0 || ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		// Recheck after waiting for a slot; a finished push may have
		// aborted the cycle.
		if nAborted.Load() > 0 || ctx.Err() != nil {
			<-sem
			break
		}
		wg.Add(1)
		go func(entry store.QueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			switch w.push(ctx, entry) {
			case pushOK:
				nPushed.Add(1)
			case pushConflict:
				nConflicts.Add(1)
			case pushRejected:
				nFailed.Add(1)
			case pushTransient:
				nFailed.Add(1)
				nAborted.Add(1)
			}
		}(entry)
	}
	wg.Wait()
	return int(nPushed.Load()), int(nConflicts.Load()), int(nFailed.Load()), nAborted.Load() > 0
}

type pushOutcome int

const (
	pushOK pushOutcome = iota
	pushConflict
	pushRejected
	pushTransient
)

func (w *Worker) push(ctx context.Context, entry store.QueueEntry) pushOutcome {
	fields := []zap.Field{
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("operation", string(entry.Op)),
		zap.Int64("base_version", entry.BaseVersion),
	}

	if err := w.db.MarkSending(entry.ID); err != nil {
		w.log.Error("mark sending", append(fields, zap.Error(err))...)
		return pushRejected
	}

	err := w.pusher.Push(ctx, entry.EntityType, entry.EntityID, remote.PushRequest{
		Operation:   string(entry.Op),
		Payload:     entry.Data,
		BaseVersion: entry.BaseVersion,
	})
	if err == nil {
		if err := w.db.Ack(entry.ID); err != nil {
			w.log.Error("ack entry", append(fields, zap.Error(err))...)
		}
		w.log.Info("mutation pushed", fields...)
		w.bus.Emit("sync.pushed", map[string]string{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"operation":   string(entry.Op),
		})
		return pushOK
	}

	if ce, ok := remote.AsConflict(err); ok {
		outcome, applyErr := w.db.ApplyRemote(entry.EntityType, entry.EntityID, toSnapshot(ce.Remote))
		if applyErr != nil {
			w.log.Error("apply push conflict", append(fields, zap.Error(applyErr))...)
			_, _ = w.db.MarkFailed(entry.ID, applyErr.Error(), w.policy)
			return pushRejected
		}
		if outcome != store.ApplyConflicted {
			// The remote reported an older version than we already hold;
			// back off and let the next cycle retry.
			w.log.Warn("conflict response did not apply", append(fields, zap.String("outcome", string(outcome)))...)
			_, _ = w.db.MarkFailed(entry.ID, "stale conflict response", w.policy)
			return pushRejected
		}
		w.log.Warn("push conflicted, flagged for resolution",
			append(fields, zap.Int64("remote_version", ce.Remote.Version))...)
		w.bus.Emit("sync.conflict", map[string]string{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"source":      "push",
		})
		return pushConflict
	}

	var re *remote.RejectedError
	if errors.As(err, &re) {
		if markErr := w.db.MarkRejected(entry.ID, re.Error()); markErr != nil {
			w.log.Error("mark rejected", append(fields, zap.Error(markErr))...)
		}
		w.log.Error("mutation rejected, dead-lettered", append(fields, zap.Error(err))...)
		w.bus.Emit("sync.dead_letter", map[string]string{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"error":       re.Error(),
		})
		return pushRejected
	}

	// Transient: schedule the retry and recheck the link.
	updated, markErr := w.db.MarkFailed(entry.ID, err.Error(), w.policy)
	if markErr != nil {
		w.log.Error("mark failed", append(fields, zap.Error(markErr))...)
		return pushTransient
	}
	if updated.Status == store.EntryFailed {
		w.log.Error("mutation dead-lettered after retries",
			append(fields, zap.Int("retries", updated.RetryCount), zap.Error(err))...)
		w.bus.Emit("sync.dead_letter", map[string]string{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"error":       err.Error(),
		})
	} else {
		w.log.Warn("push failed, retry scheduled",
			append(fields, zap.Int("retry_count", updated.RetryCount),
				zap.Time("next_retry_at", updated.NextRetryAt), zap.Error(err))...)
		w.bus.Emit("sync.push_failed", map[string]string{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"error":       err.Error(),
		})
	}
	if w.net != nil {
		w.net.Kick()
	}
	return pushTransient
}

func toSnapshot(e remote.Entity) store.RemoteSnapshot {
	return store.RemoteSnapshot{
		Version:   e.Version,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Payload:   e.Payload,
		Deleted:   e.Deleted,
	}
}
