package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/remote"
	"github.com/skiff-sync/skiff/internal/store"
)

// Feed fetches remote changes for one entity type since a watermark.
type Feed interface {
	Pull(ctx context.Context, entityType string, since time.Time, limit int) (*remote.PullResponse, error)
}

// PullResult summarizes one pull pass across all types.
type PullResult struct {
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Purged    int `json:"purged"`
}

// Puller walks every registered type's change feed and reconciles each
// remote entity: stale local rows adopt the remote, rows with queued local
// mutations are flagged as conflicts, unknown entities appear as synced.
type Puller struct {
	db   *store.DB
	feed Feed
	net  *netmon.Monitor
	bus  *bus.Bus
	log  *zap.Logger
	cfg  config.SyncConfig
}

func NewPuller(db *store.DB, feed Feed, net *netmon.Monitor, b *bus.Bus, cfg config.SyncConfig, log *zap.Logger) *Puller {
	return &Puller{db: db, feed: feed, net: net, bus: b, log: log, cfg: cfg}
}

// PullAll reconciles every registered type. A transient transport failure
// stops the pass; the watermarks already advanced stay advanced, the rest
// retry next interval.
func (p *Puller) PullAll(ctx context.Context) (PullResult, error) {
	var res PullResult
	if p.net != nil && !p.net.Online() {
		return res, nil
	}

	types, err := p.db.Types()
	if err != nil {
		return res, fmt.Errorf("list types: %w", err)
	}

	for _, t := range types {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := p.pullType(ctx, t, &res); err != nil {
			if remote.IsTransient(err) {
				p.log.Warn("pull aborted", zap.String("entity_type", t), zap.Error(err))
				if p.net != nil {
					p.net.Kick()
				}
				return res, err
			}
			p.log.Error("pull failed", zap.String("entity_type", t), zap.Error(err))
			return res, err
		}
	}

	if res.Applied+res.Conflicts+res.Purged > 0 {
		p.bus.Emit("sync.pull_complete", map[string]int{
			"applied":   res.Applied,
			"conflicts": res.Conflicts,
			"purged":    res.Purged,
		})
	}
	_ = p.db.SetLastSync(time.Now())
	return res, nil
}

// pullType pages through one type's feed from its watermark. The watermark
// only advances past entities that were applied, so an interrupted page is
// re-fetched rather than skipped.
func (p *Puller) pullType(ctx context.Context, entityType string, res *PullResult) error {
	since, err := p.db.Watermark(entityType)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	limit := p.cfg.BatchSize
	if limit <= 0 {
		limit = 50
	}

	for {
		page, err := p.feed.Pull(ctx, entityType, since, limit)
		if err != nil {
			return err
		}

		for _, e := range page.Entities {
			outcome, err := p.db.ApplyRemote(entityType, e.ID, toSnapshot(e))
			if err != nil {
				return fmt.Errorf("apply %s/%s: %w", entityType, e.ID, err)
			}
			p.note(entityType, e.ID, outcome, res)
			if e.UpdatedAt.After(since) {
				since = e.UpdatedAt
			}
		}

		if len(page.Entities) > 0 {
			if err := p.db.SetWatermark(entityType, since); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
		}
		if len(page.Entities) < limit {
			// Feed drained; jump the watermark to the server clock so the
			// next pass skips the quiet window.
			if !page.ServerTime.IsZero() && page.ServerTime.After(since) {
				if err := p.db.SetWatermark(entityType, page.ServerTime); err != nil {
					return fmt.Errorf("advance watermark: %w", err)
				}
			}
			return nil
		}
	}
}

func (p *Puller) note(entityType, id string, outcome store.ApplyOutcome, res *PullResult) {
	switch outcome {
	case store.ApplyNone:
		return
	case store.ApplyConflicted:
		res.Conflicts++
		p.log.Warn("pull conflicted, flagged for resolution",
			zap.String("entity_type", entityType), zap.String("entity_id", id))
		p.bus.Emit("sync.conflict", map[string]string{
			"entity_type": entityType,
			"entity_id":   id,
			"source":      "pull",
		})
		return
	case store.ApplyPurged:
		res.Purged++
	default:
		res.Applied++
	}
	p.log.Debug("remote change applied",
		zap.String("entity_type", entityType),
		zap.String("entity_id", id),
		zap.String("outcome", string(outcome)))
	p.bus.Emit("entity.remote_applied", map[string]string{
		"entity_type": entityType,
		"entity_id":   id,
		"outcome":     string(outcome),
	})
}
