package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/store"
)

// syncStatusResponse is the GET /v1/sync/status body.
type syncStatusResponse struct {
	QueuedRequests int         `json:"queuedRequests"`
	PendingRetries int         `json:"pendingRetries"`
	FailedRequests int         `json:"failedRequests"`
	IsOnline       bool        `json:"isOnline"`
	Connectivity   netmon.Info `json:"connectivity"`
	LastSync       *time.Time  `json:"lastSync,omitempty"`
	NextRetryAt    *time.Time  `json:"nextRetryAt,omitempty"`
	Conflicts      int         `json:"conflicts"`
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	queued, retrying, failed, err := h.db.QueueCounts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	conflicts, err := h.db.Conflicts()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := syncStatusResponse{
		QueuedRequests: queued,
		PendingRetries: retrying,
		FailedRequests: failed,
		IsOnline:       h.mon.Online(),
		Connectivity:   h.mon.Info(),
		Conflicts:      len(conflicts),
	}
	if last, err := h.db.LastSync(); err == nil && !last.IsZero() {
		resp.LastSync = &last
	}
	if next, err := h.db.NextRetryAt(); err == nil && !next.IsZero() {
		resp.NextRetryAt = &next
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleForceSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ForceSync(r.Context())
	if err != nil {
		h.logger.Warn("forced sync failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   err.Error(),
			"drain":   res.Drain,
			"pull":    res.Pull,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"drain":   res.Drain,
		"pull":    res.Pull,
	})
}

func (h *Handler) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.db.QueueEntries(queryInt(r, "limit", 200))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []store.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleRetryFailed(w http.ResponseWriter, _ *http.Request) {
	n, err := h.db.RetryFailed()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if n > 0 {
		h.engine.Wake()
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (h *Handler) handleDiscardFailed(w http.ResponseWriter, _ *http.Request) {
	n, err := h.db.DiscardFailed()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": n})
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts, err := h.db.Conflicts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	ent, err := h.db.Resolve(entityType, id, store.ResolveStrategy(req.Resolution))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.bus.Emit("sync.conflict_resolved", map[string]string{
		"entity_type": entityType,
		"entity_id":   id,
		"resolution":  req.Resolution,
	})
	h.engine.Wake()
	h.logger.Info("conflict resolved",
		zap.String("entity_type", entityType),
		zap.String("entity_id", id),
		zap.String("resolution", req.Resolution))

	// ent is nil when keep_remote adopted a tombstone.
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entity": ent})
}
