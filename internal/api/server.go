// Package api exposes the sync bridge: HTTP/JSON handlers served over the
// session's Unix socket, plus a websocket event stream. Handlers only touch
// local state; nothing here blocks on the network.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/status"
	"github.com/skiff-sync/skiff/internal/store"
	intsync "github.com/skiff-sync/skiff/internal/sync"
	"github.com/skiff-sync/skiff/internal/tracker"
)

// Handler bundles the daemon services behind the IPC surface.
type Handler struct {
	session string
	db      *store.DB
	engine  *intsync.Engine
	actions *tracker.Tracker
	mon     *netmon.Monitor
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	started time.Time
	stop    func()
}

// NewHandler creates the IPC handler set. stop requests a daemon shutdown
// and must not block.
func NewHandler(
	session string,
	db *store.DB,
	engine *intsync.Engine,
	actions *tracker.Tracker,
	mon *netmon.Monitor,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
	stop func(),
) *Handler {
	return &Handler{
		session: session,
		db:      db,
		engine:  engine,
		actions: actions,
		mon:     mon,
		machine: machine,
		bus:     b,
		logger:  logger,
		started: time.Now(),
		stop:    stop,
	}
}

// Router builds the chi mux for the sync bridge.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/status", h.handleSyncStatus)
		r.Post("/sync/force", h.handleForceSync)
		r.Get("/sync/queue", h.handleQueueEntries)
		r.Post("/sync/queue/retry", h.handleRetryFailed)
		r.Post("/sync/queue/discard", h.handleDiscardFailed)

		r.Get("/conflicts", h.handleListConflicts)
		r.Post("/conflicts/{entityType}/{id}/resolve", h.handleResolveConflict)

		r.Route("/entities/{entityType}", func(r chi.Router) {
			r.Get("/", h.handleListEntities)
			r.Post("/", h.handleCreateEntity)
			r.Get("/search", h.handleSearchEntities)
			r.Get("/{id}", h.handleGetEntity)
			r.Put("/{id}", h.handleUpdateEntity)
			r.Delete("/{id}", h.handleDeleteEntity)
		})

		r.Get("/stats", h.handleStats)
		r.Get("/actions", h.handleListActions)
		r.Post("/actions/clear", h.handleClearActions)

		r.Get("/net", h.handleNetInfo)
		r.Post("/net/probe", h.handleNetProbe)

		r.Get("/daemon/status", h.handleDaemonStatus)
		r.Post("/daemon/stop", h.handleDaemonStop)

		r.Get("/events", h.handleEvents)
	})

	return r
}

func (h *Handler) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   h.session,
		"state":     h.machine.Current(),
		"pid":       os.Getpid(),
		"startedAt": h.started.UTC(),
	})
}

func (h *Handler) handleDaemonStop(w http.ResponseWriter, _ *http.Request) {
	h.logger.Info("shutdown requested over IPC")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	go h.stop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeStoreError maps store sentinels to HTTP codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, store.ErrNotConflicted):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, store.ErrInvalidType), errors.Is(err, store.ErrInvalidPayload),
		errors.Is(err, store.ErrUnknownStrategy):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
	}
}
