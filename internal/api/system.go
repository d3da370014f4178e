package api

import (
	"net/http"

	"github.com/skiff-sync/skiff/internal/tracker"
)

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.db.Stats()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListActions(w http.ResponseWriter, r *http.Request) {
	var actions []tracker.Action
	switch r.URL.Query().Get("status") {
	case "pending":
		actions = h.actions.Pending()
	case "failed":
		actions = h.actions.Failed()
	case "":
		actions = h.actions.Actions()
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse("unknown status filter"))
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h *Handler) handleClearActions(w http.ResponseWriter, _ *http.Request) {
	n := h.actions.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (h *Handler) handleNetInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.Info())
}

func (h *Handler) handleNetProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.Probe(r.Context()))
}
