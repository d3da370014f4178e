package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/store"
)

func (h *Handler) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	ent, err := h.db.Create(entityType, payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.actions.Add(store.OpCreate, entityType, ent.ID, ent.Payload)
	h.bus.Emit("entity.created", map[string]string{
		"entity_type": entityType,
		"entity_id":   ent.ID,
	})
	h.engine.Wake()
	h.logger.Info("entity created",
		zap.String("entity_type", entityType), zap.String("entity_id", ent.ID))

	writeJSON(w, http.StatusCreated, ent)
}

func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	ent, err := h.db.Get(entityType, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ent == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("entity not found"))
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	opts := store.ListOptions{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		switch store.SyncStatus(s) {
		case store.StatusSynced, store.StatusPending, store.StatusConflict:
			opts.Status = store.SyncStatus(s)
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse("unknown status filter"))
			return
		}
	}

	entities, err := h.db.List(entityType, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (h *Handler) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	patch, ok := decodePayload(w, r)
	if !ok {
		return
	}

	ent, err := h.db.Update(entityType, id, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.actions.Add(store.OpUpdate, entityType, id, patch)
	h.bus.Emit("entity.updated", map[string]string{
		"entity_type": entityType,
		"entity_id":   id,
	})
	h.engine.Wake()

	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	if err := h.db.Delete(entityType, id); err != nil {
		writeStoreError(w, err)
		return
	}

	h.actions.Add(store.OpDelete, entityType, id, nil)
	h.bus.Emit("entity.deleted", map[string]string{
		"entity_type": entityType,
		"entity_id":   id,
	})
	h.engine.Wake()

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing query parameter q"))
		return
	}

	results, err := h.db.Search(entityType, query, queryInt(r, "limit", 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// decodePayload reads the request body as one JSON object, the entity
// payload. False means a response was already written.
func decodePayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	defer r.Body.Close()

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	return payload, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
