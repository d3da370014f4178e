package store

import (
	"encoding/json"
	"errors"
	"time"
)

// SyncStatus tracks how far an entity has diverged from the remote store.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Operation is the kind of mutation recorded in a queue entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Queue entry states. Failed entries are dead-lettered and wait for
// operator action; sending entries are in flight and requeued on restart.
const (
	EntryQueued  = "queued"
	EntrySending = "sending"
	EntryFailed  = "failed"
)

var (
	// ErrNotFound is returned for mutations against an absent entity.
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when creating over a live row or an
	// unacknowledged tombstone.
	ErrExists = errors.New("entity already exists")
	// ErrInvalidType is returned for malformed entity type names.
	ErrInvalidType = errors.New("invalid entity type")
	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")
	// ErrNotConflicted is returned when resolving an entity that carries
	// no staged remote snapshot.
	ErrNotConflicted = errors.New("entity is not in conflict")
	// ErrUnknownStrategy is returned for a resolution strategy outside
	// keep_local, keep_remote and merge.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// Entity is the envelope every syncable record travels in. Payload is an
// opaque JSON object owned by business code.
type Entity struct {
	ID            string          `json:"id"`
	Type          string          `json:"entityType"`
	Version       int64           `json:"version"`
	RemoteVersion int64           `json:"remoteVersion"`
	Status        SyncStatus      `json:"syncStatus"`
	Deleted       bool            `json:"deleted,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Payload       json.RawMessage `json:"payload"`

	// Remote holds the staged remote snapshot while Status is conflict.
	Remote *RemoteSnapshot `json:"remote,omitempty"`
}

// RemoteSnapshot is the remote side of a diverged entity, staged locally so
// both versions can be surfaced to the user.
type RemoteSnapshot struct {
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// QueueEntry is one outstanding local mutation awaiting transmission.
type QueueEntry struct {
	ID          int64           `json:"id"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Op          Operation       `json:"operation"`
	Data        json.RawMessage `json:"data"`
	BaseVersion int64           `json:"baseVersion"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ListOptions filters List results.
type ListOptions struct {
	Status SyncStatus
	Limit  int
	Offset int
}

// SearchResult holds an entity with a search snippet.
type SearchResult struct {
	Entity  Entity `json:"entity"`
	Snippet string `json:"snippet"`
}

// TypeStats summarizes one entity table.
type TypeStats struct {
	Type      string `json:"entityType"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Conflicts int    `json:"conflicts"`
}

// Stats is the observability surface over the whole store.
type Stats struct {
	Types        []TypeStats `json:"types"`
	Queued       int         `json:"queued"`
	Retrying     int         `json:"retrying"`
	Failed       int         `json:"failed"`
	DatabaseSize int64       `json:"databaseSize"`
}
