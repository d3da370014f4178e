package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const entityColumns = `id, version, remote_version, sync_status, deleted,
	created_at, updated_at, payload,
	conflict_payload, conflict_version, conflict_updated_at, conflict_deleted`

// Create inserts a new entity with version 1 and queues the create mutation.
// The row write and the queue append commit atomically.
func (db *DB) Create(entityType string, payload json.RawMessage) (*Entity, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if err := db.EnsureType(entityType); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	unlock := db.locks.lock(entityKey(entityType, id))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, tableName(entityType)), id).Scan(&exists)
	if err == nil {
		return nil, ErrExists
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	nowMs := db.nowMilli()
	if _, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, version, sync_status, created_at, updated_at, payload)
		VALUES (?, 1, 'pending', ?, ?, ?)`, tableName(entityType)),
		id, nowMs, nowMs, string(payload)); err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	if err := db.enqueueTx(tx, entityType, id, OpCreate, payload, 1); err != nil {
		return nil, fmt.Errorf("enqueue create: %w", err)
	}
	if err := db.ftsReplaceTx(tx, entityType, id, payload); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	return &Entity{
		ID:        id,
		Type:      entityType,
		Version:   1,
		Status:    StatusPending,
		CreatedAt: millisToTime(nowMs),
		UpdatedAt: millisToTime(nowMs),
		Payload:   payload,
	}, nil
}

// Get returns an entity by id, or nil when absent or awaiting delete.
func (db *DB) Get(entityType, id string) (*Entity, error) {
	e, err := db.Lookup(entityType, id)
	if err != nil || e == nil {
		return e, err
	}
	if e.Deleted {
		return nil, nil
	}
	return e, nil
}

// Lookup returns an entity by id including unacknowledged tombstones, or nil
// when no row exists. The sync worker needs tombstones; UI reads go through
// Get.
func (db *DB) Lookup(entityType, id string) (*Entity, error) {
	if err := db.EnsureType(entityType); err != nil {
		return nil, err
	}
	row := db.QueryRow(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		entityColumns, tableName(entityType)), id)
	e, err := scanEntity(row, entityType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entities of a type, newest first, tombstones excluded.
func (db *DB) List(entityType string, opts ListOptions) ([]Entity, error) {
	if err := db.EnsureType(entityType); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE deleted = 0`, entityColumns, tableName(entityType))
	args := []any{}
	if opts.Status != "" {
		q += ` AND sync_status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows, entityType)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// Update shallow-merges patch into the stored payload, bumps the version, and
// queues the update mutation. Editing a conflicted row clears its staged
// remote snapshot and re-versions above it.
func (db *DB) Update(entityType, id string, patch json.RawMessage) (*Entity, error) {
	if err := validatePayload(patch); err != nil {
		return nil, err
	}
	if err := db.EnsureType(entityType); err != nil {
		return nil, err
	}

	unlock := db.locks.lock(entityKey(entityType, id))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lookupTx(tx, entityType, id)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return nil, ErrNotFound
	}

	merged, err := mergePayload(current.Payload, patch)
	if err != nil {
		return nil, err
	}

	newVersion := nextVersion(current)
	nowMs := db.nowMilli()
	if _, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s SET version = ?, sync_status = 'pending', updated_at = ?, payload = ?,
			conflict_payload = NULL, conflict_version = NULL,
			conflict_updated_at = NULL, conflict_deleted = NULL
		WHERE id = ?`, tableName(entityType)),
		newVersion, nowMs, string(merged), id); err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	if err := db.enqueueTx(tx, entityType, id, OpUpdate, merged, newVersion); err != nil {
		return nil, fmt.Errorf("enqueue update: %w", err)
	}
	if err := db.ftsReplaceTx(tx, entityType, id, merged); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	current.Version = newVersion
	current.Status = StatusPending
	current.UpdatedAt = millisToTime(nowMs)
	current.Payload = merged
	current.Remote = nil
	return current, nil
}

// Delete tombstones an entity and queues the delete mutation. The row stays
// hidden until the remote acknowledges, then Ack purges it.
func (db *DB) Delete(entityType, id string) error {
	if err := db.EnsureType(entityType); err != nil {
		return err
	}

	unlock := db.locks.lock(entityKey(entityType, id))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lookupTx(tx, entityType, id)
	if err != nil {
		return err
	}
	if current == nil || current.Deleted {
		return ErrNotFound
	}

	newVersion := nextVersion(current)
	nowMs := db.nowMilli()
	if _, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s SET version = ?, sync_status = 'pending', deleted = 1, updated_at = ?,
			conflict_payload = NULL, conflict_version = NULL,
			conflict_updated_at = NULL, conflict_deleted = NULL
		WHERE id = ?`, tableName(entityType)),
		newVersion, nowMs, id); err != nil {
		return fmt.Errorf("tombstone entity: %w", err)
	}

	if err := db.enqueueTx(tx, entityType, id, OpDelete, nil, newVersion); err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	if err := db.ftsDeleteTx(tx, entityType, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// nextVersion picks the version for a new local mutation. A row in conflict
// must end up above the staged remote version or the next push loses again.
func nextVersion(e *Entity) int64 {
	v := e.Version
	if e.Remote != nil && e.Remote.Version > v {
		v = e.Remote.Version
	}
	return v + 1
}

func validatePayload(p json.RawMessage) error {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidPayload
	}
	return nil
}

// mergePayload overlays the top-level keys of patch onto base.
func mergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	var baseMap map[string]any
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	var patchMap map[string]any
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("unmarshal patch: %w", err)
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("marshal merged payload: %w", err)
	}
	return merged, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, entityType string) (*Entity, error) {
	var (
		e                 Entity
		deleted           int
		createdMs, updMs  int64
		payload           string
		conflictPayload   sql.NullString
		conflictVersion   sql.NullInt64
		conflictUpdatedAt sql.NullInt64
		conflictDeleted   sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Version, &e.RemoteVersion, &e.Status, &deleted,
		&createdMs, &updMs, &payload,
		&conflictPayload, &conflictVersion, &conflictUpdatedAt, &conflictDeleted)
	if err != nil {
		return nil, err
	}
	e.Type = entityType
	e.Deleted = deleted != 0
	e.CreatedAt = millisToTime(createdMs)
	e.UpdatedAt = millisToTime(updMs)
	e.Payload = json.RawMessage(payload)
	if conflictVersion.Valid {
		e.Remote = &RemoteSnapshot{
			Version:   conflictVersion.Int64,
			UpdatedAt: millisToTime(conflictUpdatedAt.Int64),
			Payload:   rawOrNull(conflictPayload),
			Deleted:   conflictDeleted.Int64 != 0,
		}
	}
	return &e, nil
}

// rawOrNull keeps staged payloads marshalable; a deleted remote has none.
func rawOrNull(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s.String)
}

func lookupTx(tx *sql.Tx, entityType, id string) (*Entity, error) {
	row := tx.QueryRow(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		entityColumns, tableName(entityType)), id)
	e, err := scanEntity(row, entityType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
