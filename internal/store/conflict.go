package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ResolveStrategy selects which side of a conflict wins.
type ResolveStrategy string

const (
	ResolveKeepLocal  ResolveStrategy = "keep_local"
	ResolveKeepRemote ResolveStrategy = "keep_remote"
	ResolveMerge      ResolveStrategy = "merge"
)

// ApplyOutcome reports what ApplyRemote did with one pulled entity.
type ApplyOutcome string

const (
	ApplyNone       ApplyOutcome = "none"
	ApplyCreated    ApplyOutcome = "created"
	ApplyUpdated    ApplyOutcome = "updated"
	ApplyPurged     ApplyOutcome = "purged"
	ApplyConflicted ApplyOutcome = "conflicted"
)

// ApplyRemote reconciles one pulled remote entity against local state.
// Remote wins outright when the local row has no unconsumed queue entries;
// a row with queued local mutations is flagged as a conflict instead, with
// the remote snapshot staged for manual resolution. Queue entries for a
// flagged entity are dropped, resolution re-queues whatever survives.
func (db *DB) ApplyRemote(entityType, id string, remote RemoteSnapshot) (ApplyOutcome, error) {
	if err := db.EnsureType(entityType); err != nil {
		return ApplyNone, err
	}

	unlock := db.locks.lock(entityKey(entityType, id))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return ApplyNone, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := lookupTx(tx, entityType, id)
	if err != nil {
		return ApplyNone, err
	}

	if row == nil {
		if remote.Deleted {
			return ApplyNone, nil
		}
		if err := db.insertRemoteTx(tx, entityType, id, remote); err != nil {
			return ApplyNone, err
		}
		return ApplyCreated, tx.Commit()
	}

	// Everything at or below remote_version has been seen already.
	if remote.Version <= row.RemoteVersion {
		return ApplyNone, nil
	}

	var pending int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, id).Scan(&pending); err != nil {
		return ApplyNone, err
	}

	// A pull can echo our own push before its ack lands. Identical content at
	// the same version is not divergence; just record that the remote has it.
	if pending > 0 && remote.Version == row.Version && remote.Deleted == row.Deleted &&
		(row.Deleted || jsonEqual(remote.Payload, row.Payload)) {
		if _, err := tx.Exec(fmt.Sprintf(`
			UPDATE %s SET remote_version = ? WHERE id = ?`, tableName(entityType)),
			remote.Version, id); err != nil {
			return ApplyNone, err
		}
		return ApplyNone, tx.Commit()
	}

	if pending > 0 || row.Status == StatusConflict {
		if err := db.stageConflictTx(tx, entityType, id, remote); err != nil {
			return ApplyNone, err
		}
		return ApplyConflicted, tx.Commit()
	}

	if remote.Deleted {
		if err := db.purgeTx(tx, entityType, id); err != nil {
			return ApplyNone, err
		}
		return ApplyPurged, tx.Commit()
	}

	if err := db.adoptRemoteTx(tx, entityType, id, remote); err != nil {
		return ApplyNone, err
	}
	return ApplyUpdated, tx.Commit()
}

// Resolve settles a conflicted entity with the given strategy. keep_local and
// merge re-version the row above the staged remote and queue a fresh push;
// keep_remote adopts the staged snapshot as synced. Returns the settled
// entity, or nil when resolution purged it.
func (db *DB) Resolve(entityType, id string, strategy ResolveStrategy) (*Entity, error) {
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

	row, err := lookupTx(tx, entityType, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if row.Status != StatusConflict || row.Remote == nil {
		return nil, ErrNotConflicted
	}
	remote := *row.Remote

	switch strategy {
	case ResolveKeepRemote:
		if remote.Deleted {
			if err := db.purgeTx(tx, entityType, id); err != nil {
				return nil, err
			}
			return nil, tx.Commit()
		}
		if err := db.adoptRemoteTx(tx, entityType, id, remote); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return db.Lookup(entityType, id)

	case ResolveKeepLocal, ResolveMerge:
		payload := row.Payload
		if strategy == ResolveMerge && !row.Deleted && !remote.Deleted {
			merged, err := mergePayload(remote.Payload, row.Payload)
			if err != nil {
				return nil, err
			}
			payload = merged
		}

		// The resolved version must clear the remote, or the next push
		// would lose the same race again.
		newVersion := row.Version
		if remote.Version > newVersion {
			newVersion = remote.Version
		}
		newVersion++

		nowMs := db.nowMilli()
		if _, err := tx.Exec(fmt.Sprintf(`
			UPDATE %s SET version = ?, remote_version = ?, sync_status = 'pending',
				updated_at = ?, payload = ?,
				conflict_payload = NULL, conflict_version = NULL,
				conflict_updated_at = NULL, conflict_deleted = NULL
			WHERE id = ?`, tableName(entityType)),
			newVersion, remote.Version, nowMs, string(payload), id); err != nil {
			return nil, fmt.Errorf("resolve entity: %w", err)
		}

		if row.Deleted {
			if err := db.enqueueTx(tx, entityType, id, OpDelete, nil, newVersion); err != nil {
				return nil, err
			}
		} else {
			if err := db.enqueueTx(tx, entityType, id, OpUpdate, payload, newVersion); err != nil {
				return nil, err
			}
			if err := db.ftsReplaceTx(tx, entityType, id, payload); err != nil {
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return db.Lookup(entityType, id)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Conflicts returns every entity awaiting manual resolution, across all
// known types.
func (db *DB) Conflicts() ([]Entity, error) {
	types, err := db.Types()
	if err != nil {
		return nil, err
	}

	var conflicts []Entity
	for _, t := range types {
		rows, err := db.Query(fmt.Sprintf(`
			SELECT %s FROM %s WHERE sync_status = 'conflict' ORDER BY updated_at DESC`,
			entityColumns, tableName(t)))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			e, err := scanEntity(rows, t)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			conflicts = append(conflicts, *e)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return conflicts, nil
}

// stageConflictTx parks the entity in conflict state with the remote snapshot
// staged alongside the local row. Queued mutations for the entity are dropped;
// they no longer describe a state the remote will accept.
func (db *DB) stageConflictTx(tx *sql.Tx, entityType, id string, remote RemoteSnapshot) error {
	payload := sql.NullString{}
	if !remote.Deleted {
		payload = sql.NullString{String: string(remote.Payload), Valid: true}
	}
	deleted := 0
	if remote.Deleted {
		deleted = 1
	}
	if _, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s SET sync_status = 'conflict', remote_version = ?,
			conflict_payload = ?, conflict_version = ?, conflict_updated_at = ?, conflict_deleted = ?
		WHERE id = ?`, tableName(entityType)),
		remote.Version, payload, remote.Version, remote.UpdatedAt.UnixMilli(), deleted, id); err != nil {
		return fmt.Errorf("stage conflict: %w", err)
	}
	_, err := tx.Exec(`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, entityType, id)
	return err
}

func (db *DB) insertRemoteTx(tx *sql.Tx, entityType, id string, remote RemoteSnapshot) error {
	nowMs := db.nowMilli()
	createdMs := nowMs
	if !remote.CreatedAt.IsZero() {
		createdMs = remote.CreatedAt.UnixMilli()
	}
	updatedMs := nowMs
	if !remote.UpdatedAt.IsZero() {
		updatedMs = remote.UpdatedAt.UnixMilli()
	}
	if _, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, version, remote_version, sync_status, created_at, updated_at, payload)
		VALUES (?, ?, ?, 'synced', ?, ?, ?)`, tableName(entityType)),
		id, remote.Version, remote.Version, createdMs, updatedMs, string(remote.Payload)); err != nil {
		return fmt.Errorf("insert remote entity: %w", err)
	}
	return db.ftsReplaceTx(tx, entityType, id, remote.Payload)
}

func (db *DB) adoptRemoteTx(tx *sql.Tx, entityType, id string, remote RemoteSnapshot) error {
	updatedMs := db.nowMilli()
	if !remote.UpdatedAt.IsZero() {
		updatedMs = remote.UpdatedAt.UnixMilli()
	}
	if _, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s SET version = ?, remote_version = ?, sync_status = 'synced', deleted = 0,
			updated_at = ?, payload = ?,
			conflict_payload = NULL, conflict_version = NULL,
			conflict_updated_at = NULL, conflict_deleted = NULL
		WHERE id = ?`, tableName(entityType)),
		remote.Version, remote.Version, updatedMs, string(remote.Payload), id); err != nil {
		return fmt.Errorf("adopt remote entity: %w", err)
	}
	return db.ftsReplaceTx(tx, entityType, id, remote.Payload)
}

// purgeTx removes an entity row, its full-text entry, and any queue entries.
func (db *DB) purgeTx(tx *sql.Tx, entityType, id string) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName(entityType)), id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, id); err != nil {
		return err
	}
	return db.ftsDeleteTx(tx, entityType, id)
}

// jsonEqual compares two JSON documents after compaction.
func jsonEqual(a, b json.RawMessage) bool {
	var bufA, bufB bytes.Buffer
	if err := json.Compact(&bufA, a); err != nil {
		return false
	}
	if err := json.Compact(&bufB, b); err != nil {
		return false
	}
	return bytes.Equal(bufA.Bytes(), bufB.Bytes())
}
