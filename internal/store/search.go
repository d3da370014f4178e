package store

import (
	"database/sql"
	"encoding/json"
)

// ftsReplaceTx refreshes the full-text row for an entity inside the caller's
// transaction.
func (db *DB) ftsReplaceTx(tx *sql.Tx, entityType, entityID string, payload json.RawMessage) error {
	if _, err := tx.Exec(`DELETE FROM entity_fts WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO entity_fts (payload, entity_type, entity_id) VALUES (?, ?, ?)`,
		string(payload), entityType, entityID)
	return err
}

func (db *DB) ftsDeleteTx(tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.Exec(`DELETE FROM entity_fts WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	return err
}

// Search performs a full-text search over payloads of one entity type.
// Tombstoned rows never match; conflicted rows do.
func (db *DB) Search(entityType, query string, limit int) ([]SearchResult, error) {
	if err := db.EnsureType(entityType); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT e.id, e.version, e.remote_version, e.sync_status, e.deleted,
		       e.created_at, e.updated_at, e.payload,
		       e.conflict_payload, e.conflict_version, e.conflict_updated_at, e.conflict_deleted,
		       snippet(entity_fts, 0, '<<', '>>', '...', 32)
		FROM entity_fts f
		JOIN ` + tableName(entityType) + ` e ON e.id = f.entity_id
		WHERE entity_fts MATCH ? AND f.entity_type = ? AND e.deleted = 0
		ORDER BY rank LIMIT ?`

	rows, err := db.Query(q, query, entityType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			e                 Entity
			deleted           int
			createdMs, updMs  int64
			payload           string
			conflictPayload   sql.NullString
			conflictVersion   sql.NullInt64
			conflictUpdatedAt sql.NullInt64
			conflictDeleted   sql.NullInt64
			snippet           string
		)
		if err := rows.Scan(&e.ID, &e.Version, &e.RemoteVersion, &e.Status, &deleted,
			&createdMs, &updMs, &payload,
			&conflictPayload, &conflictVersion, &conflictUpdatedAt, &conflictDeleted,
			&snippet); err != nil {
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
		results = append(results, SearchResult{Entity: e, Snippet: snippet})
	}
	return results, rows.Err()
}
