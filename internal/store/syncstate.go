package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// SetState upserts a sync_state key.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, db.nowMilli())
	return err
}

// GetState returns a sync_state value, or "" when the key is absent.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Watermark returns the pull cursor for an entity type, zero time when the
// type has never been pulled.
func (db *DB) Watermark(entityType string) (time.Time, error) {
	raw, err := db.GetState("watermark:" + entityType)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark for %s: %w", entityType, err)
	}
	return millisToTime(ms), nil
}

// SetWatermark advances the pull cursor for an entity type.
func (db *DB) SetWatermark(entityType string, t time.Time) error {
	return db.SetState("watermark:"+entityType, strconv.FormatInt(t.UnixMilli(), 10))
}

// LastSync returns when a drain or pull last completed successfully.
func (db *DB) LastSync() (time.Time, error) {
	raw, err := db.GetState("last_sync")
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_sync: %w", err)
	}
	return millisToTime(ms), nil
}

// SetLastSync records a successful sync cycle.
func (db *DB) SetLastSync(t time.Time) error {
	return db.SetState("last_sync", strconv.FormatInt(t.UnixMilli(), 10))
}
