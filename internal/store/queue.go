package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RetryPolicy controls backoff and dead-lettering for failed queue entries.
type RetryPolicy struct {
	Base       time.Duration
	Cap        int
	MaxRetries int
}

// DefaultRetryPolicy mirrors the engine defaults: 1s base, exponent capped at
// 2^6, dead-letter after 10 retries.
var DefaultRetryPolicy = RetryPolicy{Base: time.Second, Cap: 6, MaxRetries: 10}

// Delay returns the backoff before the given retry attempt: base * 2^n,
// with n capped.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	n := retryCount
	if n > p.Cap {
		n = p.Cap
	}
	return p.Base * (1 << n)
}

// enqueueTx appends a mutation inside the caller's transaction. A queued
// update for the same entity at the queue tail is coalesced in place: the
// snapshot and base version refresh, the position does not. Creates and
// deletes always append.
func (db *DB) enqueueTx(tx *sql.Tx, entityType, entityID string, op Operation, data json.RawMessage, baseVersion int64) error {
	nowMs := db.nowMilli()
	dataStr := string(data)
	if data == nil {
		dataStr = "null"
	}

	if op == OpUpdate {
		var tailID int64
		var tailOp, tailStatus string
		err := tx.QueryRow(`
			SELECT id, operation, status FROM sync_queue
			WHERE entity_type = ? AND entity_id = ?
			ORDER BY id DESC LIMIT 1`, entityType, entityID).
			Scan(&tailID, &tailOp, &tailStatus)
		if err == nil && tailOp == string(OpUpdate) && tailStatus == EntryQueued {
			_, err = tx.Exec(`
				UPDATE sync_queue SET data = ?, base_version = ?, updated_at = ?
				WHERE id = ?`, dataStr, baseVersion, nowMs, tailID)
			return err
		}
		if err != nil && err != sql.ErrNoRows {
			return err
		}
	}

	_, err := tx.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, data, base_version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		entityType, entityID, string(op), dataStr, baseVersion, nowMs, nowMs)
	return err
}

// PeekBatch returns up to n due queue heads, oldest first. Only the earliest
// unconsumed entry per entity is eligible, so per-entity order can never be
// overtaken; an undue or dead-lettered head parks its whole entity.
func (db *DB) PeekBatch(n int) ([]QueueEntry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, operation, data, base_version, status,
			retry_count, next_retry_at, last_error, created_at, updated_at
		FROM sync_queue q
		WHERE q.id = (
			SELECT MIN(id) FROM sync_queue h
			WHERE h.entity_type = q.entity_type AND h.entity_id = q.entity_id
		)
		AND q.status = 'queued' AND q.next_retry_at <= ?
		ORDER BY q.id LIMIT ?`, db.nowMilli(), n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// MarkSending flags an entry as in flight so a concurrent drain cannot pick
// it up again.
func (db *DB) MarkSending(id int64) error {
	_, err := db.Exec(`UPDATE sync_queue SET status = 'sending', updated_at = ? WHERE id = ?`,
		db.nowMilli(), id)
	return err
}

// Ack consumes a delivered entry. When it was the entity's last unconsumed
// entry the row flips to synced (or is purged, for a delete). Acking an
// already-consumed entry is a no-op.
func (db *DB) Ack(id int64) error {
	// Read outside the tx to learn the entity key for locking.
	entry, err := db.entryByID(id)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	unlock := db.locks.lock(entityKey(entry.EntityType, entry.EntityID))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Consumed concurrently (e.g. conflict flagging); nothing to do.
		return tx.Commit()
	}

	var remaining int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entry.EntityType, entry.EntityID).Scan(&remaining); err != nil {
		return err
	}

	table := tableName(entry.EntityType)
	nowMs := db.nowMilli()
	if entry.Op == OpDelete && remaining == 0 {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), entry.EntityID); err != nil {
			return fmt.Errorf("purge tombstone: %w", err)
		}
		if err := db.ftsDeleteTx(tx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		return tx.Commit()
	}

	if remaining == 0 {
		_, err = tx.Exec(fmt.Sprintf(`
			UPDATE %s SET sync_status = 'synced', remote_version = MAX(remote_version, ?), updated_at = ?
			WHERE id = ? AND sync_status = 'pending'`, table),
			entry.BaseVersion, nowMs, entry.EntityID)
	} else {
		_, err = tx.Exec(fmt.Sprintf(`
			UPDATE %s SET remote_version = MAX(remote_version, ?) WHERE id = ?`, table),
			entry.BaseVersion, entry.EntityID)
	}
	if err != nil {
		return fmt.Errorf("settle entity after ack: %w", err)
	}
	return tx.Commit()
}

// MarkFailed records a delivery failure, schedules the retry with exponential
// backoff, and dead-letters the entry once the retry budget is exhausted.
// Returns the updated entry.
func (db *DB) MarkFailed(id int64, errMsg string, p RetryPolicy) (*QueueEntry, error) {
	entry, err := db.entryByID(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("queue entry %d not found", id)
	}

	entry.RetryCount++
	entry.LastError = errMsg
	nowMs := db.nowMilli()
	if entry.RetryCount > p.MaxRetries {
		entry.Status = EntryFailed
		_, err = db.Exec(`
			UPDATE sync_queue SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, entry.RetryCount, errMsg, nowMs, id)
	} else {
		entry.Status = EntryQueued
		entry.NextRetryAt = millisToTime(nowMs).Add(p.Delay(entry.RetryCount))
		_, err = db.Exec(`
			UPDATE sync_queue SET status = 'queued', retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, entry.RetryCount, entry.NextRetryAt.UnixMilli(), errMsg, nowMs, id)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkRejected dead-letters an entry immediately, for permanent remote
// rejections that retrying cannot fix.
func (db *DB) MarkRejected(id int64, errMsg string) error {
	_, err := db.Exec(`
		UPDATE sync_queue SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ?`, errMsg, db.nowMilli(), id)
	return err
}

// ResetSending requeues entries left in flight by a previous run.
func (db *DB) ResetSending() (int, error) {
	res, err := db.Exec(`UPDATE sync_queue SET status = 'queued', updated_at = ? WHERE status = 'sending'`,
		db.nowMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetryFailed requeues all dead-lettered entries with a fresh retry budget.
func (db *DB) RetryFailed() (int, error) {
	res, err := db.Exec(`
		UPDATE sync_queue SET status = 'queued', retry_count = 0, next_retry_at = 0, last_error = '', updated_at = ?
		WHERE status = 'failed'`, db.nowMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DiscardFailed drops all dead-lettered entries. Entities left with no queue
// entries settle as synced (accepting local divergence) or, for abandoned
// deletes, are purged locally.
func (db *DB) DiscardFailed() (int, error) {
	entries, err := db.entriesByStatus(EntryFailed)
	if err != nil {
		return 0, err
	}

	discarded := 0
	for _, entry := range entries {
		if err := db.discardEntry(entry); err != nil {
			return discarded, err
		}
		discarded++
	}
	return discarded, nil
}

func (db *DB) discardEntry(entry QueueEntry) error {
	unlock := db.locks.lock(entityKey(entry.EntityType, entry.EntityID))
	defer unlock()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entry.EntityType, entry.EntityID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		table := tableName(entry.EntityType)
		current, err := lookupTx(tx, entry.EntityType, entry.EntityID)
		if err != nil {
			return err
		}
		if current != nil {
			if current.Deleted {
				if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), entry.EntityID); err != nil {
					return err
				}
				if err := db.ftsDeleteTx(tx, entry.EntityType, entry.EntityID); err != nil {
					return err
				}
			} else if current.Status == StatusPending {
				if _, err := tx.Exec(fmt.Sprintf(`
					UPDATE %s SET sync_status = 'synced', updated_at = ? WHERE id = ?`, table),
					db.nowMilli(), entry.EntityID); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// QueueEntries lists queue entries oldest first, all states.
func (db *DB) QueueEntries(limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, operation, data, base_version, status,
			retry_count, next_retry_at, last_error, created_at, updated_at
		FROM sync_queue ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// HasPending reports whether any unconsumed queue entry exists for an entity.
func (db *DB) HasPending(entityType, entityID string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&n)
	return n > 0, err
}

// NextRetryAt returns the earliest scheduled retry among queued entries, or
// zero time when the queue is empty of scheduled work.
func (db *DB) NextRetryAt() (time.Time, error) {
	var ms sql.NullInt64
	err := db.QueryRow(`SELECT MIN(next_retry_at) FROM sync_queue WHERE status = 'queued'`).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return millisToTime(ms.Int64), nil
}

func (db *DB) entryByID(id int64) (*QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, operation, data, base_version, status,
			retry_count, next_retry_at, last_error, created_at, updated_at
		FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (db *DB) entriesByStatus(status string) ([]QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, operation, data, base_version, status,
			retry_count, next_retry_at, last_error, created_at, updated_at
		FROM sync_queue WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var entries []QueueEntry
	for rows.Next() {
		var (
			e                  QueueEntry
			data               string
			nextMs, crMs, upMs int64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Op, &data, &e.BaseVersion,
			&e.Status, &e.RetryCount, &nextMs, &e.LastError, &crMs, &upMs); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		e.NextRetryAt = millisToTime(nextMs)
		e.CreatedAt = millisToTime(crMs)
		e.UpdatedAt = millisToTime(upMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
