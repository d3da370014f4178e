package store

import (
	"fmt"
	"os"
)

// QueueCounts returns how many entries sit in each queue state. Entries with
// a retry behind them are counted as retrying, not queued.
func (db *DB) QueueCounts() (queued, retrying, failed int, err error) {
	rows, err := db.Query(`
		SELECT status, retry_count > 0, COUNT(*) FROM sync_queue
		GROUP BY status, retry_count > 0`)
	if err != nil {
		return 0, 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var hasRetries bool
		var n int
		if err := rows.Scan(&status, &hasRetries, &n); err != nil {
			return 0, 0, 0, err
		}
		switch {
		case status == EntryFailed:
			failed += n
		case hasRetries:
			retrying += n
		default:
			queued += n
		}
	}
	return queued, retrying, failed, rows.Err()
}

// PendingCount returns how many unconsumed queue entries exist in total.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}

// Stats summarizes every entity table plus the queue and the database file.
func (db *DB) Stats() (*Stats, error) {
	types, err := db.Types()
	if err != nil {
		return nil, err
	}

	s := &Stats{}
	for _, t := range types {
		ts := TypeStats{Type: t}
		err := db.QueryRow(fmt.Sprintf(`
			SELECT COUNT(*),
				COALESCE(SUM(sync_status = 'pending'), 0),
				COALESCE(SUM(sync_status = 'conflict'), 0)
			FROM %s WHERE deleted = 0`, tableName(t))).
			Scan(&ts.Total, &ts.Pending, &ts.Conflicts)
		if err != nil {
			return nil, err
		}
		s.Types = append(s.Types, ts)
	}

	s.Queued, s.Retrying, s.Failed, err = db.QueueCounts()
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(db.path); err == nil {
		s.DatabaseSize = fi.Size()
	}
	return s, nil
}
