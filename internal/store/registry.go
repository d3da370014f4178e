package store

import (
	"fmt"
	"regexp"
)

var typeRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ValidateEntityType checks that an entity type is a safe table suffix.
func ValidateEntityType(entityType string) error {
	if !typeRegexp.MatchString(entityType) {
		return fmt.Errorf("%w: %q must match ^[a-z][a-z0-9_]{0,31}$", ErrInvalidType, entityType)
	}
	return nil
}

func tableName(entityType string) string {
	return "entity_" + entityType
}

// EnsureType registers an entity type, creating its envelope table on first
// use. Safe to call repeatedly; the DDL round-trip runs once per process.
func (db *DB) EnsureType(entityType string) error {
	if err := ValidateEntityType(entityType); err != nil {
		return err
	}

	db.typesMu.RLock()
	known := db.knownTypes[entityType]
	db.typesMu.RUnlock()
	if known {
		return nil
	}

	table := tableName(entityType)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id                  TEXT PRIMARY KEY,
			version             INTEGER NOT NULL,
			remote_version      INTEGER NOT NULL DEFAULT 0,
			sync_status         TEXT    NOT NULL DEFAULT 'pending',
			deleted             INTEGER NOT NULL DEFAULT 0,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL,
			payload             TEXT    NOT NULL,
			conflict_payload    TEXT,
			conflict_version    INTEGER,
			conflict_updated_at INTEGER,
			conflict_deleted    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(sync_status);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at)`, table)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}

	if _, err := db.Exec(`
		INSERT INTO entity_types (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`,
		entityType, db.nowMilli()); err != nil {
		return fmt.Errorf("register type %s: %w", entityType, err)
	}

	db.typesMu.Lock()
	db.knownTypes[entityType] = true
	db.typesMu.Unlock()
	return nil
}

// Types returns all registered entity types in name order.
func (db *DB) Types() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM entity_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var types []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		types = append(types, name)
	}
	return types, rows.Err()
}
