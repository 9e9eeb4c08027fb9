package store

import (
	"database/sql"
	"fmt"

	"autognosis/internal/logging"
)

// Schema versions:
// v1: atoms, atom_links, healing_rules
// v2: healing_rules.updated_at, atoms.source
const CurrentSchemaVersion = 2

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations brings v1 databases up to date. Fresh databases already
// have these columns.
var pendingMigrations = []Migration{
	{"healing_rules", "updated_at", "INTEGER NOT NULL DEFAULT 0"},
	{"atoms", "source", "TEXT NOT NULL DEFAULT 'local'"},
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS atoms (
	id INTEGER PRIMARY KEY,
	kind INTEGER NOT NULL,
	name TEXT NOT NULL UNIQUE,
	truth REAL NOT NULL,
	confidence REAL NOT NULL,
	importance REAL NOT NULL,
	last_updated INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT 'local'
);
CREATE TABLE IF NOT EXISTS atom_links (
	from_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	to_id INTEGER NOT NULL,
	PRIMARY KEY (from_id, position)
);
CREATE INDEX IF NOT EXISTS idx_atoms_importance ON atoms(importance);
CREATE TABLE IF NOT EXISTS healing_rules (
	condition TEXT NOT NULL,
	action TEXT NOT NULL,
	prior_confidence REAL NOT NULL,
	success_count INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (condition, action)
);
`

// RunMigrations creates missing tables, adds missing columns and records
// the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	logging.StoreDebug("schema at v%d (%d columns added)", CurrentSchemaVersion, applied)
	return nil
}

// SchemaVersion returns the recorded schema version, or 0 when none is recorded.
func SchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_version") {
		return 0
	}
	var v int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return 0
	}
	return v
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		logging.StoreDebug("table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
