// Package store persists node state: knowledge atoms and learned healing
// statistics in SQLite, and a short-lived node status snapshot in Redis.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"autognosis/internal/healing"
	"autognosis/internal/knowledge"
	"autognosis/internal/logging"
)

// InMemory is the path that opens a private in-memory database.
const InMemory = ":memory:"

// SQLite stores atoms and healing rule statistics.
type SQLite struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and brings
// its schema up to date.
func OpenSQLite(path string) (*SQLite, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenSQLite")
	defer timer.Stop()

	if path != InMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s: %v", pragma, err)
		}
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened knowledge database %s", path)
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database location.
func (s *SQLite) Path() string { return s.path }

// SaveAtoms writes atoms and their outgoing links, replacing rows with the
// same name. Atoms absent from the slice are left in place.
func (s *SQLite) SaveAtoms(ctx context.Context, atoms []knowledge.Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO atoms (id, kind, name, truth, confidence, importance, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id, kind = excluded.kind, truth = excluded.truth,
			confidence = excluded.confidence, importance = excluded.importance,
			last_updated = excluded.last_updated`)
	if err != nil {
		return fmt.Errorf("prepare atom upsert: %w", err)
	}
	defer upsert.Close()
	link, err := tx.PrepareContext(ctx, `INSERT INTO atom_links (from_id, position, to_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare link insert: %w", err)
	}
	defer link.Close()

	for _, a := range atoms {
		if _, err := upsert.ExecContext(ctx, int64(a.ID), int(a.Kind), a.Name, a.Truth, a.Confidence, a.Importance, a.LastUpdated.UnixNano()); err != nil {
			return fmt.Errorf("save atom %q: %w", a.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM atom_links WHERE from_id = ?`, int64(a.ID)); err != nil {
			return fmt.Errorf("clear links of %q: %w", a.Name, err)
		}
		for i, to := range a.Outgoing {
			if _, err := link.ExecContext(ctx, int64(a.ID), i, int64(to)); err != nil {
				return fmt.Errorf("save link %q->%d: %w", a.Name, to, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.StoreDebug("saved %d atoms", len(atoms))
	return nil
}

// LoadAtoms returns every stored atom ordered by id, with links in their
// original order.
func (s *SQLite) LoadAtoms(ctx context.Context) ([]knowledge.Atom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, truth, confidence, importance, last_updated
		FROM atoms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query atoms: %w", err)
	}
	var atoms []knowledge.Atom
	index := make(map[uint64]int)
	for rows.Next() {
		var (
			id, updated int64
			kind        int
			a           knowledge.Atom
		)
		if err := rows.Scan(&id, &kind, &a.Name, &a.Truth, &a.Confidence, &a.Importance, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan atom: %w", err)
		}
		a.ID = uint64(id)
		a.Kind = knowledge.Kind(kind)
		a.LastUpdated = time.Unix(0, updated)
		index[a.ID] = len(atoms)
		atoms = append(atoms, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	links, err := s.db.QueryContext(ctx, `SELECT from_id, to_id FROM atom_links ORDER BY from_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var from, to int64
		if err := links.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if i, ok := index[uint64(from)]; ok {
			atoms[i].Outgoing = append(atoms[i].Outgoing, uint64(to))
		}
	}
	return atoms, links.Err()
}

// SaveRules writes rule statistics keyed by condition and action.
func (s *SQLite) SaveRules(ctx context.Context, rules []healing.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO healing_rules (condition, action, prior_confidence, success_count, attempt_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(condition, action) DO UPDATE SET
				prior_confidence = excluded.prior_confidence,
				success_count = excluded.success_count,
				attempt_count = excluded.attempt_count,
				updated_at = excluded.updated_at`,
			r.Condition, r.Action.String(), r.PriorConfidence, int64(r.SuccessCount), int64(r.AttemptCount), now); err != nil {
			return fmt.Errorf("save rule %q: %w", r.Condition, err)
		}
	}
	return tx.Commit()
}

// LoadRules returns stored rule statistics. Rows with an unknown action are
// skipped.
func (s *SQLite) LoadRules(ctx context.Context) ([]healing.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT condition, action, prior_confidence, success_count, attempt_count
		FROM healing_rules ORDER BY condition, action`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []healing.Rule
	for rows.Next() {
		var (
			r                 healing.Rule
			action            string
			success, attempts int64
		)
		if err := rows.Scan(&r.Condition, &action, &r.PriorConfidence, &success, &attempts); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		a, err := healing.ParseAction(action)
		if err != nil {
			logging.StoreDebug("skipping rule %q: %v", r.Condition, err)
			continue
		}
		r.Action = a
		r.SuccessCount, r.AttemptCount = uint64(success), uint64(attempts)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Close closes the database. It is safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
