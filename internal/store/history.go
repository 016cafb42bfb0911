package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite WASM build

	"github.com/weftworks/weft/internal/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// History archives terminal sessions and their workflow runs in SQLite so
// completed work survives eviction from the capped in-memory history.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and migrates) the archive database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

// runMigrations applies the embedded *.up.sql scripts in filename order,
// tracking applied versions so reopening an existing database is a no-op.
// The scripts run over the database's own connection, which keeps the
// archive on a single SQLite driver.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("preparing migration table: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("listing embedded migrations: %w", err)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(filepath.Base(name), ".up.sql")
		var seen int
		if err := db.QueryRow(
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version,
		).Scan(&seen); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if seen > 0 {
			continue
		}

		script, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if _, err := db.Exec(string(script)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		applied++
	}

	log.Debug(log.CatStore, "History database migrated", "applied", applied)
	return nil
}

// Close closes the archive database.
func (h *History) Close() error { return h.db.Close() }

// Archive upserts a terminal session and its workflow history.
func (h *History) Archive(sess *Session) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, requirement, status, plan_count, record, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   plan_count = excluded.plan_count,
		   record = excluded.record,
		   completed_at = excluded.completed_at`,
		sess.ID, sess.Requirement, string(sess.Status), len(sess.Plans),
		string(record), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}

	for _, wf := range sess.Workflows {
		_, err = tx.Exec(
			`INSERT INTO workflows (id, session_id, graph, success, error, started_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			wf.ID, sess.ID, wf.Graph, wf.Success, wf.Error, wf.StartedAt, wf.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("archiving workflow %s: %w", wf.ID, err)
		}
	}

	return tx.Commit()
}

// CompletedSessions returns archived completed sessions, newest first.
// limit <= 0 means no limit.
func (h *History) CompletedSessions(limit int) ([]*Session, error) {
	query := `SELECT record FROM sessions WHERE status = ? ORDER BY completed_at DESC`
	args := []any{string(StatusCompleted)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archived sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scanning archived session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(record), &sess); err != nil {
			// Skip corrupt rows rather than failing the whole read.
			log.Warn(log.CatStore, "Skipping corrupt archive row", "error", err)
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// WorkflowRuns returns the archived workflow history for a session.
func (h *History) WorkflowRuns(sessionID string) ([]WorkflowRef, error) {
	rows, err := h.db.Query(
		`SELECT id, graph, success, error, started_at, ended_at
		 FROM workflows WHERE session_id = ? ORDER BY started_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying workflow runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRef
	for rows.Next() {
		var ref WorkflowRef
		var started, ended time.Time
		if err := rows.Scan(&ref.ID, &ref.Graph, &ref.Success, &ref.Error, &started, &ended); err != nil {
			return nil, fmt.Errorf("scanning workflow run: %w", err)
		}
		ref.StartedAt = started
		ref.EndedAt = ended
		out = append(out, ref)
	}
	return out, rows.Err()
}
