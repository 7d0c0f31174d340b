package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchid-sh/orchid/pkg/models"
)

// SQLiteStore persists checkpoints in an SQLite database. WAL mode is
// enabled for concurrent reads; writes are serialized by the mutex, which
// matches the single-writer-per-task discipline the scheduler already
// enforces.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultPath returns the project-local checkpoint database path.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".orchid", "checkpoints.db")
}

// Open opens an SQLite checkpoint store at the given path, creating
// parent directories and applying migrations.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// migrate applies all pending schema migrations.
func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Checkpoints},
		{2, migrationV2Failures},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_task_id ON checkpoints(task_id);
`

const migrationV2Failures = `
CREATE TABLE IF NOT EXISTS failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_task_id ON failures(task_id);
`

// Save writes a checkpoint. Re-saving the latest sequence is a no-op;
// offering a sequence behind the latest returns ErrStaleSequence.
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	if cp.TaskID == "" {
		return errors.New("checkpoint task id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest sql.NullInt64
	row := s.conn.QueryRow("SELECT MAX(seq) FROM checkpoints WHERE task_id = ?", cp.TaskID)
	if err := row.Scan(&latest); err != nil {
		return fmt.Errorf("get latest sequence: %w", err)
	}
	if latest.Valid {
		if cp.Seq == latest.Int64 {
			return nil // idempotent re-save
		}
		if cp.Seq < latest.Int64 {
			return fmt.Errorf("%w: task %s seq %d < %d", ErrStaleSequence, cp.TaskID, cp.Seq, latest.Int64)
		}
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}

	at := cp.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.conn.Exec(`
		INSERT OR IGNORE INTO checkpoints (task_id, seq, state, created_at)
		VALUES (?, ?, ?, ?)
	`, cp.TaskID, cp.Seq, string(state), formatTime(at))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest checkpoint for a task.
func (s *SQLiteStore) Load(taskID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`
		SELECT task_id, seq, state, created_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, taskID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return cp, err
}

// Replay reconstructs the latest task state for a task.
func (s *SQLiteStore) Replay(taskID string) (*models.TaskState, error) {
	cp, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// ListLatest returns the latest checkpoint of every known task.
func (s *SQLiteStore) ListLatest() ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT c.task_id, c.seq, c.state, c.created_at
		FROM checkpoints c
		INNER JOIN (
			SELECT task_id, MAX(seq) AS max_seq FROM checkpoints GROUP BY task_id
		) latest ON c.task_id = latest.task_id AND c.seq = latest.max_seq
		ORDER BY c.task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// RecordFailure writes the terminal-failure audit record.
func (s *SQLiteStore) RecordFailure(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO failures (task_id, reason, created_at) VALUES (?, ?, ?)
	`, taskID, reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Failures returns all recorded failure audits for a task.
func (s *SQLiteStore) Failures(taskID string) ([]*FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT task_id, reason, created_at FROM failures WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []*FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var at string
		if err := rows.Scan(&rec.TaskID, &rec.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.CreatedAt, _ = parseTime(at)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Purge deletes all but the newest keep sequences per task. Returns the
// number of deleted rows.
func (s *SQLiteStore) Purge(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		DELETE FROM checkpoints
		WHERE (task_id, seq) NOT IN (
			SELECT task_id, seq FROM (
				SELECT task_id, seq,
					ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY seq DESC) AS rn
				FROM checkpoints
			) WHERE rn <= ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for scanCheckpoint.
type scanner interface {
	Scan(dest ...any) error
}

// scanCheckpoint reads one checkpoint row.
func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var state, at string
	if err := row.Scan(&cp.TaskID, &cp.Seq, &state, &at); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal task state: %w", err)
	}
	cp.CreatedAt, _ = parseTime(at)
	return &cp, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
