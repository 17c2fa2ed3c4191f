package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	sha        TEXT NOT NULL,
	resolved   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_updated ON results(updated_at);
`

// SQLiteStore keeps results in a SQLite database, one row per key with
// the result encoded as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createResultsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the result stored under key.
func (s *SQLiteStore) Get(key string) (*IterationResult, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM results WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying history: %w", err)
	}
	var r IterationResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, false, fmt.Errorf("decoding history row %s: %w", key, err)
	}
	return &r, true, nil
}

// Put replaces the result stored under result.Key.
func (s *SQLiteStore) Put(result *IterationResult) error {
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO results (key, kind, sha, resolved, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			sha = excluded.sha,
			resolved = excluded.resolved,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		result.Key, string(result.Kind), result.SHA, result.Resolved, result.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("storing history: %w", err)
	}
	return tx.Commit()
}

// List returns every stored result, oldest update first.
func (s *SQLiteStore) List() ([]*IterationResult, error) {
	rows, err := s.db.Query(`SELECT key, data FROM results ORDER BY updated_at, key`)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*IterationResult
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var r IterationResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decoding history row %s: %w", key, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
