package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
	_ "github.com/mattn/go-sqlite3"
)

const journalSchemaVersion = 1

const journalSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_session ON updates(external_session_id, id);
`

// JournalEntry is one recorded update.
type JournalEntry struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"external_session_id"`
	Update    bridge.Update `json:"update"`
	CreatedAt time.Time     `json:"created_at"`
}

// Journal is a sqlite-backed record of every update delivered to an
// adapter, keyed by external session id. It feeds the session viewer;
// writes are best-effort from the router's point of view.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, journalSchemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: stamp schema: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("journal: read schema version: %w", err)
	case version > journalSchemaVersion:
		db.Close()
		return nil, fmt.Errorf("journal: database written by newer build (version %d)", version)
	}

	return &Journal{db: db}, nil
}

// Append records one update.
func (j *Journal) Append(externalSessionID string, update bridge.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("journal: encode update: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.Exec(
		`INSERT INTO updates (external_session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		externalSessionID, update.Kind, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Entries returns a session's updates in insertion order. limit <= 0 means
// all entries.
func (j *Journal) Entries(externalSessionID string, limit int) ([]JournalEntry, error) {
	query := `SELECT id, external_session_id, payload, created_at FROM updates WHERE external_session_id = ? ORDER BY id`
	args := []any{externalSessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payload, createdAt string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Update); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", entry.ID, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = ts
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// DeleteSession drops a session's journal entries.
func (j *Journal) DeleteSession(externalSessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`DELETE FROM updates WHERE external_session_id = ?`, externalSessionID)
	if err != nil {
		return fmt.Errorf("journal: delete session: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ bridge.UpdateJournal = (*Journal)(nil)
