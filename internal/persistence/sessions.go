// Package persistence stores the bridge's durable state: the session map
// that survives restarts, and the update journal behind the session viewer.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/acp-bridge/internal/bridge"
)

// sessionsDocument is the on-disk shape: one JSON object keyed by external
// session id. Unknown fields on entries are preserved across rewrites.
type sessionsDocument struct {
	Sessions map[string]json.RawMessage `json:"sessions"`
}

// SessionStore is a file-backed bridge.SessionStore. Every mutation
// rewrites the whole document atomically (write temp, fsync, rename);
// a single mutex serializes writers. Reads happen only at startup, so the
// document is also kept decoded in memory.
type SessionStore struct {
	path string

	mu  sync.Mutex
	doc sessionsDocument
}

// OpenSessionStore loads (or initializes) the session document at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	store := &SessionStore{
		path: path,
		doc:  sessionsDocument{Sessions: make(map[string]json.RawMessage)},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("persistence: read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &store.doc); err != nil {
			return nil, fmt.Errorf("persistence: parse %s: %w", path, err)
		}
	}
	if store.doc.Sessions == nil {
		store.doc.Sessions = make(map[string]json.RawMessage)
	}
	return store, nil
}

// Put inserts or replaces a session entry. Fields the current build does
// not model are preserved from the previous entry.
func (s *SessionStore) Put(session bridge.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := mergeUnknownFields(s.doc.Sessions[session.ExternalSessionID], session)
	if err != nil {
		return err
	}
	s.doc.Sessions[session.ExternalSessionID] = entry
	return s.writeLocked()
}

// Delete removes a session entry. Deleting a missing entry is a no-op.
func (s *SessionStore) Delete(externalSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Sessions[externalSessionID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, externalSessionID)
	return s.writeLocked()
}

// List returns every stored session.
func (s *SessionStore) List() ([]bridge.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bridge.PersistedSession, 0, len(s.doc.Sessions))
	for id, raw := range s.doc.Sessions {
		var ps bridge.PersistedSession
		if err := json.Unmarshal(raw, &ps); err != nil {
			return nil, fmt.Errorf("persistence: decode session %s: %w", id, err)
		}
		// Missing fields default; the key is authoritative for the id.
		if ps.ExternalSessionID == "" {
			ps.ExternalSessionID = id
		}
		out = append(out, ps)
	}
	return out, nil
}

// writeLocked rewrites the document: temp file, fsync, rename.
func (s *SessionStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persistence: rename: %w", err)
	}
	return nil
}

// mergeUnknownFields folds the typed session over the previous raw entry
// so fields written by newer builds survive a rewrite by this one.
func mergeUnknownFields(previous json.RawMessage, session bridge.PersistedSession) (json.RawMessage, error) {
	typed, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode session: %w", err)
	}
	if len(previous) == 0 {
		return typed, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(previous, &merged); err != nil {
		// A corrupt previous entry loses; the typed write wins.
		return typed, nil
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(typed, &update); err != nil {
		return nil, fmt.Errorf("persistence: re-encode session: %w", err)
	}
	for k, v := range update {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("persistence: merge session: %w", err)
	}
	return out, nil
}

var _ bridge.SessionStore = (*SessionStore)(nil)
