// Package state persists the shared proxy state as a JSON document on a
// boot-cleared filesystem area. Three independent processes (both front
// ends and the idle daemon) read and replace the same record; the store
// therefore guarantees that a reader can never observe a partially written
// file, and that a missing or damaged record degrades to an empty state
// instead of an error.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avmitin/nsproxy/internal/domain"
)

// DefaultDir is the default state directory. /run is cleared on boot, which
// matches the lifetime of the namespaces the state describes.
const DefaultDir = "/run/nsproxy"

const stateFileName = "state.json"

// Store reads and atomically replaces the persisted [domain.ProxyState].
type Store struct {
	dir string
}

// New returns a store rooted at dir (DefaultDir if empty).
func New(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

// Dir returns the state directory; the lock directories live beside the
// state file.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the state file location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// Load reads the persisted state. A missing, unreadable, or structurally
// invalid record yields an empty state, never an error: the namespaces it
// described are rediscovered lazily through health checks. A record written
// by a newer schema is also treated as absent rather than guessed at.
func (s *Store) Load() domain.ProxyState {
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		return domain.NewProxyState()
	}

	var st domain.ProxyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.NewProxyState()
	}
	if st.SchemaVersion > domain.StateSchemaVersion {
		return domain.NewProxyState()
	}
	st.SchemaVersion = domain.StateSchemaVersion
	if st.Namespaces == nil {
		st.Namespaces = make(map[string]domain.NamespaceContext)
	}
	return st
}

// Save atomically replaces the persisted state: the record is written to a
// temporary file in the same directory, synced, and renamed into place, so
// concurrent readers see either the old or the new document.
func (s *Store) Save(st domain.ProxyState) error {
	st.SchemaVersion = domain.StateSchemaVersion

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort on the failure paths; the rename removes it on success.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Update loads the state, applies fn, and saves the result. It is a
// convenience for callers that already hold the per-slug lock; it does not
// provide its own cross-process serialization.
func (s *Store) Update(fn func(*domain.ProxyState) error) (domain.ProxyState, error) {
	st := s.Load()
	if err := fn(&st); err != nil {
		return st, err
	}
	if err := s.Save(st); err != nil {
		return st, err
	}
	return st, nil
}

// IsNotExist reports whether err is the state file missing. Exposed for
// diagnostics in the CLI status command.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
