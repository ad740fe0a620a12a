// Package store persists per-session state to disk so sessions can survive
// a process restart. Every file is written with a temp-file-plus-rename so
// a crash mid-write never leaves a half-written record on disk.
package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"shelltender/internal/apperr"
	"shelltender/internal/logging"
	"shelltender/internal/metrics"
)

// Session mirrors the spawn-time metadata of a PTY session, independent of
// any live process handle.
type Session struct {
	ID             string            `json:"id"`
	CreatedAt      int64             `json:"createdAt"`
	LastAccessedAt int64             `json:"lastAccessedAt"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	Locked         bool              `json:"locked"`
	Restrictions   *Restrictions     `json:"restrictions,omitempty"`
}

// Restrictions describes an optional restricted-shell wrapper applied at
// spawn time.
type Restrictions struct {
	AllowedRoot     string   `json:"allowedRoot,omitempty"`
	BlockedCommands []string `json:"blockedCommands,omitempty"`
	ReadOnly        bool     `json:"readOnly,omitempty"`
}

// PatternRecord is the persisted form of a registered pattern (without its
// compiled matcher, which is rebuilt on load).
type PatternRecord struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Pattern string          `json:"pattern"`
	Options json.RawMessage `json:"options,omitempty"`
}

// StoredSession is the on-disk record for one session: its metadata, the
// last known buffer snapshot, and its registered patterns.
type StoredSession struct {
	Session  Session         `json:"session"`
	Buffer   []byte          `json:"buffer"`
	Cwd      string          `json:"cwd"`
	Env      map[string]string `json:"env"`
	Patterns []PatternRecord `json:"patterns,omitempty"`
}

// Store is a durable map from session id to StoredSession, backed by one
// JSON file per session under dataDir.
type Store struct {
	dataDir string

	mu sync.Mutex
	// lastWritten tracks, per session id, the bytes last written by
	// updateBuffer so repeated identical buffers are no-ops.
	lastWritten map[string][]byte
}

// New constructs a Store rooted at dataDir. Call Init before any other
// method.
func New(dataDir string) *Store {
	return &Store{
		dataDir:     dataDir,
		lastWritten: make(map[string][]byte),
	}
}

// Init creates the storage directory if it does not exist. Errors here are
// fatal: callers should not proceed without a writable store.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return apperr.Wrap(apperr.StorageError, "create data directory", err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// Save performs an atomic-replace write of the full session record.
func (s *Store) Save(id string, session Session, buffer []byte, cwd string) error {
	rec := StoredSession{
		Session: session,
		Buffer:  append([]byte(nil), buffer...),
		Cwd:     cwd,
		Env:     session.Env,
	}
	if existing, err := s.Load(id); err == nil && existing != nil {
		rec.Patterns = existing.Patterns
	}
	if err := s.writeAtomic(id, rec); err != nil {
		metrics.Get().StoreErrorsTotal.WithLabelValues("save").Inc()
		return err
	}
	metrics.Get().StoreWritesTotal.WithLabelValues("save").Inc()
	s.mu.Lock()
	s.lastWritten[id] = rec.Buffer
	s.mu.Unlock()
	return nil
}

// Load reads one session's record, returning (nil, nil) if it does not
// exist.
func (s *Store) Load(id string) (*StoredSession, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.StorageError, "read session record", err)
	}
	var rec StoredSession
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "decode session record", err)
	}
	return &rec, nil
}

// LoadAll scans the data directory and returns every well-formed record,
// keyed by session id. Malformed records are logged and skipped; they
// never abort startup.
func (s *Store) LoadAll() map[string]*StoredSession {
	out := make(map[string]*StoredSession)
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L().Warn("session store: read data directory failed", zap.Error(err))
		}
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		rec, err := s.Load(id)
		if err != nil || rec == nil {
			logging.L().Warn("session store: skipping malformed record", zap.String("session_id", id))
			continue
		}
		out[id] = rec
		s.mu.Lock()
		s.lastWritten[id] = append([]byte(nil), rec.Buffer...)
		s.mu.Unlock()
	}
	return out
}

// Delete removes one session's record. Missing files are not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		metrics.Get().StoreErrorsTotal.WithLabelValues("delete").Inc()
		return apperr.Wrap(apperr.StorageError, "delete session record", err)
	}
	s.mu.Lock()
	delete(s.lastWritten, id)
	s.mu.Unlock()
	return nil
}

// DeleteAll removes every record under the data directory.
func (s *Store) DeleteAll() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.StorageError, "read data directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		if err := s.Delete(id); err != nil {
			logging.L().Warn("session store: failed deleting record during deleteAll", zap.String("session_id", id))
		}
	}
	return nil
}

// UpdateBuffer persists a new buffer snapshot for a session, no-oping if
// the bytes are identical to the last write (prevents write amplification
// from idle sessions that are periodically re-snapshotted).
func (s *Store) UpdateBuffer(id string, buffer []byte) error {
	s.mu.Lock()
	prev, ok := s.lastWritten[id]
	s.mu.Unlock()
	if ok && bytes.Equal(prev, buffer) {
		metrics.Get().StoreWriteSkipped.Inc()
		return nil
	}

	rec, err := s.Load(id)
	if err != nil {
		metrics.Get().StoreErrorsTotal.WithLabelValues("update_buffer").Inc()
		return err
	}
	if rec == nil {
		// Nothing to update onto; silently skip per the "swallow write
		// errors, recover on next success" failure policy.
		return nil
	}
	rec.Buffer = append([]byte(nil), buffer...)
	if err := s.writeAtomic(id, *rec); err != nil {
		metrics.Get().StoreErrorsTotal.WithLabelValues("update_buffer").Inc()
		return err
	}
	metrics.Get().StoreWritesTotal.WithLabelValues("update_buffer").Inc()
	s.mu.Lock()
	s.lastWritten[id] = rec.Buffer
	s.mu.Unlock()
	return nil
}

// SavePatterns persists the registered-pattern set for a session.
func (s *Store) SavePatterns(id string, patterns []PatternRecord) error {
	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.Patterns = patterns
	if err := s.writeAtomic(id, *rec); err != nil {
		metrics.Get().StoreErrorsTotal.WithLabelValues("save_patterns").Inc()
		return err
	}
	metrics.Get().StoreWritesTotal.WithLabelValues("save_patterns").Inc()
	return nil
}

// GetPatterns returns the persisted pattern set for a session, or nil if
// the session has no record.
func (s *Store) GetPatterns(id string) ([]PatternRecord, error) {
	rec, err := s.Load(id)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Patterns, nil
}

// writeAtomic marshals rec to pretty-printed JSON and replaces the target
// file via write-temp-then-rename, so a reader never observes a partial
// write. This narrow durability concern has no ecosystem library in play
// here; it is five lines of os/ioutil idiom, not a component worth a
// dependency.
func (s *Store) writeAtomic(id string, rec StoredSession) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "encode session record", err)
	}

	tmp, err := os.CreateTemp(s.dataDir, id+".json.tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.StorageError, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.StorageError, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.StorageError, "close temp file", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return apperr.Wrap(apperr.StorageError, "chmod temp file", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return apperr.Wrap(apperr.StorageError, "rename temp file into place", err)
	}
	return nil
}
