package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// SchemaVersion is the state.json layout this package reads and writes.
const SchemaVersion = "1"

// ErrUnsupportedSchema is returned for a state file written by another layout.
var ErrUnsupportedSchema = errors.New("unsupported state schema")

// FileStateStore persists AppState as one JSON document. Writes go through a
// temp file and a rename, keep the previous document as path+".bak", and hold
// an exclusive lock on path+".lock" so several trustgate processes can share
// the file. Reads take the lock shared.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a FileStateStore for path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	return &FileStateStore{
		path:   path,
		logger: logger,
	}
}

// Load reads the state file. A missing file yields DefaultState. A file that
// no longer parses is replaced in memory by the backup when one is readable.
func (s *FileStateStore) Load() (*AppState, error) {
	var st *AppState
	err := s.withLock(false, func() error {
		var err error
		st, err = s.read(s.path)
		return err
	})
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("state file not found, starting empty", "path", s.path)
		return s.DefaultState(), nil
	case errors.Is(err, ErrUnsupportedSchema):
		return nil, err
	}

	bak, bakErr := s.read(s.path + ".bak")
	if bakErr != nil {
		return nil, err
	}
	s.logger.Warn("state file unreadable, recovered from backup",
		"path", s.path, "error", err, "backup_updated_at", bak.UpdatedAt)
	return bak, nil
}

func (s *FileStateStore) read(path string) (*AppState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.checkMode(path)

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if st.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnsupportedSchema, st.Version, path)
	}
	return &st, nil
}

// checkMode warns when the file holding password hashes is group or world readable.
func (s *FileStateStore) checkMode(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		s.logger.Warn("state file is readable by other users, should be 0600",
			"path", path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}

// Save stamps the schema version and UpdatedAt, then writes st.
func (s *FileStateStore) Save(st *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Version = SchemaVersion
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	return s.withLock(true, func() error {
		if prev, err := os.ReadFile(s.path); err == nil {
			if err := os.WriteFile(s.path+".bak", prev, 0o600); err != nil {
				s.logger.Warn("failed to write state backup", "error", err)
			}
		}
		if err := s.replace(data); err != nil {
			return err
		}
		s.logger.Debug("state saved", "path", s.path, "users", len(st.Users), "roles", len(st.Roles))
		return nil
	})
}

// withLock runs fn holding the cross-process lock file.
func (s *FileStateStore) withLock(exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	lf, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lf.Close() }()

	if err := lockFD(lf.Fd(), exclusive); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() { _ = unlockFD(lf.Fd()) }()
	return fn()
}

// replace swaps data in for the state file via path+".tmp".
func (s *FileStateStore) replace(data []byte) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, s.path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		s.logger.Debug("state directory sync failed", "error", err)
	}
	return nil
}

// DefaultState returns an empty model stamped with the current time.
func (s *FileStateStore) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{
		Version:     SchemaVersion,
		Users:       []rbac.User{},
		Roles:       []rbac.Role{},
		Permissions: []rbac.Permission{},
		Assignments: []rbac.Assignment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Exists reports whether the state file is on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}
