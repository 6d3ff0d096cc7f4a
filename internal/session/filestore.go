package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vigil/internal/logging"
)

// FileStore keeps the subject→session bindings in one JSON file. Every
// mutation rewrites the whole file through a rename, so a crash can never
// leave a torn entry behind.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger logging.Logger
}

// NewFileStore returns a store backed by path. A leading ~/ expands to the
// user's home directory; parent directories are created on demand.
func NewFileStore(path string, logger logging.Logger) *FileStore {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	return &FileStore{
		path:   path,
		logger: logging.OrNop(logger),
	}
}

func (s *FileStore) Get(subjectKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings, err := s.load()
	if err != nil {
		return "", false, err
	}
	id, ok := bindings[subjectKey]
	return id, ok, nil
}

func (s *FileStore) Set(subjectKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings, err := s.load()
	if err != nil {
		return err
	}
	bindings[subjectKey] = sessionID
	return s.save(bindings)
}

func (s *FileStore) Delete(subjectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings, err := s.load()
	if err != nil {
		return err
	}
	delete(bindings, subjectKey)
	return s.save(bindings)
}

func (s *FileStore) All() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read session bindings: %w", err)
	}
	bindings := make(map[string]string)
	if err := json.Unmarshal(data, &bindings); err != nil {
		// A corrupt file should not brick the client; start over and keep
		// the old content out of the way.
		s.logger.Warn("session binding file %s is corrupt, resetting: %v", s.path, err)
		return make(map[string]string), nil
	}
	return bindings, nil
}

func (s *FileStore) save(bindings map[string]string) error {
	data, err := json.MarshalIndent(bindings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session bindings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session bindings: %w", err)
	}
	return nil
}
