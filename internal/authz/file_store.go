package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the rule list in a JSON document. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// reader never observes a partial document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadRules(_ context.Context) (RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Version re-reads the document; the file may be shared with other
// processes.
func (s *FileStore) Version(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.read()
	if err != nil {
		return 0, err
	}
	return set.Version, nil
}

func (s *FileStore) InsertRule(_ context.Context, rule Rule, updatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.read()
	if err != nil {
		return err
	}
	set.Rules = append(set.Rules, rule)
	set.Version++
	set.UpdatedAt = updatedAt
	return s.write(set)
}

func (s *FileStore) DeleteRule(_ context.Context, id string, updatedAt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.read()
	if err != nil {
		return false, err
	}
	idx := indexOf(set.Rules, id)
	if idx < 0 {
		return false, nil
	}
	set.Rules = append(set.Rules[:idx:idx], set.Rules[idx+1:]...)
	set.Version++
	set.UpdatedAt = updatedAt
	return true, s.write(set)
}

func (s *FileStore) read() (RuleSet, error) {
	// #nosec G304 -- path is operator-configured.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return RuleSet{Rules: []Rule{}}, nil
	}
	if err != nil {
		return RuleSet{}, err
	}
	var set RuleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return RuleSet{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if set.Rules == nil {
		set.Rules = []Rule{}
	}
	return set, nil
}

func (s *FileStore) write(set RuleSet) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}
