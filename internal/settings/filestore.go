package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore is a Storage implementation backed by a single YAML file holding
// a flat string-to-string map. Every mutation rewrites the file through a
// temp-file rename so a crash never leaves a half-written store.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenFileStore loads (or creates) the store at path
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, values: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read settings store %s: %w", path, err)
		}
		return fs, nil
	}
	if err := yaml.Unmarshal(raw, &fs.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings store %s: %w", path, err)
	}
	if fs.values == nil {
		fs.values = make(map[string]string)
	}
	return fs, nil
}

func (fs *FileStore) flushLocked() error {
	raw, err := yaml.Marshal(fs.values)
	if err != nil {
		return fmt.Errorf("failed to marshal settings store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write settings store: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("failed to replace settings store: %w", err)
	}
	return nil
}

// Get returns the value stored under key
func (fs *FileStore) Get(key string) (string, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.values[key]
	return v, ok, nil
}

// Set stores value under key and flushes to disk
func (fs *FileStore) Set(key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.values[key] = value
	return fs.flushLocked()
}

// Delete removes key and flushes to disk. Deleting a missing key is a no-op.
func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.values[key]; !ok {
		return nil
	}
	delete(fs.values, key)
	return fs.flushLocked()
}

// Clear removes every key and flushes to disk
func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.values = make(map[string]string)
	return fs.flushLocked()
}

// Has reports whether key is present
func (fs *FileStore) Has(key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.values[key]
	return ok, nil
}

// DefaultStorePath returns the per-user settings store location
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config directory: %w", err)
	}
	return filepath.Join(dir, "bleterm", "settings.yaml"), nil
}
