// Package headless implements the client side of the device authorization
// flow: requesting a device code from the server and polling until the user
// completes verification in a browser somewhere else.
package headless

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Keys for locally persisted client state. Each is an independent key-value
// entry so a later process invocation can resume with whatever it has.
const (
	KeyServerURL    = "server_url"
	KeySessionToken = "session_token"
	KeyDeviceCode   = "device_code"
)

// StateStore persists small key-value entries across process invocations.
type StateStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// FileState is a StateStore on a JSON file.
type FileState struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// NewFileState loads state from path, starting empty if the file is absent.
func NewFileState(path string) (*FileState, error) {
	s := &FileState{
		path:    path,
		entries: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return s, nil
}

func (s *FileState) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.entries[key]
	return value, ok
}

func (s *FileState) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return s.save()
}

func (s *FileState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return s.save()
}

// save writes the state file atomically. Callers hold s.mu.
func (s *FileState) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// MemoryState is a StateStore for tests.
type MemoryState struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryState creates an empty in-memory state store.
func NewMemoryState() *MemoryState {
	return &MemoryState{entries: make(map[string]string)}
}

func (s *MemoryState) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.entries[key]
	return value, ok
}

func (s *MemoryState) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *MemoryState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
