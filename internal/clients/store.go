// Package clients implements the durable OAuth client registry: a JSON file
// loaded at startup and rewritten on every registration.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates an unknown client identifier.
var ErrNotFound = errors.New("client not found")

// Registration is one OAuth client registration. The client identifier is
// minted at registration time and never changes.
type Registration struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	GrantTypes   []string  `json:"grant_types,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is a file-backed client registry with load-at-startup and
// save-on-write semantics.
type Store struct {
	path string

	mu      sync.Mutex
	clients map[string]*Registration
}

// NewStore loads the registry from path. A missing file starts an empty
// registry; it is created on the first write.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		clients: make(map[string]*Registration),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading client registry: %w", err)
	}

	var regs []*Registration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("parsing client registry: %w", err)
	}
	for _, reg := range regs {
		s.clients[reg.ClientID] = reg
	}
	return s, nil
}

// Register mints a client identifier for the given metadata and persists the
// registration.
func (s *Store) Register(name string, redirectURIs, grantTypes []string) (*Registration, error) {
	reg := &Registration{
		ClientID:     uuid.NewString(),
		ClientName:   name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		GrantTypes:   append([]string(nil), grantTypes...),
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[reg.ClientID] = reg
	if err := s.save(); err != nil {
		delete(s.clients, reg.ClientID)
		return nil, err
	}
	cp := *reg
	return &cp, nil
}

// Get returns the registration for clientID.
func (s *Store) Get(clientID string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

// Len returns the number of registrations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// save writes the registry atomically. Callers hold s.mu.
func (s *Store) save() error {
	regs := make([]*Registration, 0, len(s.clients))
	for _, reg := range s.clients {
		regs = append(regs, reg)
	}
	data, err := json.MarshalIndent(regs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling client registry: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing client registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing client registry: %w", err)
	}
	return nil
}
