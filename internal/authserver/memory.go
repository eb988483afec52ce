package authserver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the default single-process backend: three independently
// mutex-guarded maps. Suitable for a single server instance; a load-balanced
// deployment needs the Redis backend instead.
type MemoryStore struct {
	sessionsMu sync.Mutex
	sessions   map[string]*DeviceSession

	tokensMu sync.Mutex
	tokens   map[string]*SessionToken

	codesMu sync.Mutex
	codes   map[string]*TemporaryCode
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*DeviceSession),
		tokens:   make(map[string]*SessionToken),
		codes:    make(map[string]*TemporaryCode),
	}
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *DeviceSession) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	cp := *session
	s.sessions[session.DeviceCode] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	session, ok := s.sessions[deviceCode]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, deviceCode string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, deviceCode)
	return nil
}

func (s *MemoryStore) AttachToken(ctx context.Context, deviceCode, token string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	session, ok := s.sessions[deviceCode]
	if !ok {
		return ErrSessionGone
	}
	if session.SessionToken != "" {
		return ErrSessionResolved
	}
	session.SessionToken = token
	return nil
}

func (s *MemoryStore) TakeResolvedSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	session, ok := s.sessions[deviceCode]
	if !ok || session.SessionToken == "" {
		return nil, nil
	}
	delete(s.sessions, deviceCode)
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	removed := 0
	for code, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, code)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Mint(ctx context.Context, providerToken, codeChallenge string, ttl time.Duration, clientID string, scopes []string) (*SessionToken, error) {
	value, err := generateSecureCode(TokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	if _, exists := s.tokens[value]; exists {
		panic(fmt.Sprintf("session token collision: %s", value))
	}

	token := &SessionToken{
		Token:         value,
		ProviderToken: providerToken,
		ClientID:      clientID,
		Scopes:        append([]string(nil), scopes...),
		ExpiresAt:     time.Now().Add(ttl),
		CodeChallenge: codeChallenge,
	}
	s.tokens[value] = token
	cp := *token
	return &cp, nil
}

func (s *MemoryStore) GetToken(ctx context.Context, token string) (*SessionToken, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	st, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) DeleteToken(ctx context.Context, token string) error {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *MemoryStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	removed := 0
	for value, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			delete(s.tokens, value)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveCode(ctx context.Context, code *TemporaryCode) error {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

func (s *MemoryStore) GetCode(ctx context.Context, code string) (*TemporaryCode, error) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	tc, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	cp := *tc
	return &cp, nil
}

func (s *MemoryStore) DeleteCode(ctx context.Context, code string) error {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	delete(s.codes, code)
	return nil
}

func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
