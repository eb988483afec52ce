package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "session:"
	tokenPrefix   = "token:"
	codePrefix    = "code:"
)

// RedisStore implements Store on Redis. Entries carry a TTL matching their
// expiry, so Redis evicts them itself and the sweep methods have nothing
// to do.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveSession(ctx context.Context, session *DeviceSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session has already expired")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+session.DeviceCode, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	data, err := s.client.Get(ctx, sessionPrefix+deviceCode).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	var session DeviceSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, deviceCode string) error {
	if err := s.client.Del(ctx, sessionPrefix+deviceCode).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// maxTxRetries bounds optimistic-locking retries when a watched session key
// is modified mid-transaction.
const maxTxRetries = 3

func (s *RedisStore) AttachToken(ctx context.Context, deviceCode, token string) error {
	key := sessionPrefix + deviceCode
	attach := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionGone
			}
			return fmt.Errorf("getting session: %w", err)
		}
		var session DeviceSession
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("unmarshaling session: %w", err)
		}
		if session.Resolved() {
			return ErrSessionResolved
		}
		ttl := time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return ErrSessionGone
		}
		session.SessionToken = token
		out, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, attach, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("attaching token: contention on session %s", deviceCode)
}

func (s *RedisStore) TakeResolvedSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	key := sessionPrefix + deviceCode
	var taken *DeviceSession
	take := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("getting session: %w", err)
		}
		var session DeviceSession
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("unmarshaling session: %w", err)
		}
		if !session.Resolved() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		taken = &session
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		taken = nil
		err := s.client.Watch(ctx, take, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return taken, err
	}
	return nil, fmt.Errorf("taking session: contention on session %s", deviceCode)
}

func (s *RedisStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	// Redis evicts expired keys on its own.
	return 0, nil
}

func (s *RedisStore) Mint(ctx context.Context, providerToken, codeChallenge string, ttl time.Duration, clientID string, scopes []string) (*SessionToken, error) {
	value, err := generateSecureCode(TokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	token := &SessionToken{
		Token:         value,
		ProviderToken: providerToken,
		ClientID:      clientID,
		Scopes:        append([]string(nil), scopes...),
		ExpiresAt:     time.Now().Add(ttl),
		CodeChallenge: codeChallenge,
	}
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshaling session token: %w", err)
	}
	set, err := s.client.SetNX(ctx, tokenPrefix+value, data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("saving session token: %w", err)
	}
	if !set {
		panic(fmt.Sprintf("session token collision: %s", value))
	}
	return token, nil
}

func (s *RedisStore) GetToken(ctx context.Context, token string) (*SessionToken, error) {
	data, err := s.client.Get(ctx, tokenPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session token: %w", err)
	}
	var st SessionToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling session token: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) DeleteToken(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, tokenPrefix+token).Err(); err != nil {
		return fmt.Errorf("deleting session token: %w", err)
	}
	return nil
}

func (s *RedisStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) SaveCode(ctx context.Context, code *TemporaryCode) error {
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return errors.New("code has already expired")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling code: %w", err)
	}
	if err := s.client.Set(ctx, codePrefix+code.Code, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving code: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCode(ctx context.Context, code string) (*TemporaryCode, error) {
	data, err := s.client.Get(ctx, codePrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting code: %w", err)
	}
	var tc TemporaryCode
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("unmarshaling code: %w", err)
	}
	return &tc, nil
}

func (s *RedisStore) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, codePrefix+code).Err(); err != nil {
		return fmt.Errorf("deleting code: %w", err)
	}
	return nil
}
