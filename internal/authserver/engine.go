package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/asibyl/mcp-oauth-server/internal/provider"
)

const (
	// DefaultTokenTTL is the validity window of minted session tokens.
	DefaultTokenTTL = time.Hour

	// DefaultCodeTTL is the validity window of temporary authorization
	// codes. Short by design: the consumer exchanges it immediately.
	DefaultCodeTTL = 30 * time.Second
)

// Engine orchestrates device sessions, session tokens and the
// authorization-code bridge against one identity provider.
type Engine struct {
	store    Store
	provider provider.Provider
	oauth    *oauth2.Config
	logger   *slog.Logger
	tokenTTL time.Duration
	codeTTL  time.Duration
	now      func() time.Time
}

// Option configures the engine
type Option func(*Engine)

// WithTokenTTL sets the session token validity window.
func WithTokenTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.tokenTTL = d
	}
}

// WithCodeTTL sets the temporary authorization code validity window.
func WithCodeTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.codeTTL = d
	}
}

// WithOAuthConfig enables the browser-redirect bridge leg. Without it the
// authorize and callback operations fail with ErrNotSupported.
func WithOAuthConfig(cfg *oauth2.Config) Option {
	return func(e *Engine) {
		e.oauth = cfg
	}
}

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the engine's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an authorization engine backed by the given store and
// identity provider.
func NewEngine(store Store, p provider.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		provider: p,
		logger:   slog.Default(),
		tokenTTL: DefaultTokenTTL,
		codeTTL:  DefaultCodeTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitiateDeviceFlow starts a device authorization on behalf of clientID.
// The caller is responsible for validating clientID against the client
// registry first. The returned device code is internal; the provider's own
// device code never leaves the session store.
func (e *Engine) InitiateDeviceFlow(ctx context.Context, clientID string) (*DeviceAuthorization, error) {
	grant, err := e.provider.RequestDeviceCode(ctx, "")
	if err != nil {
		var oauthErr *provider.OAuthError
		if errors.As(err, &oauthErr) {
			return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, oauthErr)
		}
		return nil, fmt.Errorf("requesting device code: %w", err)
	}

	deviceCode, err := generateSecureCode(DeviceCodeBytes)
	if err != nil {
		return nil, fmt.Errorf("generating device code: %w", err)
	}

	session := &DeviceSession{
		DeviceCode:         deviceCode,
		ClientID:           clientID,
		ProviderDeviceCode: grant.DeviceCode,
		UserCode:           grant.UserCode,
		VerificationURI:    grant.VerificationURI,
		ExpiresAt:          e.now().Add(time.Duration(grant.ExpiresIn) * time.Second),
		Interval:           grant.Interval,
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	e.logger.Info("device flow initiated",
		"client_id", clientID,
		"user_code", grant.UserCode,
		"expires_in", grant.ExpiresIn)

	return &DeviceAuthorization{
		DeviceCode:              deviceCode,
		UserCode:                grant.UserCode,
		VerificationURI:         grant.VerificationURI,
		VerificationURIComplete: composeVerificationURI(grant.VerificationURI, grant.UserCode),
		ExpiresIn:               grant.ExpiresIn,
		Interval:                grant.Interval,
	}, nil
}

// CheckDeviceCodeStatus performs one idempotent status poll for an internal
// device code on behalf of clientID, which must be the client the code was
// issued to. Provider polling states pass through verbatim as AuthError
// values so clients can branch on the OAuth error vocabulary. Sessions
// resolve at most once: the token attach is an atomic store operation, and a
// resolving poll that loses the race discards its mint and delivers the
// winner's token instead. A resolved session delivers its token to exactly
// one caller.
func (e *Engine) CheckDeviceCodeStatus(ctx context.Context, deviceCode, clientID string) (*TokenResponse, error) {
	session, err := e.store.GetSession(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if session == nil {
		return nil, NewAuthError(ErrorCodeInvalidGrant, "unknown device code")
	}
	if session.ClientID != clientID {
		return nil, NewAuthError(ErrorCodeInvalidGrant, "device code was issued to a different client")
	}

	if e.now().After(session.ExpiresAt) {
		if err := e.store.DeleteSession(ctx, deviceCode); err != nil {
			e.logger.Error("deleting expired session", "error", err)
		}
		return nil, NewAuthError(ErrorCodeExpiredToken, "device code expired")
	}

	if session.Resolved() {
		return e.deliverResolvedSession(ctx, deviceCode)
	}

	providerToken, err := e.provider.PollDeviceToken(ctx, session.ProviderDeviceCode)
	if err != nil {
		var oauthErr *provider.OAuthError
		if errors.As(err, &oauthErr) {
			if oauthErr.Code == provider.ErrorCodeExpiredToken {
				if derr := e.store.DeleteSession(ctx, deviceCode); derr != nil {
					e.logger.Error("deleting expired session", "error", derr)
				}
			}
			return nil, NewAuthError(oauthErr.Code, oauthErr.Description)
		}
		return nil, fmt.Errorf("polling provider: %w", err)
	}

	token, err := e.store.Mint(ctx, providerToken.AccessToken, "", e.tokenTTL, session.ClientID, splitScopes(providerToken.Scope))
	if err != nil {
		return nil, fmt.Errorf("minting session token: %w", err)
	}

	if err := e.store.AttachToken(ctx, deviceCode, token.Token); err != nil {
		// A concurrent poll resolved or consumed this session first.
		// Discard our mint so exactly one token per grant survives.
		if derr := e.store.DeleteToken(ctx, token.Token); derr != nil {
			e.logger.Error("discarding losing token", "error", derr)
		}
		switch {
		case errors.Is(err, ErrSessionResolved):
			return e.deliverResolvedSession(ctx, deviceCode)
		case errors.Is(err, ErrSessionGone):
			return nil, NewAuthError(ErrorCodeInvalidGrant, "unknown device code")
		default:
			return nil, fmt.Errorf("attaching token to session: %w", err)
		}
	}

	e.logger.Info("device flow resolved", "client_id", session.ClientID)
	return e.tokenResponse(token)
}

// deliverResolvedSession hands out a resolved session's attached token.
// TakeResolvedSession is exclusive, so exactly one of any set of concurrent
// polls obtains the session; the rest see an unknown grant.
func (e *Engine) deliverResolvedSession(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	session, err := e.store.TakeResolvedSession(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}
	if session == nil {
		return nil, NewAuthError(ErrorCodeInvalidGrant, "unknown device code")
	}
	token, err := e.store.GetToken(ctx, session.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("getting session token: %w", err)
	}
	if token == nil {
		// Token already swept; the grant is gone.
		return nil, NewAuthError(ErrorCodeInvalidGrant, "unknown device code")
	}
	return e.tokenResponse(token)
}

// VerifyAccessToken validates a bearer credential and produces an identity
// assertion. Expired tokens are evicted on read.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*Identity, error) {
	st, err := e.store.GetToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("getting session token: %w", err)
	}
	if st == nil {
		return nil, ErrInvalidToken
	}
	if e.now().After(st.ExpiresAt) {
		if derr := e.store.DeleteToken(ctx, token); derr != nil {
			e.logger.Error("evicting expired token", "error", derr)
		}
		return nil, ErrTokenExpired
	}
	return &Identity{
		Token:     st.Token,
		ClientID:  st.ClientID,
		Scopes:    st.Scopes,
		ExpiresAt: st.ExpiresAt,
	}, nil
}

// UserInfo resolves a bearer credential to the provider-side user identity.
// This is a call-through: the engine only supplies the wrapped provider
// token. Expired tokens are evicted on read, same as VerifyAccessToken.
func (e *Engine) UserInfo(ctx context.Context, token string) (*provider.User, error) {
	st, err := e.store.GetToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("getting session token: %w", err)
	}
	if st == nil {
		return nil, ErrInvalidToken
	}
	if e.now().After(st.ExpiresAt) {
		if derr := e.store.DeleteToken(ctx, token); derr != nil {
			e.logger.Error("evicting expired token", "error", derr)
		}
		return nil, ErrTokenExpired
	}
	return e.provider.UserIdentity(ctx, st.ProviderToken)
}

// AuthorizeURL builds the provider redirect for the legacy browser leg.
func (e *Engine) AuthorizeURL(state string) (string, error) {
	if e.oauth == nil {
		return "", ErrNotSupported
	}
	return e.oauth.AuthCodeURL(state), nil
}

// CompleteCallback finishes the legacy browser leg: exchanges the provider's
// authorization code, mints a session token and issues a temporary code the
// consumer can exchange without a redirect having reached it.
func (e *Engine) CompleteCallback(ctx context.Context, providerCode, clientID, codeChallenge string) (string, error) {
	if e.oauth == nil {
		return "", ErrNotSupported
	}

	providerToken, err := e.oauth.Exchange(ctx, providerCode)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %v", provider.ErrUnavailable, err)
	}

	scopes, _ := providerToken.Extra("scope").(string)
	token, err := e.store.Mint(ctx, providerToken.AccessToken, codeChallenge, e.tokenTTL, clientID, splitScopes(scopes))
	if err != nil {
		return "", fmt.Errorf("minting session token: %w", err)
	}

	code, err := generateSecureCode(TempCodeBytes)
	if err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	tc := &TemporaryCode{
		Code:         code,
		SessionToken: token.Token,
		ExpiresAt:    e.now().Add(e.codeTTL),
	}
	if err := e.store.SaveCode(ctx, tc); err != nil {
		return "", fmt.Errorf("saving authorization code: %w", err)
	}

	e.logger.Info("authorization code issued", "client_id", clientID)
	return code, nil
}

// ChallengeForAuthorizationCode returns the code challenge recorded for the
// session token behind a temporary code. Expired codes are deleted on read.
func (e *Engine) ChallengeForAuthorizationCode(ctx context.Context, code string) (string, error) {
	tc, err := e.lookupCode(ctx, code)
	if err != nil {
		return "", err
	}
	token, err := e.store.GetToken(ctx, tc.SessionToken)
	if err != nil {
		return "", fmt.Errorf("getting session token: %w", err)
	}
	if token == nil {
		return "", NewAuthError(ErrorCodeInvalidGrant, "authorization code no longer valid")
	}
	return token.CodeChallenge, nil
}

// ExchangeAuthorizationCode consumes a temporary code and returns the
// referenced session token in OAuth token-response shape. The code is
// single-use: it is deleted before the outcome is known.
func (e *Engine) ExchangeAuthorizationCode(ctx context.Context, code string) (*TokenResponse, error) {
	tc, err := e.lookupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if derr := e.store.DeleteCode(ctx, code); derr != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", derr)
	}

	token, err := e.store.GetToken(ctx, tc.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("getting session token: %w", err)
	}
	if token == nil {
		return nil, NewAuthError(ErrorCodeInvalidGrant, "authorization code no longer valid")
	}
	return e.tokenResponse(token)
}

// ExchangeRefreshToken is deliberately unimplemented: minted refresh tokens
// are placeholders that are never tracked.
func (e *Engine) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return nil, ErrNotSupported
}

// RevokeToken is deliberately unimplemented.
func (e *Engine) RevokeToken(ctx context.Context, token string) error {
	return ErrNotSupported
}

// CheckHealth verifies the engine's storage backend is healthy.
func (e *Engine) CheckHealth(ctx context.Context) error {
	return e.store.CheckHealth(ctx)
}

func (e *Engine) lookupCode(ctx context.Context, code string) (*TemporaryCode, error) {
	tc, err := e.store.GetCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("getting authorization code: %w", err)
	}
	if tc == nil {
		return nil, NewAuthError(ErrorCodeInvalidGrant, "unknown authorization code")
	}
	if e.now().After(tc.ExpiresAt) {
		if derr := e.store.DeleteCode(ctx, code); derr != nil {
			e.logger.Error("deleting expired code", "error", derr)
		}
		return nil, NewAuthError(ErrorCodeInvalidGrant, "authorization code expired")
	}
	return tc, nil
}

// tokenResponse renders a session token in OAuth token-response shape. The
// refresh token is a freshly generated placeholder that is never tracked; a
// refresh exchange always fails with ErrNotSupported.
func (e *Engine) tokenResponse(token *SessionToken) (*TokenResponse, error) {
	refresh, err := generateSecureCode(TokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}
	expiresIn := int(token.ExpiresAt.Sub(e.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &TokenResponse{
		AccessToken:  token.Token,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refresh,
		Scope:        strings.Join(token.Scopes, " "),
	}, nil
}

// splitScopes parses a provider scope string. GitHub separates scopes with
// commas, other providers with spaces.
func splitScopes(scope string) []string {
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
