// Package provider integrates the upstream identity provider's device
// authorization grant: requesting device codes, polling for tokens and
// fetching the authorized user's identity.
package provider

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by providers
var (
	// ErrUnavailable indicates a network failure or a non-OAuth provider
	// response. The server engine never retries; retry policy belongs to
	// the client's polling loop.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// OAuth error codes defined by RFC 8628 section 3.5 that the polling
// branches recognize.
const (
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
)

// OAuthError is a provider-reported OAuth error, preserved verbatim so the
// caller can pass it through to polling clients.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// DeviceGrant is the provider's device authorization response per RFC 8628
// section 3.2.
type DeviceGrant struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Token is a provider-issued access token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// User is the minimal identity assertion the provider exposes for an access
// token.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Provider defines the three upstream calls the authorization engine makes.
type Provider interface {
	// RequestDeviceCode starts a device authorization for the configured
	// client credential and the given scope.
	RequestDeviceCode(ctx context.Context, scope string) (*DeviceGrant, error)

	// PollDeviceToken polls the token endpoint with the provider's device
	// code. Pending, slow-down and terminal states surface as *OAuthError.
	PollDeviceToken(ctx context.Context, deviceCode string) (*Token, error)

	// UserIdentity exchanges an access token for the authorized user.
	UserIdentity(ctx context.Context, accessToken string) (*User, error)
}
