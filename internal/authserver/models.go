package authserver

import "time"

// DeviceSession tracks one in-flight device authorization attempt, keyed by
// the internally issued device code. The provider's own device code is never
// exposed to clients.
type DeviceSession struct {
	DeviceCode         string    `json:"device_code"`
	ClientID           string    `json:"client_id"`
	ProviderDeviceCode string    `json:"provider_device_code"`
	UserCode           string    `json:"user_code"`
	VerificationURI    string    `json:"verification_uri"`
	ExpiresAt          time.Time `json:"expires_at"`
	Interval           int       `json:"interval"` // poll interval in seconds

	// SessionToken is set exactly once when the provider reports success.
	// A session with a non-empty SessionToken is terminal.
	SessionToken string `json:"session_token,omitempty"`
}

// Resolved reports whether a session token has been attached.
func (s *DeviceSession) Resolved() bool {
	return s.SessionToken != ""
}

// SessionToken is an internally minted bearer credential. It wraps the
// provider's access token but has its own value, scopes and expiry.
type SessionToken struct {
	Token         string    `json:"token"`
	ProviderToken string    `json:"provider_token,omitempty"`
	ClientID      string    `json:"client_id"`
	Scopes        []string  `json:"scopes,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`

	// CodeChallenge is carried only for the authorization-code bridge; the
	// device flow leaves it empty.
	CodeChallenge string `json:"code_challenge,omitempty"`
}

// TemporaryCode maps a synthetic authorization code to a session token so a
// redirect-shaped exchange contract can be satisfied without a redirect.
// Single use: deleted on first exchange attempt.
type TemporaryCode struct {
	Code         string    `json:"code"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DeviceAuthorization is the bundle returned to a client that initiated a
// device flow, per RFC 8628 section 3.2.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// TokenResponse is the OAuth2 token response shape per RFC 8628 section 3.5.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Identity is the assertion produced by bearer verification.
type Identity struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}
