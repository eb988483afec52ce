package authserver

import "errors"

// OAuth error codes used on the wire. The client polling loop branches on
// these, so provider errors are passed through with their original codes
// rather than being translated.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnsupportedGrant     = "unsupported_grant_type"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
)

// Common errors returned by the engine and stores
var (
	// ErrInvalidClient indicates an unknown client identifier
	ErrInvalidClient = errors.New("unknown client")

	// ErrInvalidToken indicates an unknown bearer token
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates a bearer token past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrNotSupported marks operations that are deliberately unimplemented
	// (refresh-token exchange, token revocation)
	ErrNotSupported = errors.New("operation not supported")

	// ErrSessionGone indicates the session disappeared between store
	// operations, typically because a concurrent poll consumed it
	ErrSessionGone = errors.New("session no longer exists")

	// ErrSessionResolved indicates a session token is already attached, so
	// a second attach lost the race
	ErrSessionResolved = errors.New("session already resolved")
)

// AuthError carries an OAuth error code and description through the engine
// so handlers can serialize it per RFC 8628 section 3.5 without guessing.
type AuthError struct {
	Code        string
	Description string
}

// NewAuthError creates an AuthError with the given code and description.
func NewAuthError(code, description string) *AuthError {
	return &AuthError{Code: code, Description: description}
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// IsAuthCode reports whether err is an AuthError carrying the given OAuth
// error code.
func IsAuthCode(err error, code string) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}
