// Package main implements the device-flow authorization server for headless
// MCP clients, fronting GitHub's device authorization grant.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asibyl/mcp-oauth-server/internal/authserver"
	"github.com/asibyl/mcp-oauth-server/internal/provider"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Health check handler
func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Version: Version,
		}
		if err := s.engine.CheckHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, resp)
	}
}

// Dynamic client registration handler
func (s *server) handleRegister() http.HandlerFunc {
	type registerRequest struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris,omitempty"`
		GrantTypes   []string `json:"grant_types,omitempty"`
	}
	type registerResponse struct {
		ClientID         string   `json:"client_id"`
		ClientName       string   `json:"client_name,omitempty"`
		RedirectURIs     []string `json:"redirect_uris,omitempty"`
		GrantTypes       []string `json:"grant_types,omitempty"`
		ClientIDIssuedAt int64    `json:"client_id_issued_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "invalid registration body")
			return
		}
		reg, err := s.registry.Register(req.ClientName, req.RedirectURIs, req.GrantTypes)
		if err != nil {
			s.logger.Error("registering client", "error", err)
			writeServerError(w)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, registerResponse{
			ClientID:         reg.ClientID,
			ClientName:       reg.ClientName,
			RedirectURIs:     reg.RedirectURIs,
			GrantTypes:       reg.GrantTypes,
			ClientIDIssuedAt: reg.CreatedAt.Unix(),
		})
	}
}

// Device authorization handler implements RFC 8628 section 3.2
func (s *server) handleDeviceCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "invalid request format")
			return
		}
		clientID := r.Form.Get("client_id")
		if clientID == "" {
			writeError(w, authserver.ErrorCodeInvalidRequest, "the client_id parameter is required")
			return
		}
		if _, err := s.registry.Get(clientID); err != nil {
			writeError(w, authserver.ErrorCodeInvalidClient, "unknown client")
			return
		}

		auth, err := s.engine.InitiateDeviceFlow(r.Context(), clientID)
		if err != nil {
			s.logger.Error("initiating device flow", "error", err)
			writeServerError(w)
			return
		}
		writeJSON(w, auth)
	}
}

// Token handler: device polling per RFC 8628 section 3.4 plus the
// authorization-code bridge exchange. Refresh exchange fails loudly.
func (s *server) handleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "invalid request format")
			return
		}

		switch r.Form.Get("grant_type") {
		case deviceGrantType:
			s.deviceToken(w, r)
		case "authorization_code":
			s.exchangeCode(w, r)
		case "refresh_token":
			writeError(w, authserver.ErrorCodeUnsupportedGrant, "refresh tokens are not tracked by this server")
		default:
			writeError(w, authserver.ErrorCodeUnsupportedGrant, "unsupported grant_type")
		}
	}
}

func (s *server) deviceToken(w http.ResponseWriter, r *http.Request) {
	deviceCode := r.Form.Get("device_code")
	if deviceCode == "" {
		writeError(w, authserver.ErrorCodeInvalidRequest, "the device_code parameter is required")
		return
	}
	clientID := r.Form.Get("client_id")
	if clientID == "" {
		writeError(w, authserver.ErrorCodeInvalidRequest, "the client_id parameter is required")
		return
	}
	if _, err := s.registry.Get(clientID); err != nil {
		writeError(w, authserver.ErrorCodeInvalidClient, "unknown client")
		return
	}

	token, err := s.engine.CheckDeviceCodeStatus(r.Context(), deviceCode, clientID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, token)
}

func (s *server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.Form.Get("code")
	if code == "" {
		writeError(w, authserver.ErrorCodeInvalidRequest, "the code parameter is required")
		return
	}
	token, err := s.engine.ExchangeAuthorizationCode(r.Context(), code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, token)
}

// pendingAuth tracks one browser authorization between /authorize and
// /callback, keyed by the state passed to the provider.
type pendingAuth struct {
	clientID      string
	redirectURI   string
	codeChallenge string
	clientState   string
	expiresAt     time.Time
}

// Legacy browser authorization handler. Records the request and redirects
// the user agent to the provider.
func (s *server) handleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		if clientID == "" || redirectURI == "" {
			writeError(w, authserver.ErrorCodeInvalidRequest, "client_id and redirect_uri are required")
			return
		}
		if _, err := s.registry.Get(clientID); err != nil {
			writeError(w, authserver.ErrorCodeInvalidClient, "unknown client")
			return
		}

		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			writeServerError(w)
			return
		}
		state := hex.EncodeToString(buf)

		authURL, err := s.engine.AuthorizeURL(state)
		if err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "browser authorization is not configured")
			return
		}

		s.pendingMu.Lock()
		s.pending[state] = pendingAuth{
			clientID:      clientID,
			redirectURI:   redirectURI,
			codeChallenge: q.Get("code_challenge"),
			clientState:   q.Get("state"),
			expiresAt:     time.Now().Add(10 * time.Minute),
		}
		s.pendingMu.Unlock()

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// Provider callback handler: finishes the browser leg and sends the client a
// temporary authorization code.
func (s *server) handleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := q.Get("state")
		providerCode := q.Get("code")
		if state == "" || providerCode == "" {
			writeError(w, authserver.ErrorCodeInvalidRequest, "code and state are required")
			return
		}

		s.pendingMu.Lock()
		pa, ok := s.pending[state]
		delete(s.pending, state)
		for k, v := range s.pending {
			if time.Now().After(v.expiresAt) {
				delete(s.pending, k)
			}
		}
		s.pendingMu.Unlock()

		if !ok || time.Now().After(pa.expiresAt) {
			writeError(w, authserver.ErrorCodeInvalidRequest, "unknown or expired state")
			return
		}

		code, err := s.engine.CompleteCallback(r.Context(), providerCode, pa.clientID, pa.codeChallenge)
		if err != nil {
			s.logger.Error("completing callback", "error", err)
			writeServerError(w)
			return
		}

		redirect, err := url.Parse(pa.redirectURI)
		if err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "invalid redirect_uri")
			return
		}
		rq := redirect.Query()
		rq.Set("code", code)
		if pa.clientState != "" {
			rq.Set("state", pa.clientState)
		}
		redirect.RawQuery = rq.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}
}

// Bearer verification handler, RFC 7662 shaped
func (s *server) handleIntrospect() http.HandlerFunc {
	type introspection struct {
		Active    bool   `json:"active"`
		ClientID  string `json:"client_id,omitempty"`
		Scope     string `json:"scope,omitempty"`
		ExpiresAt int64  `json:"exp,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, authserver.ErrorCodeInvalidRequest, "invalid request format")
			return
		}
		token := r.Form.Get("token")
		if token == "" {
			writeError(w, authserver.ErrorCodeInvalidRequest, "the token parameter is required")
			return
		}

		identity, err := s.engine.VerifyAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, authserver.ErrInvalidToken) || errors.Is(err, authserver.ErrTokenExpired) {
				writeJSON(w, introspection{Active: false})
				return
			}
			s.logger.Error("verifying token", "error", err)
			writeServerError(w)
			return
		}
		writeJSON(w, introspection{
			Active:    true,
			ClientID:  identity.ClientID,
			Scope:     joinScopes(identity.Scopes),
			ExpiresAt: identity.ExpiresAt.Unix(),
		})
	}
}

// User identity handler: resolves the bearer credential to the provider's
// view of the authorized user.
func (s *server) handleUserInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		user, err := s.engine.UserInfo(r.Context(), token)
		if err != nil {
			if errors.Is(err, authserver.ErrInvalidToken) || errors.Is(err, authserver.ErrTokenExpired) {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, user)
	}
}

// writeEngineError maps engine errors onto the OAuth error shape. AuthError
// values pass through with their original codes so polling clients can
// branch on them.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	var ae *authserver.AuthError
	switch {
	case errors.As(err, &ae):
		writeError(w, ae.Code, ae.Description)
	case errors.Is(err, authserver.ErrNotSupported):
		writeError(w, authserver.ErrorCodeUnsupportedGrant, "operation not supported")
	case errors.Is(err, provider.ErrUnavailable):
		s.logger.Error("provider unavailable", "error", err)
		writeError(w, authserver.ErrorCodeServerError, "identity provider unavailable")
	default:
		s.logger.Error("token request failed", "error", err)
		writeServerError(w)
	}
}

func joinScopes(scopes []string) string {
	out := ""
	for i, scope := range scopes {
		if i > 0 {
			out += " "
		}
		out += scope
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}

// writeError sends an RFC 8628 section 3.5 error response.
func writeError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	resp := struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description,omitempty"`
	}{Error: code, ErrorDescription: description}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}

func writeServerError(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"server_error","error_description":"An unexpected error occurred processing the request"}`))
}
