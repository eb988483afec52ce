package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/asibyl/mcp-oauth-server/internal/authserver"
	"github.com/asibyl/mcp-oauth-server/internal/clients"
	"github.com/asibyl/mcp-oauth-server/internal/provider"
)

// stubProvider drives the engine without a real identity provider
type stubProvider struct {
	pollErr error
}

func (p *stubProvider) RequestDeviceCode(ctx context.Context, scope string) (*provider.DeviceGrant, error) {
	return &provider.DeviceGrant{
		DeviceCode:      "provider-device-code",
		UserCode:        "ABCD-1234",
		VerificationURI: "https://github.com/login/device",
		ExpiresIn:       900,
		Interval:        5,
	}, nil
}

func (p *stubProvider) PollDeviceToken(ctx context.Context, deviceCode string) (*provider.Token, error) {
	if p.pollErr != nil {
		return nil, p.pollErr
	}
	return &provider.Token{AccessToken: "gh-token", TokenType: "bearer", Scope: "read:user"}, nil
}

func (p *stubProvider) UserIdentity(ctx context.Context, accessToken string) (*provider.User, error) {
	return &provider.User{ID: 1, Login: "octocat"}, nil
}

func newTestServer(t *testing.T, p provider.Provider) (*server, *clients.Store) {
	t.Helper()
	registry, err := clients.NewStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := authserver.NewEngine(authserver.NewMemoryStore(), p, authserver.WithLogger(logger))
	return newServer(Config{BaseURL: "http://localhost:8080"}, engine, registry, logger), registry
}

func postForm(t *testing.T, srv *server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, description string) {
	t.Helper()
	var resp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp.Error, resp.ErrorDescription
}

func TestHandleRegister(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvider{})

	body := `{"client_name":"test-cli","grant_types":["urn:ietf:params:oauth:grant-type:device_code"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.ClientID == "" {
		t.Fatal("expected client_id in response")
	}
	if _, err := registry.Get(resp.ClientID); err != nil {
		t.Fatalf("registration not persisted: %v", err)
	}
}

func TestHandleDeviceCode(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvider{})

	t.Run("unknown client", func(t *testing.T) {
		w := postForm(t, srv, "/device/code", url.Values{"client_id": {"ghost"}})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeInvalidClient {
			t.Errorf("expected invalid_client, got %s", code)
		}
	})

	t.Run("missing client_id", func(t *testing.T) {
		w := postForm(t, srv, "/device/code", url.Values{})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeInvalidRequest {
			t.Errorf("expected invalid_request, got %s", code)
		}
	})

	t.Run("success", func(t *testing.T) {
		reg, err := registry.Register("cli", nil, nil)
		if err != nil {
			t.Fatalf("registering: %v", err)
		}
		w := postForm(t, srv, "/device/code", url.Values{"client_id": {reg.ClientID}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var auth authserver.DeviceAuthorization
		if err := json.Unmarshal(w.Body.Bytes(), &auth); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if auth.DeviceCode == "" || auth.UserCode != "ABCD-1234" {
			t.Errorf("unexpected bundle: %+v", auth)
		}
	})
}

func TestHandleTokenGrants(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvider{
		pollErr: &provider.OAuthError{Code: provider.ErrorCodeAuthorizationPending},
	})
	reg, err := registry.Register("cli", nil, nil)
	if err != nil {
		t.Fatalf("registering: %v", err)
	}

	t.Run("refresh grant fails clearly", func(t *testing.T) {
		w := postForm(t, srv, "/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {"whatever"},
		})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeUnsupportedGrant {
			t.Errorf("expected unsupported_grant_type, got %s", code)
		}
	})

	t.Run("unknown grant type", func(t *testing.T) {
		w := postForm(t, srv, "/token", url.Values{"grant_type": {"password"}})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeUnsupportedGrant {
			t.Errorf("expected unsupported_grant_type, got %s", code)
		}
	})

	t.Run("pending passes through", func(t *testing.T) {
		dcw := postForm(t, srv, "/device/code", url.Values{"client_id": {reg.ClientID}})
		var auth authserver.DeviceAuthorization
		if err := json.Unmarshal(dcw.Body.Bytes(), &auth); err != nil {
			t.Fatalf("decoding: %v", err)
		}

		w := postForm(t, srv, "/token", url.Values{
			"grant_type":  {deviceGrantType},
			"device_code": {auth.DeviceCode},
			"client_id":   {reg.ClientID},
		})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeAuthorizationPending {
			t.Errorf("expected authorization_pending, got %s", code)
		}
	})

	t.Run("device code bound to its client", func(t *testing.T) {
		other, err := registry.Register("other-cli", nil, nil)
		if err != nil {
			t.Fatalf("registering: %v", err)
		}

		dcw := postForm(t, srv, "/device/code", url.Values{"client_id": {reg.ClientID}})
		var auth authserver.DeviceAuthorization
		if err := json.Unmarshal(dcw.Body.Bytes(), &auth); err != nil {
			t.Fatalf("decoding: %v", err)
		}

		// Another registered client polling with a stolen device code
		w := postForm(t, srv, "/token", url.Values{
			"grant_type":  {deviceGrantType},
			"device_code": {auth.DeviceCode},
			"client_id":   {other.ClientID},
		})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeInvalidGrant {
			t.Errorf("expected invalid_grant, got %s", code)
		}
	})

	t.Run("unknown device code", func(t *testing.T) {
		w := postForm(t, srv, "/token", url.Values{
			"grant_type":  {deviceGrantType},
			"device_code": {"no-such-code"},
			"client_id":   {reg.ClientID},
		})
		if code, _ := decodeError(t, w); code != authserver.ErrorCodeInvalidGrant {
			t.Errorf("expected invalid_grant, got %s", code)
		}
	})
}

func TestHandleTokenDeviceSuccess(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvider{})
	reg, err := registry.Register("cli", nil, nil)
	if err != nil {
		t.Fatalf("registering: %v", err)
	}

	dcw := postForm(t, srv, "/device/code", url.Values{"client_id": {reg.ClientID}})
	var auth authserver.DeviceAuthorization
	if err := json.Unmarshal(dcw.Body.Bytes(), &auth); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	w := postForm(t, srv, "/token", url.Values{
		"grant_type":  {deviceGrantType},
		"device_code": {auth.DeviceCode},
		"client_id":   {reg.ClientID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var token authserver.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &token); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if token.AccessToken == "" || token.TokenType != "Bearer" {
		t.Errorf("unexpected token response: %+v", token)
	}

	// The minted token introspects as active
	iw := postForm(t, srv, "/introspect", url.Values{"token": {token.AccessToken}})
	var info struct {
		Active   bool   `json:"active"`
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(iw.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !info.Active || info.ClientID != reg.ClientID {
		t.Errorf("unexpected introspection: %+v", info)
	}
}

func TestHandleUserInfo(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvider{})
	reg, err := registry.Register("cli", nil, nil)
	if err != nil {
		t.Fatalf("registering: %v", err)
	}

	dcw := postForm(t, srv, "/device/code", url.Values{"client_id": {reg.ClientID}})
	var auth authserver.DeviceAuthorization
	if err := json.Unmarshal(dcw.Body.Bytes(), &auth); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	tw := postForm(t, srv, "/token", url.Values{
		"grant_type":  {deviceGrantType},
		"device_code": {auth.DeviceCode},
		"client_id":   {reg.ClientID},
	})
	var token authserver.TokenResponse
	if err := json.Unmarshal(tw.Body.Bytes(), &token); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var user provider.User
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if user.Login != "octocat" {
		t.Errorf("unexpected login: %q", user.Login)
	}

	// Missing and bogus credentials are rejected
	for _, header := range []string{"", "Bearer nope"} {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestHandleIntrospectInactive(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{})

	w := postForm(t, srv, "/introspect", url.Values{"token": {"unknown"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if info.Active {
		t.Error("expected inactive introspection for unknown token")
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
