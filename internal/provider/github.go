package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// GitHub endpoint paths
	deviceCodePath = "/login/device/code"
	tokenPath      = "/login/oauth/access_token"
	userPath       = "/user"

	// HTTP request timeouts
	defaultTimeout = 10 * time.Second
)

// GitHubProvider implements the Provider interface for GitHub's device
// authorization grant.
type GitHubProvider struct {
	client       *http.Client
	clientID     string
	clientSecret string
	scope        string
	deviceURL    string
	tokenURL     string
	userURL      string
}

// GitHubConfig configures a GitHub provider. BaseURL and APIBaseURL default
// to github.com and api.github.com; tests point them at a local server.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	Scope        string
	BaseURL      string
	APIBaseURL   string
}

// NewGitHubProvider creates a GitHub-backed provider.
func NewGitHubProvider(cfg GitHubConfig) (*GitHubProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	apiURL := cfg.APIBaseURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	apiURL = strings.TrimSuffix(apiURL, "/")

	return &GitHubProvider{
		client:       &http.Client{Timeout: defaultTimeout},
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		deviceURL:    baseURL + deviceCodePath,
		tokenURL:     baseURL + tokenPath,
		userURL:      apiURL + userPath,
	}, nil
}

// RequestDeviceCode requests a device and user code pair per RFC 8628
// section 3.1.
func (p *GitHubProvider) RequestDeviceCode(ctx context.Context, scope string) (*DeviceGrant, error) {
	if scope == "" {
		scope = p.scope
	}
	data := url.Values{
		"client_id": {p.clientID},
		"scope":     {scope},
	}

	body, err := p.postForm(ctx, p.deviceURL, data)
	if err != nil {
		return nil, err
	}

	if oauthErr := decodeOAuthError(body); oauthErr != nil {
		return nil, oauthErr
	}

	var grant DeviceGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}
	if grant.DeviceCode == "" {
		return nil, fmt.Errorf("%w: empty device code in response", ErrUnavailable)
	}
	if grant.Interval <= 0 {
		grant.Interval = 5
	}
	return &grant, nil
}

// PollDeviceToken performs one token poll per RFC 8628 section 3.4. GitHub
// reports pending and terminal states as OAuth errors in a 200 response.
func (p *GitHubProvider) PollDeviceToken(ctx context.Context, deviceCode string) (*Token, error) {
	data := url.Values{
		"client_id":   {p.clientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	if p.clientSecret != "" {
		data.Set("client_secret", p.clientSecret)
	}

	body, err := p.postForm(ctx, p.tokenURL, data)
	if err != nil {
		return nil, err
	}

	if oauthErr := decodeOAuthError(body); oauthErr != nil {
		return nil, oauthErr
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrUnavailable)
	}

	token := &Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
		Scope:        tokenResp.Scope,
	}
	if tokenResp.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// UserIdentity fetches the authorized user for an access token.
func (p *GitHubProvider) UserIdentity(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: user request returned %d", ErrUnavailable, resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("parsing user response: %w", err)
	}
	return &user, nil
}

// postForm sends a form-encoded POST and returns the raw body. Non-2xx
// responses without an OAuth error body map to ErrUnavailable.
func (p *GitHubProvider) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}
	// 4xx responses still carry an OAuth error body worth decoding.
	return body, nil
}

// decodeOAuthError returns the OAuth error in body, if any. GitHub reports
// polling states this way even on 200 responses.
func decodeOAuthError(body []byte) *OAuthError {
	var errResp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}
	if errResp.Error == "" {
		return nil
	}
	return &OAuthError{Code: errResp.Error, Description: errResp.ErrorDescription}
}
