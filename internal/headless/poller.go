package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/asibyl/mcp-oauth-server/internal/authserver"
)

// State is the polling engine's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateAwaitingDeviceCode
	StatePolling
	StateSucceeded
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDeviceCode:
		return "awaiting_device_code"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	// SlowDownIncrement is added to the poll interval on every slow_down
	// signal per RFC 8628 section 3.5. The interval never decreases within
	// one polling session.
	SlowDownIncrement = 5 * time.Second

	// DefaultInterval is the poll interval floor when the server supplies
	// none.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds one polling session end to end.
	DefaultTimeout = 15 * time.Minute

	// MaxConsecutiveFailures aborts a polling session whose every attempt
	// fails, so a dead network is caught before the outer timeout.
	MaxConsecutiveFailures = 10
)

// Terminal polling errors
var (
	// ErrExpired indicates the device code expired before the user
	// completed verification
	ErrExpired = errors.New("device code expired")

	// ErrTimeout indicates the polling session exhausted its time budget
	ErrTimeout = errors.New("authorization timed out")

	// ErrPollInProgress indicates another poll is already running on this
	// client
	ErrPollInProgress = errors.New("polling already in progress")

	// ErrNoDeviceCode indicates there is neither a supplied nor a persisted
	// device code to poll with
	ErrNoDeviceCode = errors.New("no device code to poll")

	// ErrTooManyFailures indicates consecutive transient failures exceeded
	// the ceiling
	ErrTooManyFailures = errors.New("too many consecutive poll failures")
)

// Client drives device authorization against the server and keeps its
// progress in a local state store so an interrupted login can resume.
type Client struct {
	serverURL string
	clientID  string
	http      *http.Client
	state     StateStore
	logger    *slog.Logger

	phase    atomic.Int32
	inFlight atomic.Bool

	// slowDown is added to the interval on each slow_down signal.
	slowDown time.Duration
}

// ClientOption configures the polling client
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithLogger sets the client's structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a polling client for the given server and registered
// client identifier.
func NewClient(serverURL, clientID string, state StateStore, opts ...ClientOption) *Client {
	c := &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		clientID:  clientID,
		http:      &http.Client{Timeout: 30 * time.Second},
		state:     state,
		logger:    slog.Default(),
		slowDown:  SlowDownIncrement,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the engine's current lifecycle state.
func (c *Client) Phase() State {
	return State(c.phase.Load())
}

func (c *Client) setPhase(s State) {
	c.phase.Store(int32(s))
}

// AuthorizeHeadless requests a device authorization from the server and
// persists the device code locally so a crashed process can resume polling.
// The caller displays the user code and verification URI, then calls
// PollForAuthorization.
func (c *Client) AuthorizeHeadless(ctx context.Context) (*authserver.DeviceAuthorization, error) {
	form := url.Values{"client_id": {c.clientID}}
	body, oauthErr, err := c.postForm(ctx, c.serverURL+"/device/code", form)
	if err != nil {
		return nil, fmt.Errorf("requesting device authorization: %w", err)
	}
	if oauthErr != nil {
		return nil, oauthErr
	}

	var auth authserver.DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("parsing device authorization: %w", err)
	}

	if err := c.state.Set(KeyServerURL, c.serverURL); err != nil {
		return nil, fmt.Errorf("persisting server url: %w", err)
	}
	if err := c.state.Set(KeyDeviceCode, auth.DeviceCode); err != nil {
		return nil, fmt.Errorf("persisting device code: %w", err)
	}

	c.setPhase(StateAwaitingDeviceCode)
	c.logger.Info("device authorization started",
		"user_code", auth.UserCode,
		"verification_uri", auth.VerificationURI)
	return &auth, nil
}

// PollOptions controls one polling session.
type PollOptions struct {
	// DeviceCode to poll with; falls back to the persisted one.
	DeviceCode string

	// Interval is the poll interval floor. Zero means DefaultInterval.
	Interval time.Duration

	// Timeout bounds the whole session. Zero means DefaultTimeout.
	Timeout time.Duration

	// OnPending is invoked after each authorization_pending response.
	OnPending func()

	// OnError is invoked for each transient error. Terminal conditions
	// (expiry, timeout) are returned, not reported here.
	OnError func(err error)
}

// PollForAuthorization polls the server until the flow succeeds, the device
// code expires, or the timeout elapses. On success the session token is
// persisted and the stored device code removed.
func (c *Client) PollForAuthorization(ctx context.Context, opts PollOptions) (*authserver.TokenResponse, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPollInProgress
	}
	defer c.inFlight.Store(false)

	deviceCode := opts.DeviceCode
	if deviceCode == "" {
		deviceCode, _ = c.state.Get(KeyDeviceCode)
	}
	if deviceCode == "" {
		return nil, ErrNoDeviceCode
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.setPhase(StatePolling)
	deadline := time.Now().Add(timeout)
	failures := 0

	for {
		// Stop once another full interval cannot fit before the deadline:
		// the session must end within its time budget and a poll must never
		// fire early.
		if time.Until(deadline) < interval {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setPhase(StateFailed)
			return nil, ctx.Err()
		case <-timer.C:
		}

		token, oauthErr, err := c.pollOnce(ctx, deviceCode)
		if err != nil {
			// Network hiccups are transient: a multi-minute user
			// interaction should survive them.
			failures++
			if opts.OnError != nil {
				opts.OnError(err)
			}
			if failures >= MaxConsecutiveFailures {
				c.setPhase(StateFailed)
				return nil, fmt.Errorf("%w: %v", ErrTooManyFailures, err)
			}
			continue
		}

		if oauthErr != nil {
			switch oauthErr.Code {
			case authserver.ErrorCodeAuthorizationPending:
				failures = 0
				if opts.OnPending != nil {
					opts.OnPending()
				}
			case authserver.ErrorCodeSlowDown:
				failures = 0
				interval += c.slowDown
			case authserver.ErrorCodeExpiredToken:
				c.setPhase(StateExpired)
				return nil, fmt.Errorf("%w: %s", ErrExpired, oauthErr.Description)
			default:
				failures++
				if opts.OnError != nil {
					opts.OnError(oauthErr)
				}
				if failures >= MaxConsecutiveFailures {
					c.setPhase(StateFailed)
					return nil, fmt.Errorf("%w: %v", ErrTooManyFailures, oauthErr)
				}
			}
			continue
		}

		if err := c.state.Set(KeySessionToken, token.AccessToken); err != nil {
			c.setPhase(StateFailed)
			return nil, fmt.Errorf("persisting session token: %w", err)
		}
		if err := c.state.Delete(KeyDeviceCode); err != nil {
			c.logger.Warn("removing persisted device code", "error", err)
		}
		c.setPhase(StateSucceeded)
		c.logger.Info("authorization succeeded")
		return token, nil
	}

	c.setPhase(StateFailed)
	return nil, ErrTimeout
}

// SessionToken returns the locally persisted session token, if any.
func (c *Client) SessionToken() (string, bool) {
	return c.state.Get(KeySessionToken)
}

// pollOnce performs a single token request against the server.
func (c *Client) pollOnce(ctx context.Context, deviceCode string) (*authserver.TokenResponse, *oauthError, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	}
	body, oauthErr, err := c.postForm(ctx, c.serverURL+"/token", form)
	if err != nil {
		return nil, nil, err
	}
	if oauthErr != nil {
		return nil, oauthErr, nil
	}

	var token authserver.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, nil, fmt.Errorf("parsing token response: %w", err)
	}
	return &token, nil, nil
}

// oauthError is the server's RFC 8628 error shape.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *oauthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// postForm sends a form POST and separates OAuth error responses from
// transport failures so the caller can branch on the error code.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, *oauthError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var oe oauthError
	if jsonErr := json.Unmarshal(body, &oe); jsonErr == nil && oe.Code != "" {
		return nil, &oe, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return body, nil, nil
}
