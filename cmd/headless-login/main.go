// Command headless-login logs a terminal-only client into the authorization
// server through the device flow: it registers a client, prints the user
// code, and polls until the user finishes verification in a browser on
// another machine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/asibyl/mcp-oauth-server/internal/headless"
)

const clientIDKey = "client_id"

func main() {
	app := &cli.App{
		Name:  "headless-login",
		Usage: "authorize this machine against an mcp-oauth-server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "authorization server base URL",
				EnvVars: []string{"MCP_AUTH_SERVER"},
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "path of the local state file",
				Value: defaultStatePath(),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "register",
				Usage:  "register this client with the server",
				Action: runRegister,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "client display name",
						Value: "headless-login",
					},
				},
			},
			{
				Name:   "login",
				Usage:  "run the device authorization flow",
				Action: runLogin,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this long",
						Value: headless.DefaultTimeout,
					},
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "poll interval floor",
						Value: headless.DefaultInterval,
					},
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "resume polling with the persisted device code",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "show the persisted session state",
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-auth.json"
	}
	return filepath.Join(home, ".config", "mcp-auth", "state.json")
}

func openState(c *cli.Context) (*headless.FileState, error) {
	return headless.NewFileState(c.String("state-file"))
}

// serverURL resolves the server from the flag or the persisted state.
func serverURL(c *cli.Context, state *headless.FileState) (string, error) {
	if s := c.String("server"); s != "" {
		return s, nil
	}
	if s, ok := state.Get(headless.KeyServerURL); ok {
		return s, nil
	}
	return "", fmt.Errorf("no server configured; pass --server")
}

func runRegister(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	server, err := serverURL(c, state)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"client_name": c.String("name"),
		"grant_types": []string{"urn:ietf:params:oauth:grant-type:device_code"},
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(server+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("registering client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var reg struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("parsing registration response: %w", err)
	}

	if err := state.Set(headless.KeyServerURL, server); err != nil {
		return err
	}
	if err := state.Set(clientIDKey, reg.ClientID); err != nil {
		return err
	}
	fmt.Printf("registered client %s\n", reg.ClientID)
	return nil
}

func runLogin(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	server, err := serverURL(c, state)
	if err != nil {
		return err
	}
	clientID, ok := state.Get(clientIDKey)
	if !ok {
		return fmt.Errorf("no registered client; run register first")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := headless.NewClient(server, clientID, state, headless.WithLogger(logger))

	opts := headless.PollOptions{
		Interval: c.Duration("interval"),
		Timeout:  c.Duration("timeout"),
		OnPending: func() {
			fmt.Print(".")
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "\npoll error (will retry): %v\n", err)
		},
	}

	if !c.Bool("resume") {
		auth, err := client.AuthorizeHeadless(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Visit %s and enter code: %s\n", auth.VerificationURI, auth.UserCode)
		if auth.VerificationURIComplete != "" {
			fmt.Printf("Or open: %s\n", auth.VerificationURIComplete)
		}
		opts.Interval = pollInterval(opts.Interval, auth.Interval)
	} else {
		fmt.Println("resuming with persisted device code")
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	token, err := client.PollForAuthorization(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("\nauthorized; session token stored (expires in %ds)\n", token.ExpiresIn)
	return nil
}

func runStatus(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	server, _ := state.Get(headless.KeyServerURL)
	clientID, _ := state.Get(clientIDKey)
	_, hasToken := state.Get(headless.KeySessionToken)
	_, hasDevice := state.Get(headless.KeyDeviceCode)

	fmt.Printf("server:       %s\n", orNone(server))
	fmt.Printf("client_id:    %s\n", orNone(clientID))
	fmt.Printf("session:      %v\n", hasToken)
	fmt.Printf("pending code: %v\n", hasDevice)
	return nil
}

// pollInterval resolves the poll interval from the server's suggestion and
// the user's flag. The flag is a floor: the server can slow polling down but
// never speed it up past what the user asked for.
func pollInterval(floor time.Duration, serverSeconds int) time.Duration {
	server := time.Duration(serverSeconds) * time.Second
	if server > floor {
		return server
	}
	return floor
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
