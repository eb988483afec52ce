package main

import "time"

// Config holds server configuration loaded from environment variables
type Config struct {
	Port    int    `envconfig:"PORT" default:"8080"`
	BaseURL string `envconfig:"BASE_URL" required:"true"`

	// RedisURL selects the Redis store backend; empty means in-memory.
	RedisURL string `envconfig:"REDIS_URL"`

	GitHubClientID     string `envconfig:"GITHUB_CLIENT_ID" required:"true"`
	GitHubClientSecret string `envconfig:"GITHUB_CLIENT_SECRET"`
	GitHubScope        string `envconfig:"GITHUB_SCOPE" default:"read:user"`
	GitHubBaseURL      string `envconfig:"GITHUB_BASE_URL"`
	GitHubAPIBaseURL   string `envconfig:"GITHUB_API_BASE_URL"`

	ClientsFile string `envconfig:"CLIENTS_FILE" default:"clients.json"`

	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"1h"`
	CodeTTL       time.Duration `envconfig:"CODE_TTL" default:"30s"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
}
