package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/asibyl/mcp-oauth-server/internal/authserver"
	"github.com/asibyl/mcp-oauth-server/internal/clients"
	"github.com/asibyl/mcp-oauth-server/internal/provider"
)

// Version is set by the build process
var Version = "dev"

func main() {
	// Load .env if present, then environment
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Pick the store backend
	var store authserver.Store
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Error parsing Redis URL: %v", err)
		}
		redisClient = redis.NewClient(redisOpts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Error connecting to Redis: %v", err)
		}
		store = authserver.NewRedisStore(redisClient)
	} else {
		store = authserver.NewMemoryStore()
	}

	// Durable client registry
	registry, err := clients.NewStore(cfg.ClientsFile)
	if err != nil {
		log.Fatalf("Error loading client registry: %v", err)
	}

	// Identity provider
	ghProvider, err := provider.NewGitHubProvider(provider.GitHubConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		Scope:        cfg.GitHubScope,
		BaseURL:      cfg.GitHubBaseURL,
		APIBaseURL:   cfg.GitHubAPIBaseURL,
	})
	if err != nil {
		log.Fatalf("Error creating GitHub provider: %v", err)
	}

	// Browser-redirect leg for the authorization-code bridge
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.BaseURL + "/callback",
		Scopes:       []string{cfg.GitHubScope},
		Endpoint:     githuboauth.Endpoint,
	}

	engine := authserver.NewEngine(store, ghProvider,
		authserver.WithTokenTTL(cfg.TokenTTL),
		authserver.WithCodeTTL(cfg.CodeTTL),
		authserver.WithOAuthConfig(oauthCfg),
		authserver.WithLogger(logger),
	)

	// Periodic expiry sweep
	sweeper := authserver.NewSweeper(store, cfg.SweepInterval, logger)
	stopSweeper := sweeper.Start()

	srv := newServer(cfg, engine, registry, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("Server listening on port %d", cfg.Port)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("Error starting server: %v", err)

	case <-shutdown:
		log.Println("Starting shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down server: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("Error closing server: %v", err)
			}
		}

		stopSweeper()

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("Error closing Redis connection: %v", err)
			}
		}
	}
}
