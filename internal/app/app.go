// Package app assembles the afu9 services of one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"afu9/internal/config"
	"afu9/internal/db"
	"afu9/internal/engine"
	"afu9/internal/engine/auth"
	"afu9/internal/github"
	"afu9/internal/loop"
	"afu9/internal/migrate"
	"afu9/internal/publish"
	"afu9/internal/repo"
	"afu9/internal/server"
	"afu9/internal/specgen"
	"afu9/internal/telemetry"
)

// Version is reported in telemetry resources.
var Version = "dev"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/afu9.yml.
	ConfigPath string
	Logger     *log.Logger
	// GitHub replaces the REST client, mostly for tests.
	GitHub github.Client
	// Model replaces the Anthropic client of draft generation.
	Model specgen.Model
}

// App holds the wired services. Specgen is nil when no model is available.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Loop      *loop.Orchestrator
	Publisher *publish.Publisher
	Specgen   *specgen.Generator
	Policy    auth.Policy
	Keys      auth.Keys
	Telemetry *telemetry.Provider
	Logger    *log.Logger
}

// LoadConfig reads the workspace config, or the file at path when set.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Open loads config, migrates the database and builds every service.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "afu9: ", log.LstdFlags)
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tp, err := telemetry.Init(ctx, telemetry.Options{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Version: Version,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	gh := opts.GitHub
	if gh == nil {
		rest, err := github.NewREST(github.Options{
			Token:           os.Getenv(cfg.GitHub.TokenEnv),
			BaseURL:         cfg.GitHub.BaseURL,
			Timeout:         cfg.GitHub.Timeout,
			MaxElapsed:      cfg.GitHub.Retry.MaxElapsed,
			InitialInterval: cfg.GitHub.Retry.InitialInterval,
			Logger:          logger,
		})
		if err != nil {
			tp.Shutdown(ctx)
			conn.Close()
			return nil, err
		}
		gh = rest
	}

	e := engine.New(conn, cfg, gh)
	a := &App{
		Config:    cfg,
		DB:        conn,
		Repo:      e.Repo,
		Engine:    e,
		Loop:      loop.New(e, cfg.Loop.MaxSteps, cfg.Loop.BatchConcurrency, logger),
		Publisher: publish.New(e, logger),
		Policy:    auth.Policy{OperatorGroups: cfg.Auth.OperatorGroups},
		Keys:      auth.Keys{Repo: e.Repo},
		Telemetry: tp,
		Logger:    logger,
	}

	model := opts.Model
	if model == nil {
		m, err := specgen.NewAnthropic(specgen.AnthropicOptions{
			APIKeyEnv: cfg.Specgen.APIKeyEnv,
			Model:     cfg.Specgen.Model,
			MaxTokens: int64(cfg.Specgen.MaxTokens),
		})
		switch {
		case err == nil:
			model = m
		case errors.Is(err, specgen.ErrAPIKeyRequired):
			logger.Printf("draft generation disabled: %v", err)
		default:
			a.Close(ctx)
			return nil, err
		}
	}
	if model != nil {
		a.Specgen = specgen.New(e, model)
	}
	return a, nil
}

// Close flushes telemetry and closes the database.
func (a *App) Close(ctx context.Context) {
	if a.Telemetry != nil {
		a.Telemetry.Shutdown(ctx)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Handler builds the HTTP API. Without a JWT secret only legacy headers and API keys authenticate.
func (a *App) Handler() (http.Handler, error) {
	secret := os.Getenv(a.Config.Auth.JWTSecretEnv)
	if secret == "" && !a.Config.Auth.AllowLegacyHeaders {
		return nil, fmt.Errorf("%s is required when legacy headers are disabled", a.Config.Auth.JWTSecretEnv)
	}
	return server.New(server.Config{
		Engine:    a.Engine,
		Loop:      a.Loop,
		Publisher: a.Publisher,
		Specgen:   a.Specgen,
		BasePath:  a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:          secret,
			AllowLegacyHeaders: a.Config.Auth.AllowLegacyHeaders,
			Policy:             a.Policy,
			Keys:               a.Keys,
			Logger:             a.Logger,
		},
		Metrics: a.Telemetry.Handler(),
		OTel:    a.Config.Telemetry.Enabled,
	})
}

// Serve runs the API and the webhook dispatcher until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	server.StartWebhookDispatcher(gctx, a.Repo, a.Config.Webhooks, a.Logger)
	g.Go(func() error {
		a.Logger.Printf("serving AFU-9 API on http://%s%s (OpenAPI at %s/openapi.json)", addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
