// ABOUTME: serve command: prints the banner, wires the app and runs the HTTP API until interrupted
// ABOUTME: Optionally watches the registry seed file and reloads it on change

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/2389/opdbus-orchestrator/internal/api"
	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/dedupe"
	"github.com/2389/opdbus-orchestrator/internal/mcp"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals, ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath == "" {
		configPath = "(built-in defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Registry:  %s\n", cfg.Registry.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Orchestrator.DefaultProvider)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.MCP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("MCP:       /mcp\n")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled (auth.jwt_secret not set)")
	}
	fmt.Println()

	logger.Info("starting opdbus",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"registry", cfg.Registry.Backend,
	)

	a, err := newApp(ctx, cfg, logger, appOptions{persist: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if cfg.Registry.Watch {
		w := registry.NewWatcher(cfg.Registry.SeedFile, a.registry, logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("registry watcher stopped", "error", err)
			}
		}()
	}

	deps := api.Deps{
		Runner:      a.runner,
		Source:      a.registry,
		Providers:   a.providers,
		Agents:      a.registry,
		Events:      a.broadcaster,
		History:     a.store,
		Idempotency: dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		Logger:      logger,
	}
	defer deps.Idempotency.Close()

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		deps.Verifier = verifier
	}

	if cfg.MCP.Enabled {
		deps.MCP, err = mcp.NewServer(mcp.Config{
			Tools:         a.runner,
			Logger:        logger,
			TokenVerifier: deps.Verifier,
			RequireAuth:   deps.Verifier != nil,
			Version:       version,
		})
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}
		logger.Info("MCP endpoint enabled", "path", "/mcp")
	}

	srv, err := api.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}
