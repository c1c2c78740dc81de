// ABOUTME: HTTP server for the orchestrator API: route table, auth wiring and listener lifecycle
// ABOUTME: Listens on plain TCP or, when configured, on a tailnet address via tsnet

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/config"
	"github.com/2389/opdbus-orchestrator/internal/dedupe"
	"github.com/2389/opdbus-orchestrator/internal/mcp"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
	"github.com/2389/opdbus-orchestrator/internal/store"
)

// Deps are the collaborators the API serves. Runner, Source and Providers are
// required; the rest switch features on.
type Deps struct {
	Runner    *orchestrator.Runner
	Source    registry.Source
	Providers *provider.Registry

	// Agents enables POST and DELETE on /api/agents.
	Agents registry.AgentStore
	// Events enables GET /api/events.
	Events *orchestrator.Broadcaster
	// History adds archived runs to GET /api/runs and GET /api/runs/{id}.
	History store.RunStore
	// Verifier enables bearer token authentication on /api/ routes.
	Verifier auth.TokenVerifier
	// Idempotency enables the Idempotency-Key header on POST /api/runs.
	Idempotency *dedupe.Cache
	// MCP serves the Model Context Protocol endpoint on /mcp.
	MCP *mcp.Server

	Logger *slog.Logger
}

// Server is the orchestrator's HTTP front end.
type Server struct {
	cfg         *config.Config
	deps        Deps
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New builds the server and its route table.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Runner == nil || deps.Source == nil || deps.Providers == nil {
		return nil, errors.New("api: runner, source and providers are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	read := s.guard(auth.ScopeRead)
	run := s.guard(auth.ScopeRun)
	admin := s.guard(auth.ScopeAdmin)

	mux.Handle("GET /api/tools", read(s.handleTools))
	mux.Handle("GET /api/context", read(s.handleContext))
	mux.Handle("GET /api/explain", read(s.handleExplain))

	mux.Handle("GET /api/runs", read(s.handleListRuns))
	mux.Handle("POST /api/runs", run(s.handleSubmitRun))
	mux.Handle("GET /api/runs/{id}", read(s.handleGetRun))
	mux.Handle("GET /api/runs/{id}/stream", read(s.handleStreamRun))
	mux.Handle("POST /api/runs/{id}/cancel", run(s.handleCancelRun))
	mux.Handle("GET /api/events", read(s.handleEvents))

	mux.Handle("GET /api/agents", read(s.handleListAgents))
	mux.Handle("POST /api/agents", admin(s.handleConnectAgent))
	mux.Handle("DELETE /api/agents/{id}", admin(s.handleRemoveAgent))

	mux.Handle("GET /api/providers", read(s.handleListProviders))
	mux.Handle("PUT /api/providers/active", admin(s.handleSelectProvider))

	mux.Handle("POST /api/deploy", run(s.handleDeploy))

	if s.deps.MCP != nil {
		s.deps.MCP.RegisterRoutes(mux)
	}

	return mux
}

// guard wraps handlers in token authentication and a scope check. Without a
// verifier the routes are open.
func (s *Server) guard(scope auth.Scope) func(http.HandlerFunc) http.Handler {
	return func(h http.HandlerFunc) http.Handler {
		if s.deps.Verifier == nil {
			return h
		}
		return auth.HTTPAuthMiddleware(s.deps.Verifier, s.logger)(auth.RequireScope(scope)(h))
	}
}

// handleHealth returns 200 OK if the server is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the registry can be read.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	services, err := s.deps.Source.FetchServices(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("registry unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d services, provider %s)", len(services), s.deps.Providers.Active().ID())
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The caller's context is already done; shut down on a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and the tailnet node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.listenTailscale(ctx)
	}
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "opdbus", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// listenTailscale joins the tailnet and listens on port 80 of the node.
func (s *Server) listenTailscale(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
