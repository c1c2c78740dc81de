// ABOUTME: One-shot commands: run a task, print tools or context, explain an interface, stream a deploy log, mint tokens
// ABOUTME: Each command wires an in-process app from the same configuration serve uses

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/config"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/plan"
	"github.com/2389/opdbus-orchestrator/internal/provider"
)

// cliApp loads config, applies the command's overrides and wires an app that
// logs to stderr.
func cliApp(ctx context.Context, g *Globals, overrides ...func(*config.Config)) (*app, error) {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if !g.Debug && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	return newApp(ctx, cfg, setupLogger(cfg.Logging, os.Stderr), appOptions{})
}

// withoutPacing emits run steps as soon as they are produced.
func withoutPacing(cfg *config.Config) {
	cfg.Orchestrator.StepDelay = 0
}

// selectProvider switches the active provider when id is set.
func selectProvider(a *app, id string) error {
	if id == "" {
		return nil
	}
	_, err := a.providers.Select(id)
	return err
}

// RunCmd plans and executes one task.
type RunCmd struct {
	Task     string `arg:"" help:"Task description"`
	Provider string `short:"p" help:"Provider id to plan with (default: configured default)"`
	JSON     bool   `help:"Print steps as JSON lines"`
	NoPacing bool   `help:"Emit steps without the configured step delay"`
}

func (c *RunCmd) Run(g *Globals, ctx context.Context) error {
	var overrides []func(*config.Config)
	if c.NoPacing {
		overrides = append(overrides, withoutPacing)
	}
	a, err := cliApp(ctx, g, overrides...)
	if err != nil {
		return err
	}
	defer a.close()

	if err := selectProvider(a, c.Provider); err != nil {
		return err
	}

	run, err := a.runner.Submit(ctx, c.Task)
	if err != nil {
		return err
	}

	// Interrupts cancel the run; streaming continues until its final step.
	go func() {
		select {
		case <-ctx.Done():
			run.Cancel()
		case <-run.Done():
		}
	}()

	for step := range run.Stream(context.WithoutCancel(ctx)) {
		if c.JSON {
			if err := json.NewEncoder(os.Stdout).Encode(step); err != nil {
				return err
			}
			continue
		}
		printStep(os.Stdout, step)
	}

	if run.Outcome() != orchestrator.OutcomeSucceeded {
		return fmt.Errorf("run %s %s", run.ID, run.Outcome())
	}
	return nil
}

var (
	thoughtColor = color.New(color.FgCyan)
	callColor    = color.New(color.FgYellow)
	resultColor  = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// printStep writes one step as a labelled line, coloured by kind.
func printStep(w io.Writer, step plan.Step) {
	var (
		label string
		c     *color.Color
	)
	switch step.Kind() {
	case plan.KindThought:
		label, c = "thought", thoughtColor
	case plan.KindCall:
		label, c = "call", callColor
	case plan.KindResult:
		label, c = "result", resultColor
	case plan.KindError:
		label, c = "error", errorColor
	default:
		label, c = string(step.Kind()), color.New(color.Reset)
	}

	text := step.Content()
	if call, ok := step.AsCall(); ok && call.ToolName != text {
		text += " -> " + call.ToolName
	}
	c.Fprintf(w, "%-8s", label)
	fmt.Fprintf(w, "%s %s\n", color.HiBlackString(step.Timestamp.Format("15:04:05")), text)
}

// ToolsCmd prints the capability index.
type ToolsCmd struct {
	JSON bool `help:"Print tools as JSON"`
}

func (c *ToolsCmd) Run(g *Globals, ctx context.Context) error {
	a, err := cliApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	tools, err := a.runner.Tools(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	for _, t := range tools {
		fmt.Println(t.Line())
	}
	return nil
}

// ContextCmd prints the system context snapshot.
type ContextCmd struct{}

func (c *ContextCmd) Run(g *Globals, ctx context.Context) error {
	a, err := cliApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	text, err := a.runner.SystemContext(ctx)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

// ExplainCmd asks the active provider to explain an interface.
type ExplainCmd struct {
	Service   string `required:"" help:"Bus name of the service"`
	Interface string `required:"" help:"Interface name"`
	Provider  string `short:"p" help:"Provider id (default: configured default)"`
}

func (c *ExplainCmd) Run(g *Globals, ctx context.Context) error {
	a, err := cliApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	if err := selectProvider(a, c.Provider); err != nil {
		return err
	}
	text, err := a.runner.Explain(ctx, c.Service, c.Interface)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

// DeployCmd streams the deployment log of the active provider.
type DeployCmd struct {
	Port         int    `default:"8080" help:"Port the deployed service listens on"`
	LogLevel     string `default:"info" help:"Log level of the deployed service"`
	EnableRemote bool   `help:"Allow remote connections"`
	InstallPath  string `default:"/usr/local/bin/op-dbus-v2" help:"Binary install path"`
	TargetConfig string `default:"/etc/op-dbus/config.json" help:"Config file path on the target"`
	Provider     string `short:"p" help:"Provider id (default: configured default)"`
}

func (c *DeployCmd) Run(g *Globals, ctx context.Context) error {
	a, err := cliApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	if err := selectProvider(a, c.Provider); err != nil {
		return err
	}
	cfg := provider.DeployConfig{
		Port:         c.Port,
		LogLevel:     c.LogLevel,
		EnableRemote: c.EnableRemote,
		InstallPath:  c.InstallPath,
		ConfigPath:   c.TargetConfig,
	}
	for line := range a.runner.Deploy(ctx, cfg) {
		if strings.HasPrefix(line, "[ERROR]") {
			errorColor.Println(line)
			continue
		}
		fmt.Println(line)
	}
	return ctx.Err()
}

// TokenCmd generates an API token.
type TokenCmd struct {
	Subject string        `required:"" help:"Token subject, recorded in run logs"`
	Scopes  string        `default:"read,run" help:"Comma separated scopes: read, run, admin"`
	TTL     time.Duration `default:"24h" help:"Token lifetime"`
}

func (c *TokenCmd) Run(g *Globals) error {
	cfg, configPath, err := loadConfig(g)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured in %s", cmpOr(configPath, "the built-in defaults"))
	}

	scopes, err := auth.ParseScopes(c.Scopes)
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(c.Subject, scopes, c.TTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("opdbus version %s\n", version)
	return nil
}
