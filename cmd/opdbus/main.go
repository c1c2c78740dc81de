// ABOUTME: Entry point for the opdbus orchestrator: serve the HTTP API or run one-shot commands
// ABOUTME: Commands are declared with kong; .env files are loaded before configuration

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/2389/opdbus-orchestrator/internal/config"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
                  _ _
  ___  _ __   __| | |__  _   _ ___
 / _ \| '_ \ / _' | '_ \| | | / __|
| (_) | |_) | (_| | |_) | |_| \__ \
 \___/| .__/ \__,_|_.__/ \__,_|___/
      |_|
`

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" env:"OPDBUS_CONFIG" help:"Config file path (default: $XDG_CONFIG_HOME/opdbus/config.yaml when present)"`
	Debug  bool   `help:"Log at debug level regardless of config"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server"`
	Run     RunCmd     `cmd:"" help:"Plan and execute one task, printing steps as they arrive"`
	Tools   ToolsCmd   `cmd:"" help:"Print the capability index"`
	Context ContextCmd `cmd:"" help:"Print the system context snapshot"`
	Explain ExplainCmd `cmd:"" help:"Explain a DBus interface of a registered service"`
	Deploy  DeployCmd  `cmd:"" help:"Stream the deployment log of the active provider"`
	Token   TokenCmd   `cmd:"" help:"Generate an API token signed with auth.jwt_secret"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("opdbus"),
		kong.Description("Task orchestration over a DBus capability registry."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// defaultConfigPath returns $XDG_CONFIG_HOME/opdbus/config.yaml, falling
// back to ~/.config/opdbus/config.yaml.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "opdbus", "config.yaml")
}

// loadConfig resolves the config file. An explicit path must exist; the
// default path is optional and built-in defaults apply without it. The
// returned path is empty when defaults are used.
func loadConfig(g *Globals) (*config.Config, string, error) {
	path := g.Config
	if path == "" {
		path = defaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := config.Default()
			if g.Debug {
				cfg.Logging.Level = "debug"
			}
			return cfg, "", nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config %s: %w", path, err)
	}
	if g.Debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, path, nil
}
