// ABOUTME: Reasoner, executor and log streaming contracts that back plan generation and tool calls.
// ABOUTME: Provider failures surface as *Error so the runner can turn them into error steps.

package provider

import (
	"context"
	"iter"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// PlanGenerator turns a task into an ordered plan of thought and call steps.
// When it cannot produce a structured plan it returns plan.Failed() rather
// than an error; errors are reserved for transport and backend faults.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, task string, tools []capability.Tool, sysContext string) ([]plan.Step, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// ToolExecutor runs one tool call and returns its raw, usually JSON, payload.
// The payload is stored as text and never parsed by the runner.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolName string, args map[string]any, sysContext string) (string, error)
}

// LogStreamer produces a finite, single-use sequence of log chunks. Chunks
// may split lines anywhere. A mid-stream fault ends the sequence with a
// logstream.Interrupted marker chunk.
type LogStreamer interface {
	StreamLog(ctx context.Context, cfg DeployConfig) iter.Seq[string]
}

// Provider is one interchangeable backend.
type Provider interface {
	ID() string
	PlanGenerator
	ToolExecutor
	LogStreamer
}

// DeployConfig parameterises a deployment log stream.
type DeployConfig struct {
	Port         int    `json:"port"`
	LogLevel     string `json:"logLevel"`
	EnableRemote bool   `json:"enableRemote"`
	InstallPath  string `json:"installPath"`
	ConfigPath   string `json:"configPath"`
}

// DefaultDeployConfig returns the stock deployment settings.
func DefaultDeployConfig() DeployConfig {
	return DeployConfig{
		Port:         8080,
		LogLevel:     "info",
		EnableRemote: false,
		InstallPath:  "/usr/local/bin/op-dbus-v2",
		ConfigPath:   "/etc/op-dbus/config.json",
	}
}

// WithDefaults fills zero fields from DefaultDeployConfig.
func (c DeployConfig) WithDefaults() DeployConfig {
	d := DefaultDeployConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.InstallPath == "" {
		c.InstallPath = d.InstallPath
	}
	if c.ConfigPath == "" {
		c.ConfigPath = d.ConfigPath
	}
	return c
}

// Error is a provider-boundary failure.
type Error struct {
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := "provider " + e.Provider + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a provider error.
func NewError(providerID, message string, err error) *Error {
	return &Error{Provider: providerID, Message: message, Err: err}
}
