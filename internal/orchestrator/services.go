// ABOUTME: Read-only helpers around the runner: current tool index, system snapshot, interface explanations.
// ABOUTME: CallTool invokes one indexed tool outside a run; Deploy streams the active provider's deployment log.

package orchestrator

import (
	"context"
	"fmt"
	"iter"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/logstream"
	"github.com/2389/opdbus-orchestrator/internal/plan"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// Tools returns the tool index as a new run would see it now.
func (r *Runner) Tools(ctx context.Context) ([]capability.Tool, error) {
	snap, err := registry.Capture(ctx, r.source)
	if err != nil {
		return nil, err
	}
	return capability.FromSnapshot(snap).Tools(), nil
}

// SystemContext returns the system snapshot text as a new run would see it now.
func (r *Runner) SystemContext(ctx context.Context) (string, error) {
	snap, err := registry.Capture(ctx, r.source)
	if err != nil {
		return "", err
	}
	return capability.SnapshotOf(snap), nil
}

// Explain asks the active provider to explain a DBus interface of a service.
func (r *Runner) Explain(ctx context.Context, serviceName, interfaceName string) (string, error) {
	if serviceName == "" || interfaceName == "" {
		return "", fmt.Errorf("%w: service and interface are required", ErrValidation)
	}

	snap, err := registry.Capture(ctx, r.source)
	if err != nil {
		return "", err
	}
	svc, ok := snap.Service(serviceName)
	if !ok {
		return "", fmt.Errorf("%w: service %q", ErrNotFound, serviceName)
	}
	iface, ok := svc.FindInterface(interfaceName)
	if !ok {
		return "", fmt.Errorf("%w: interface %q on %s", ErrNotFound, interfaceName, serviceName)
	}

	active := r.providers.Active()
	r.logger.Debug("explaining interface", "service", serviceName, "interface", interfaceName, "provider", active.ID())
	return active.GenerateText(ctx, provider.ExplainPrompt(iface))
}

// CallTool invokes a single indexed tool outside any run, through the
// executor its profile selects. The tool must resolve against the current
// index regardless of the unresolved-tool policy.
func (r *Runner) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: tool name is required", ErrValidation)
	}

	snap, err := registry.Capture(ctx, r.source)
	if err != nil {
		return "", err
	}
	index := capability.FromSnapshot(snap)
	tool, ok := index.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: tool %q: %w", ErrNotFound, name, ErrUnresolvedTool)
	}

	call := plan.Call{ToolName: tool.Name, Args: args}
	composite := CompositeContext("Call "+tool.Name, capability.SnapshotOf(snap))
	r.logger.Debug("direct tool call", "tool", tool.Name, "profile", tool.Profile)
	return r.invoke(ctx, r.providers.Bind(), snap, call, tool, true, composite)
}

// Deploy streams the deployment log of the active provider as complete
// lines. The sequence is single-use and ends with an interrupted marker line
// if the provider fails midway.
func (r *Runner) Deploy(ctx context.Context, cfg provider.DeployConfig) iter.Seq[string] {
	active := r.providers.Active()
	cfg = cfg.WithDefaults()
	r.logger.Info("=== DEPLOY STARTED ===", "provider", active.ID(), "port", cfg.Port, "install_path", cfg.InstallPath)
	return logstream.Lines(active.StreamLog(ctx, cfg))
}
