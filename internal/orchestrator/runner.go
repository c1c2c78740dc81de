// ABOUTME: PlanRunner: validates tasks, snapshots the registry, generates a plan and executes it step by step.
// ABOUTME: Provider faults become error steps; only validation and registry failures are returned to the caller.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/plan"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

var (
	// ErrValidation indicates a request was rejected before any run started.
	ErrValidation = errors.New("validation failed")
	// ErrUnresolvedTool indicates a call names a tool missing from the run's index.
	ErrUnresolvedTool = errors.New("not in capability index")
	// ErrRunNotFound indicates no run with the given id is held in memory.
	ErrRunNotFound = errors.New("run not found")
	// ErrNotFound indicates a registry entry named in a request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed indicates the runner is shutting down.
	ErrClosed = errors.New("runner closed")
)

// CancelledMessage is the content of the error step appended on cancellation.
const CancelledMessage = "cancelled"

// UnresolvedPolicy decides what happens to a call whose tool is not indexed.
type UnresolvedPolicy string

const (
	// PolicyReject answers the call with an error step and moves on.
	PolicyReject UnresolvedPolicy = "reject"
	// PolicyDelegate passes the call to the executor unchanged.
	PolicyDelegate UnresolvedPolicy = "delegate"
)

// Valid reports whether p is a known policy.
func (p UnresolvedPolicy) Valid() bool {
	return p == PolicyReject || p == PolicyDelegate
}

// Config configures a Runner.
type Config struct {
	Source    registry.Source
	Providers *provider.Registry

	// StepDelay paces plan steps so consumers see them arrive one at a time.
	// Zero disables pacing.
	StepDelay time.Duration
	// Unresolved defaults to PolicyReject.
	Unresolved UnresolvedPolicy
	// Retention is how long completed runs stay retrievable. Zero keeps them.
	Retention time.Duration
	// RetryBackoff is the pause between profile-driven tool retries.
	RetryBackoff time.Duration

	Sinks   []StepSink
	Archive RunArchive
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Runner owns every run it starts.
type Runner struct {
	source       registry.Source
	providers    *provider.Registry
	stepDelay    time.Duration
	unresolved   UnresolvedPolicy
	retention    time.Duration
	retryBackoff time.Duration
	sinks        []StepSink
	archive      RunArchive
	tracer       trace.Tracer
	logger       *slog.Logger

	mu     sync.RWMutex
	runs   map[string]*Run
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = defaultTracer()
	}
	if !cfg.Unresolved.Valid() {
		cfg.Unresolved = PolicyReject
	}
	return &Runner{
		source:       cfg.Source,
		providers:    cfg.Providers,
		stepDelay:    cfg.StepDelay,
		unresolved:   cfg.Unresolved,
		retention:    cfg.Retention,
		retryBackoff: cfg.RetryBackoff,
		sinks:        cfg.Sinks,
		archive:      cfg.Archive,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger.With("component", "runner"),
		runs:         make(map[string]*Run),
	}
}

// Submit validates the task, captures the registry and provider binding, and
// starts the run in the background. An empty task fails with ErrValidation
// and a registry failure with registry.ErrUnavailable; neither creates a run.
// The run outlives ctx; use Run.Cancel to stop it.
func (r *Runner) Submit(ctx context.Context, task string) (*Run, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("%w: task must not be empty", ErrValidation)
	}

	snap, err := registry.Capture(ctx, r.source)
	if err != nil {
		return nil, err
	}
	binding := r.providers.Bind()

	run := newRun(uuid.New().String(), task)
	run.ProviderID = binding.Planner().ID()
	run.RegistryVersion = snap.Version

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	r.runs[run.ID] = run
	r.order = append(r.order, run.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	r.prune()

	r.logger.Info("=== RUN STARTED ===",
		"run_id", run.ID,
		"provider", run.ProviderID,
		"registry_version", run.RegistryVersion,
		"task_len", len(task),
	)

	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(runCtx, run, snap, binding)
	}()

	return run, nil
}

// Execute submits the task and waits for the run to complete. If ctx ends
// first the run is cancelled and Execute still waits for its final step.
func (r *Runner) Execute(ctx context.Context, task string) (*Run, error) {
	run, err := r.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := run.Wait(ctx); err != nil {
		run.Cancel()
		<-run.Done()
	}
	return run, nil
}

// Get returns a run held in memory.
func (r *Runner) Get(id string) (*Run, error) {
	r.prune()

	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// List returns runs held in memory in submission order.
func (r *Runner) List() []*Run {
	r.prune()

	r.mu.RLock()
	defer r.mu.RUnlock()
	runs := make([]*Run, 0, len(r.order))
	for _, id := range r.order {
		runs = append(runs, r.runs[id])
	}
	return runs
}

// Shutdown cancels every active run and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	active := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		active = append(active, run)
	}
	r.mu.Unlock()

	for _, run := range active {
		run.Cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune drops completed runs older than the retention window.
func (r *Runner) prune() {
	if r.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	for _, id := range r.order {
		run := r.runs[id]
		if at := run.CompletedAt(); !at.IsZero() && at.Before(cutoff) {
			delete(r.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// CompositeContext is the context string handed to the executor for every call.
func CompositeContext(task, sysContext string) string {
	return "User Prompt: " + task + "\nSystem Context: " + sysContext
}

// execute drives one run from Planning to Completed.
func (r *Runner) execute(ctx context.Context, run *Run, snap *registry.Snapshot, binding *provider.Binding) {
	ctx, span := r.startRunSpan(ctx, run)
	defer r.endRunSpan(span, run)

	run.setState(StatePlanning)

	index := capability.FromSnapshot(snap)
	sysContext := capability.SnapshotOf(snap)
	composite := CompositeContext(run.Task, sysContext)

	steps, err := r.generatePlan(ctx, binding.Planner(), run.Task, index, sysContext)
	run.setState(StateExecuting)
	if ctx.Err() != nil {
		r.abort(ctx, run)
		return
	}
	if err != nil {
		r.logger.Warn("plan generation failed", "run_id", run.ID, "error", err)
		r.emit(ctx, run, plan.NewError("Orchestration failed: "+err.Error()))
		r.finish(ctx, run, OutcomeFailed)
		return
	}

	r.logger.Debug("plan generated", "run_id", run.ID, "steps", len(steps), "tools", index.Len())

	var limiter *rate.Limiter
	if r.stepDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(r.stepDelay), 1)
	}

	outcome := OutcomeSucceeded
	for _, step := range steps {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				r.abort(ctx, run)
				return
			}
		} else if ctx.Err() != nil {
			r.abort(ctx, run)
			return
		}

		r.emit(ctx, run, step)

		if step.Kind() == plan.KindError {
			outcome = OutcomeFailed
			continue
		}
		call, ok := step.AsCall()
		if !ok {
			continue
		}

		tool, resolved := index.Lookup(call.ToolName)
		if !resolved {
			uerr := fmt.Errorf("unresolved tool %q: %w", call.ToolName, ErrUnresolvedTool)
			if r.unresolved == PolicyReject {
				r.logger.Warn("rejecting unresolved tool", "run_id", run.ID, "tool", call.ToolName)
				r.emit(ctx, run, plan.NewCallError(step, uerr.Error()))
				outcome = OutcomeFailed
				continue
			}
			r.logger.Warn("delegating unresolved tool to executor", "run_id", run.ID, "tool", call.ToolName)
		}

		out, err := r.invoke(ctx, binding, snap, call, tool, resolved, composite)
		if err == nil {
			r.emit(ctx, run, plan.NewResult(step, out))
		}
		if ctx.Err() != nil {
			r.abort(ctx, run)
			return
		}
		if err != nil {
			r.logger.Warn("tool execution failed", "run_id", run.ID, "tool", call.ToolName, "error", err)
			r.emit(ctx, run, plan.NewCallError(step, "Tool execution failed: "+err.Error()))
			r.finish(ctx, run, OutcomeFailed)
			return
		}
	}

	r.finish(ctx, run, outcome)
}

// generatePlan calls the planner once and checks the plan it returns.
func (r *Runner) generatePlan(ctx context.Context, planner provider.Provider, task string, index *capability.Index, sysContext string) (steps []plan.Step, err error) {
	ctx, span := r.startPlanSpan(ctx, planner.ID(), index.Len())
	defer func() { r.endPlanSpan(span, len(steps), err) }()

	defer func() {
		if p := recover(); p != nil {
			steps, err = nil, provider.NewError(planner.ID(), fmt.Sprintf("panic during plan generation: %v", p), nil)
		}
	}()

	steps, err = planner.GeneratePlan(ctx, task, index.Tools(), sysContext)
	if err != nil {
		return nil, err
	}
	if verr := plan.Validate(steps); verr != nil {
		return nil, provider.NewError(planner.ID(), "unusable plan", verr)
	}
	return steps, nil
}

// invoke runs one call through the executor chosen by the tool's profile.
func (r *Runner) invoke(ctx context.Context, binding *provider.Binding, snap *registry.Snapshot, call plan.Call, tool capability.Tool, resolved bool, composite string) (out string, err error) {
	profile, hasProfile := resolveProfile(snap, call, tool, resolved)
	exec := binding.ForProfile(profile)
	if hasProfile {
		ctx = provider.WithProfile(ctx, profile)
	}

	ctx, span := r.startToolSpan(ctx, call.ToolName, exec.ID(), profile.ID)
	defer func() { r.endToolSpan(span, out, err) }()

	defer func() {
		if p := recover(); p != nil {
			out, err = "", provider.NewError(exec.ID(), fmt.Sprintf("panic during tool execution: %v", p), nil)
		}
	}()

	return provider.NewProfiled(exec, r.retryBackoff, r.logger).ExecuteTool(ctx, call.ToolName, call.Args, composite)
}

// resolveProfile finds the execution profile for a call: the indexed tool's
// profile first, then the profile the plan asked for, by name or id.
func resolveProfile(snap *registry.Snapshot, call plan.Call, tool capability.Tool, resolved bool) (registry.Profile, bool) {
	if resolved {
		if p, ok := snap.ProfileByName(tool.Profile); ok {
			return p, true
		}
	}
	if call.ExecutionProfile != "" {
		if p, ok := snap.ProfileByName(call.ExecutionProfile); ok {
			return p, true
		}
		if p, ok := snap.Profile(call.ExecutionProfile); ok {
			return p, true
		}
	}
	return registry.Profile{}, false
}

// emit appends a step to the run and fans it out to the sinks.
func (r *Runner) emit(ctx context.Context, run *Run, step plan.Step) {
	run.append(step)

	r.logger.Debug("step appended",
		"run_id", run.ID,
		"kind", step.Kind(),
		"step_id", step.ID,
	)
	r.publish(ctx, Event{
		RunID:     run.ID,
		Type:      EventStep,
		Step:      &step,
		State:     run.State(),
		Timestamp: step.Timestamp,
	})
}

// abort closes a cancelled run with the trailing cancelled step.
func (r *Runner) abort(ctx context.Context, run *Run) {
	r.logger.Info("run cancelled", "run_id", run.ID)
	r.emit(ctx, run, plan.NewError(CancelledMessage))
	r.finish(ctx, run, OutcomeAborted)
}

// finish completes the run, announces it and archives it.
func (r *Runner) finish(ctx context.Context, run *Run, outcome Outcome) {
	run.complete(outcome)

	r.publish(ctx, Event{
		RunID:     run.ID,
		Type:      EventCompleted,
		State:     StateCompleted,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})

	if r.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.archive.SaveRun(actx, run.Summary()); err != nil {
			r.logger.Error("failed to archive run", "run_id", run.ID, "error", err)
		}
		cancel()
	}

	r.logger.Info("=== RUN COMPLETED ===",
		"run_id", run.ID,
		"outcome", outcome,
		"steps", len(run.Steps()),
		"duration", time.Since(run.CreatedAt).Round(time.Millisecond),
	)
}

func (r *Runner) publish(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			r.logger.Warn("step sink failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
		}
	}
}
