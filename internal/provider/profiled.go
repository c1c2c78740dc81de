// ABOUTME: Carries the execution profile through context and applies its timeout and retry budget to tool calls.
// ABOUTME: This wrapper is the only place a failed tool call is retried.

package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/registry"
)

type profileKey struct{}

// WithProfile attaches an execution profile to ctx.
func WithProfile(ctx context.Context, p registry.Profile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// ProfileFromContext returns the execution profile attached to ctx.
func ProfileFromContext(ctx context.Context) (registry.Profile, bool) {
	p, ok := ctx.Value(profileKey{}).(registry.Profile)
	return p, ok
}

// DefaultRetryBackoff is the pause between attempts.
const DefaultRetryBackoff = 250 * time.Millisecond

// Profiled wraps an executor with the per-attempt timeout and retry count of
// the profile found in the call's context. Without a profile it makes exactly
// one attempt with no extra deadline.
type Profiled struct {
	exec    ToolExecutor
	backoff time.Duration
	logger  *slog.Logger
}

// NewProfiled wraps exec. Pass nil logger for default.
func NewProfiled(exec ToolExecutor, backoff time.Duration, logger *slog.Logger) *Profiled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiled{exec: exec, backoff: backoff, logger: logger.With("component", "profiled-executor")}
}

// ExecuteTool runs the call, retrying provider errors up to MaxRetries times.
// Errors that are not *Error, and cancellation of ctx itself, are not retried.
func (p *Profiled) ExecuteTool(ctx context.Context, toolName string, args map[string]any, sysContext string) (string, error) {
	profile, hasProfile := ProfileFromContext(ctx)
	attempts := 1
	if hasProfile {
		attempts += profile.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := p.attempt(ctx, profile, toolName, args, sysContext)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var perr *Error
		if ctx.Err() != nil || !errors.As(err, &perr) || attempt == attempts {
			break
		}

		p.logger.Warn("tool call failed, retrying",
			"tool", toolName,
			"profile", profile.ID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if p.backoff > 0 {
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(p.backoff):
			}
		}
	}
	return "", lastErr
}

func (p *Profiled) attempt(ctx context.Context, profile registry.Profile, toolName string, args map[string]any, sysContext string) (string, error) {
	if profile.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(profile.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return p.exec.ExecuteTool(ctx, toolName, args, sysContext)
}
