// ABOUTME: OpenTelemetry span helpers for runs, plan generation and tool calls.
// ABOUTME: Uses the global tracer provider, so spans are no-ops unless the host installs one.

package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/2389/opdbus-orchestrator/internal/orchestrator"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startRunSpan starts the span covering a whole run.
func (r *Runner) startRunSpan(ctx context.Context, run *Run) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.run")
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.provider", run.ProviderID),
		attribute.Int64("registry.version", int64(run.RegistryVersion)),
	)
	return ctx, span
}

// endRunSpan records the outcome and ends the run span.
func (r *Runner) endRunSpan(span trace.Span, run *Run) {
	span.SetAttributes(
		attribute.String("run.state", string(run.State())),
		attribute.String("run.outcome", string(run.Outcome())),
		attribute.Int("run.steps", len(run.Steps())),
	)
	if run.Outcome() != OutcomeSucceeded {
		span.SetStatus(codes.Error, string(run.Outcome()))
	}
	span.End()
}

// startPlanSpan starts the span around plan generation.
func (r *Runner) startPlanSpan(ctx context.Context, providerID string, tools int) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.plan")
	span.SetAttributes(
		attribute.String("plan.provider", providerID),
		attribute.Int("plan.tools", tools),
	)
	return ctx, span
}

// endPlanSpan ends the plan span.
func (r *Runner) endPlanSpan(span trace.Span, steps int, err error) {
	span.SetAttributes(attribute.Int("plan.steps", steps))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startToolSpan starts the span around one tool call.
func (r *Runner) startToolSpan(ctx context.Context, toolName, providerID, profile string) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.tool")
	span.SetAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.provider", providerID),
		attribute.String("tool.profile", profile),
	)
	return ctx, span
}

// endToolSpan ends the tool span.
func (r *Runner) endToolSpan(span trace.Span, output string, err error) {
	span.SetAttributes(attribute.Int("tool.output_bytes", len(output)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
