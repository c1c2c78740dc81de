// ABOUTME: A single run: its state machine position, the user and assistant records, and step streaming.
// ABOUTME: Steps are append-only; any number of readers can follow them progressively until completion.

package orchestrator

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// State is a run's position in Idle -> Planning -> Executing -> Completed.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
)

// Outcome qualifies a completed run.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Run is one execution of a plan. The runner goroutine is its only writer.
type Run struct {
	ID              string
	Task            string
	CreatedAt       time.Time
	ProviderID      string
	RegistryVersion uint64

	mu          sync.Mutex
	state       State
	outcome     Outcome
	user        plan.Record
	assistant   plan.Record
	completedAt time.Time
	changed     chan struct{} // closed and replaced on every change
	done        chan struct{}
	cancel      context.CancelFunc
}

func newRun(id, task string) *Run {
	now := time.Now()
	return &Run{
		ID:        id,
		Task:      task,
		CreatedAt: now,
		state:     StateIdle,
		user: plan.Record{
			Role:      plan.RoleUser,
			Steps:     []plan.Step{plan.NewThought(task)},
			StartedAt: now,
		},
		assistant: plan.Record{Role: plan.RoleAssistant, StartedAt: now},
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    func() {},
	}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns how the run ended, or OutcomeNone while it is running.
func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// CompletedAt returns the completion time, zero while running.
func (r *Run) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt
}

// User returns a copy of the request record.
func (r *Run) User() plan.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user.Clone()
}

// Assistant returns a copy of the assistant record as it stands now.
func (r *Run) Assistant() plan.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assistant.Clone()
}

// Steps returns a copy of the assistant steps.
func (r *Run) Steps() []plan.Step {
	return r.Assistant().Steps
}

// Done is closed when the run completes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run completes or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the run at its next suspension point. The steps so far stay
// and a trailing "cancelled" error step is appended. No-op once completed.
func (r *Run) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
}

// Stream yields every assistant step in order, starting from the first, and
// blocks for new ones until the run completes or ctx ends.
func (r *Run) Stream(ctx context.Context) iter.Seq[plan.Step] {
	return func(yield func(plan.Step) bool) {
		next := 0
		for {
			r.mu.Lock()
			pending := slices.Clone(r.assistant.Steps[next:])
			changed := r.changed
			finished := r.state == StateCompleted
			r.mu.Unlock()

			for _, s := range pending {
				if !yield(s) {
					return
				}
				next++
			}
			if finished {
				return
			}
			if len(pending) > 0 {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.notifyLocked()
}

func (r *Run) append(s plan.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistant.Steps = append(r.assistant.Steps, s)
	r.notifyLocked()
}

func (r *Run) complete(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCompleted {
		return
	}
	r.state = StateCompleted
	r.outcome = o
	r.completedAt = time.Now()
	r.cancel = func() {}
	r.notifyLocked()
	close(r.done)
}

func (r *Run) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Summary returns the archivable view of the run.
func (r *Run) Summary() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunSummary{
		ID:              r.ID,
		Task:            r.Task,
		ProviderID:      r.ProviderID,
		RegistryVersion: r.RegistryVersion,
		State:           r.state,
		Outcome:         r.outcome,
		StepCount:       len(r.assistant.Steps),
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.completedAt,
		Records:         []plan.Record{r.user.Clone(), r.assistant.Clone()},
	}
}
