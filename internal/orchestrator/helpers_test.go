// ABOUTME: Test doubles for runner tests: a scripted provider, failing sources and a recording archive.
// ABOUTME: Also holds the step-pairing checker shared by ordering tests.

package orchestrator

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/plan"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

const getUnitTool = "DBUS: org.freedesktop.systemd1 org.freedesktop.systemd1.Manager.GetUnit(name: s)"

// scripted is a provider whose plan and tool results are set by the test.
type scripted struct {
	id      string
	steps   func() []plan.Step
	planErr error
	exec    func(ctx context.Context, name string) (string, error)

	mu       sync.Mutex
	calls    []string
	contexts []string
	tasks    []string
	tools    [][]capability.Tool
}

func newScripted(id string, steps ...plan.Step) *scripted {
	return &scripted{
		id: id,
		steps: func() []plan.Step {
			return steps
		},
	}
}

func (s *scripted) ID() string { return s.id }

func (s *scripted) GeneratePlan(ctx context.Context, task string, tools []capability.Tool, sysContext string) ([]plan.Step, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.tools = append(s.tools, tools)
	s.mu.Unlock()
	if s.planErr != nil {
		return nil, s.planErr
	}
	return s.steps(), nil
}

func (s *scripted) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "explained: " + prompt, nil
}

func (s *scripted) ExecuteTool(ctx context.Context, name string, args map[string]any, sysContext string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.contexts = append(s.contexts, sysContext)
	s.mu.Unlock()
	if s.exec != nil {
		return s.exec(ctx, name)
	}
	return `{"tool":"` + name + `"}`, nil
}

func (s *scripted) StreamLog(ctx context.Context, cfg provider.DeployConfig) iter.Seq[string] {
	return slices.Values([]string{"a\nb", "\n"})
}

func (s *scripted) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// blockingExec returns an exec func that signals started and then waits for
// release or cancellation.
func blockingExec(started chan<- string, release <-chan struct{}) func(ctx context.Context, name string) (string, error) {
	return func(ctx context.Context, name string) (string, error) {
		started <- name
		select {
		case <-release:
			return `{"released":true}`, nil
		case <-ctx.Done():
			return "", provider.NewError("blocking", "cancelled", ctx.Err())
		}
	}
}

// unavailableSource fails every read.
type unavailableSource struct{}

var errRefused = errors.New("dial tcp: connection refused")

func (*unavailableSource) FetchServices(ctx context.Context) ([]registry.Service, error) {
	return nil, errRefused
}

func (*unavailableSource) FetchAgents(ctx context.Context) ([]registry.Agent, error) {
	return nil, errRefused
}

func (*unavailableSource) FetchSkills(ctx context.Context) ([]registry.Skill, error) {
	return nil, errRefused
}

func (*unavailableSource) FetchProfiles(ctx context.Context) ([]registry.Profile, error) {
	return nil, errRefused
}

func (*unavailableSource) FetchPlugins(ctx context.Context) ([]registry.Plugin, error) {
	return nil, errRefused
}

// recordingArchive keeps every saved run.
type recordingArchive struct {
	mu   sync.Mutex
	runs []RunSummary
}

func (a *recordingArchive) SaveRun(ctx context.Context, run RunSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, run)
	return nil
}

func (a *recordingArchive) saved() []RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.runs)
}

// failingSink always fails.
type failingSink struct{}

func (failingSink) Publish(ctx context.Context, ev Event) error {
	return errors.New("sink down")
}

func systemdSeed() *registry.Seed {
	return &registry.Seed{
		Profiles: []registry.Profile{
			{ID: "profile-realtime", Name: "Real-time Fast", TimeoutMs: 5000, MaxRetries: 1},
			{ID: "profile-reasoning", Name: "Deep Reasoning", TimeoutMs: 5000, MaxRetries: 2, ModelPreferences: []string{"claude-3-opus"}},
		},
		Services: []registry.Service{{
			ID:     "1",
			Name:   "org.freedesktop.systemd1",
			Status: registry.ServiceActive,
			Objects: []registry.Object{{
				Path: "/org/freedesktop/systemd1",
				Interfaces: []registry.Interface{{
					Name: "org.freedesktop.systemd1.Manager",
					Methods: []registry.Method{{Name: "GetUnit", Args: []registry.Arg{
						{Name: "name", Type: "s", Direction: registry.DirectionIn},
						{Name: "unit", Type: "o", Direction: registry.DirectionOut},
					}}},
				}},
			}},
		}},
	}
}

func newMemory(t *testing.T, seed *registry.Seed) *registry.Memory {
	t.Helper()
	mem, err := registry.NewMemoryFromSeed(seed, nil)
	require.NoError(t, err)
	return mem
}

func newTestRunner(t *testing.T, src registry.Source, p provider.Provider, mutate ...func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Source:    src,
		Providers: provider.NewRegistry(p, nil),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r := NewRunner(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx), "run did not complete")
	require.Equal(t, StateCompleted, run.State())
}

func kinds(steps []plan.Step) []plan.Kind {
	out := make([]plan.Kind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind()
	}
	return out
}

// assertPairing checks that every call is immediately answered by a result or
// error pointing back at it, and that no result precedes its call.
func assertPairing(t *testing.T, steps []plan.Step) {
	t.Helper()
	seen := map[string]bool{}
	for i, s := range steps {
		if ref := s.RespondsTo(); ref != "" {
			assert.True(t, seen[ref], "step %d answers call %s before it appeared", i, ref)
		}
		if s.Kind() == plan.KindResult {
			require.Positive(t, i)
			assert.Equal(t, plan.KindCall, steps[i-1].Kind(), "result at %d does not follow a call", i)
		}
		seen[s.ID] = true

		if s.Kind() != plan.KindCall || i == len(steps)-1 {
			continue
		}
		next := steps[i+1]
		assert.Contains(t, []plan.Kind{plan.KindResult, plan.KindError}, next.Kind(), "call at %d followed by %s", i, next.Kind())
		if next.RespondsTo() != "" {
			assert.Equal(t, s.ID, next.RespondsTo())
		}
	}
}
