// ABOUTME: Mock RunStore implementation for testing
// ABOUTME: Allows tests to archive and list runs without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// MockStore is an in-memory RunStore implementation for testing.
type MockStore struct {
	mu   sync.RWMutex
	runs map[string]orchestrator.RunSummary // keyed by run ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		runs: make(map[string]orchestrator.RunSummary),
	}
}

// SaveRun stores a copy of the run, replacing any previous copy.
func (m *MockStore) SaveRun(ctx context.Context, run orchestrator.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.Records = cloneRecords(run.Records)
	m.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (m *MockStore) GetRun(ctx context.Context, id string) (*orchestrator.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	run.Records = cloneRecords(run.Records)
	return &run, nil
}

// ListRuns returns runs newest first, without records, matching SQLiteStore.
func (m *MockStore) ListRuns(ctx context.Context, filter RunFilter) ([]orchestrator.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []orchestrator.RunSummary
	for _, run := range m.runs {
		if filter.Outcome != orchestrator.OutcomeNone && run.Outcome != filter.Outcome {
			continue
		}
		run.Records = nil
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit := normalizeRunLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func cloneRecords(records []plan.Record) []plan.Record {
	out := slices.Clone(records)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}
