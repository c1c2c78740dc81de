// ABOUTME: Store interfaces for opdbus persistence: the capability registry tables and the run archive
// ABOUTME: SQLiteStore implements both; MockStore is an in-memory run archive for tests

package store

import (
	"context"
	"errors"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownDriver is returned when the configured database driver is not supported
var ErrUnknownDriver = errors.New("unknown database driver")

// Supported database/sql driver names.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// RunFilter specifies filtering options for listing archived runs.
type RunFilter struct {
	Outcome orchestrator.Outcome // empty matches every outcome
	Limit   int                  // max results (default 50, max 500)
}

// RunStore archives completed runs and lists them for history views.
// Listed summaries carry no records; GetRun returns them.
type RunStore interface {
	orchestrator.RunArchive
	GetRun(ctx context.Context, id string) (*orchestrator.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]orchestrator.RunSummary, error)
}

// RegistryStore is a persistent capability registry.
type RegistryStore interface {
	registry.Source
	registry.Snapshotter
	registry.AgentStore
	registry.Reloadable
	ImportSeed(ctx context.Context, seed *registry.Seed) error
	RegistryEmpty(ctx context.Context) (bool, error)
	SetAgentStatus(ctx context.Context, id string, status registry.AgentStatus) error
}

// Store is everything SQLiteStore provides.
type Store interface {
	RunStore
	RegistryStore
	Close() error
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ RunStore = (*MockStore)(nil)
)
