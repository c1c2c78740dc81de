// Package store provides persistent storage for opdbus using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture:
//
//   - RegistryStore: the capability registry (services, agents, skills,
//     profiles, plugins); it is a registry.Source and registry.AgentStore
//   - RunStore: the archive of completed runs; it is an
//     orchestrator.RunArchive with listing on top
//
// SQLiteStore implements both in a single struct. MockStore is an in-memory
// RunStore for tests.
//
// # Drivers
//
// NewSQLiteStore accepts the database/sql driver name. "sqlite" selects
// modernc.org/sqlite (pure Go, the default); "sqlite3" selects
// github.com/mattn/go-sqlite3 (cgo). Both share one schema.
//
// # Registry Tables
//
// Each registry table carries a position column so reads return entries in
// insertion order. Nested data (object trees, capability lists, skill
// parameters, model preferences) is stored as JSON text. Every mutation
// bumps the version row in registry_meta inside the same transaction, so
// snapshots can be tagged with the version they were read at.
//
// # Run Archive
//
//   - runs: one row per completed run (task, provider, outcome, timestamps)
//   - run_steps: the user and assistant records, one row per step, with the
//     step stored in its JSON wire form
//
// The archive is an audit trail. Nothing is replayed from it.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("sqlite", "./data/opdbus.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if empty, _ := s.RegistryEmpty(ctx); empty {
//	    seed, _ := registry.DefaultSeed()
//	    _ = s.ImportSeed(ctx, seed)
//	}
package store
