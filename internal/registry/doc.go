// Package registry holds the capability registry the planner reads from.
//
// # Overview
//
// The registry describes everything a plan may call: DBus services (with
// their object/interface/method tree), remote agents and their capability
// strings, built-in skills, execution profiles and plugins.
//
// # Sources
//
// Reads go through the Source interface. Every read returns an ordered slice
// with stable insertion order. A transport failure is wrapped with
// ErrUnavailable; an empty slice is a valid "no capabilities" answer.
//
// Implementations:
//
//   - Memory: in-process, seeded from YAML/TOML or the embedded default seed
//   - store.SQLiteStore: persistent registry tables
//
// # Snapshots
//
// Capture reads every collection once and returns a Snapshot tagged with the
// source version. A run captures its snapshot when it enters planning and never
// reads the registry again, so concurrent agent connects or removals cannot
// change a run that is already executing.
//
// # Agents
//
// ConnectAgent parses the URL (ErrInvalidURL on failure) and synthesises a
// connected agent exposing the single "discovered_new_tool" capability.
//
// # Watching
//
// Watcher reloads a Reloadable registry (Memory or the SQLite store) from its
// seed file on change, using fsnotify with a short debounce.
package registry
