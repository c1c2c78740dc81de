// Package provider defines the pluggable reasoner and executor backends.
//
// # Contracts
//
// A Provider implements PlanGenerator (plans and free text), ToolExecutor
// (tool calls) and LogStreamer (deployment log chunks). Faults cross the
// boundary as *Error values; the runner turns them into error steps.
//
// # Implementations
//
//   - Mock: deterministic, offline, the default backend
//   - Ollama: a live reasoner over Ollama's HTTP API
//
// # Selection
//
// Registry holds providers by id with a default fixed at construction and a
// switchable active provider. A run calls Bind once when it starts planning
// and uses that Binding for its whole lifetime, so Select never changes a run
// that is already executing. Binding.ForProfile routes a tool call to the
// first provider named in its execution profile's model preferences.
//
// # Retries
//
// Profiled applies the execution profile attached with WithProfile: a
// per-attempt timeout of TimeoutMs and up to MaxRetries retries.
package provider
