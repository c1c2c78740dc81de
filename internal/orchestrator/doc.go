// Package orchestrator runs plans.
//
// # Lifecycle
//
// Runner.Submit rejects empty tasks with ErrValidation and returns registry
// failures unchanged; neither creates a run. Otherwise it captures one
// registry snapshot and one provider binding and starts the run:
//
//	Idle -> Planning -> Executing -> Completed
//
// Planning builds the tool index and system snapshot from the captured
// registry and calls the bound planner once. Executing appends plan steps one
// at a time, paced by a rate limiter, and answers every call step with a
// result or error step placed directly after it.
//
// # Failures
//
// Provider faults never escape a run. A planner fault or an unusable plan
// becomes one "Orchestration failed" error step. An executor fault becomes an
// error step after its call and ends the run. Calls to tools that are not in
// the run's index are rejected with an error step, or handed to the executor
// under PolicyDelegate.
//
// # Cancellation
//
// Run.Cancel stops the run at its next suspension point (pacing, planning or
// a tool call). Steps so far remain and a trailing "cancelled" error step is
// appended; the outcome is OutcomeAborted.
//
// # Fan-out
//
// Every appended step and the completion are published to the configured
// StepSinks. Broadcaster is the in-process sink used by the HTTP event
// stream; completed runs are handed to the RunArchive.
package orchestrator
