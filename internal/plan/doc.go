// Package plan defines plan steps and run records.
//
// A Step is an envelope (id, timestamp) around exactly one Body: Thought,
// Call, Result or Failure. Generators may only produce thoughts and calls
// (plus the degenerate all-error plan); results and call errors are appended
// by the runner and point back at the call they answer.
package plan
