// Package dedupe provides an idempotency cache for run submission. A client
// that retries POST /api/runs with the same Idempotency-Key inside the TTL
// window gets the run ID of the first submission instead of a new run.
package dedupe
