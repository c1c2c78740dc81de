// Package api is the HTTP front end of the orchestrator.
//
// Routes:
//
//	GET    /health                   liveness
//	GET    /health/ready             registry readable
//	GET    /api/tools                capability index
//	GET    /api/context              system context snapshot
//	GET    /api/explain              interface explanation (markdown or html)
//	GET    /api/runs                 runs in memory plus archived runs
//	POST   /api/runs                 submit a task (Idempotency-Key supported)
//	GET    /api/runs/{id}            records, state and outcome
//	GET    /api/runs/{id}/stream     SSE: "step" events then "done"
//	POST   /api/runs/{id}/cancel     cancel a run
//	GET    /api/events               SSE feed of every run's events
//	GET    /api/agents               registered agents
//	POST   /api/agents               connect an agent by URL
//	DELETE /api/agents/{id}          remove an agent
//	GET    /api/providers            provider ids, active and default
//	PUT    /api/providers/active     switch the active provider
//	POST   /api/deploy               chunked deployment log
//
// Errors are JSON objects of the form {"error": "..."}. When a token
// verifier is configured, /api/ routes require a bearer token; read routes
// need the read scope, run routes the run scope and registry or provider
// mutations the admin scope.
package api
