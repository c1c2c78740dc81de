// ABOUTME: Run endpoints: submission with idempotency keys, listing, lookup, step streaming and cancellation
// ABOUTME: Archived runs from the store fill in for runs that have left the runner's memory

package api

import (
	"cmp"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/plan"
	"github.com/2389/opdbus-orchestrator/internal/store"
)

// pendingRun marks an idempotency key whose submission has not returned yet.
const pendingRun = "pending"

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 15 * time.Second

// SubmitRunRequest is the JSON request body for POST /api/runs.
type SubmitRunRequest struct {
	Task string `json:"task"`
}

// SubmitRunResponse is the JSON response for POST /api/runs.
type SubmitRunResponse struct {
	RunID     string             `json:"run_id"`
	State     orchestrator.State `json:"state"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// ListRunsResponse is the JSON response for GET /api/runs.
type ListRunsResponse struct {
	Runs []orchestrator.RunSummary `json:"runs"`
}

// handleSubmitRun handles POST /api/runs.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get("Idempotency-Key")
	idem := s.deps.Idempotency
	if key != "" && idem != nil {
		if existing, dup := idem.Remember(key, pendingRun); dup {
			if existing == pendingRun {
				s.sendJSONError(w, http.StatusConflict, "a submission with this idempotency key is in progress")
				return
			}
			s.writeJSON(w, http.StatusOK, SubmitRunResponse{RunID: existing, State: s.stateOf(r, existing), Duplicate: true})
			return
		}
	}

	run, err := s.deps.Runner.Submit(r.Context(), req.Task)
	if err != nil {
		if key != "" && idem != nil {
			idem.Forget(key)
		}
		s.sendError(w, err)
		return
	}
	if key != "" && idem != nil {
		idem.Put(key, run.ID)
	}

	s.logger.Info("run submitted", "run_id", run.ID, "subject", auth.SubjectFromContext(r.Context()))
	s.writeJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: run.ID, State: run.State()})
}

// stateOf reports the state of a run for duplicate submissions.
func (s *Server) stateOf(r *http.Request, id string) orchestrator.State {
	if run, err := s.deps.Runner.Get(id); err == nil {
		return run.State()
	}
	if s.deps.History != nil {
		if sum, err := s.deps.History.GetRun(r.Context(), id); err == nil {
			return sum.State
		}
	}
	return orchestrator.StateCompleted
}

// handleListRuns handles GET /api/runs. Runs still in memory come first from
// the runner; the archive adds older ones. Results are newest first.
// Supports ?outcome= and ?limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Outcome: orchestrator.Outcome(r.URL.Query().Get("outcome"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	seen := make(map[string]bool)
	var runs []orchestrator.RunSummary
	for _, run := range s.deps.Runner.List() {
		sum := run.Summary()
		if filter.Outcome != "" && sum.Outcome != filter.Outcome {
			continue
		}
		sum.Records = nil
		seen[sum.ID] = true
		runs = append(runs, sum)
	}

	if s.deps.History != nil {
		archived, err := s.deps.History.ListRuns(r.Context(), filter)
		if err != nil {
			s.sendError(w, err)
			return
		}
		for _, sum := range archived {
			if !seen[sum.ID] {
				runs = append(runs, sum)
			}
		}
	}

	slices.SortStableFunc(runs, func(a, b orchestrator.RunSummary) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	if limit := normalizeLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []orchestrator.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, ListRunsResponse{Runs: runs})
}

// normalizeLimit mirrors the archive's limit rules.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

// findRun returns the summary of a run held in memory or archived.
func (s *Server) findRun(r *http.Request, id string) (*orchestrator.Run, *orchestrator.RunSummary, error) {
	run, err := s.deps.Runner.Get(id)
	if err == nil {
		sum := run.Summary()
		return run, &sum, nil
	}
	if !errors.Is(err, orchestrator.ErrRunNotFound) || s.deps.History == nil {
		return nil, nil, err
	}
	sum, herr := s.deps.History.GetRun(r.Context(), id)
	if herr != nil {
		return nil, nil, herr
	}
	return nil, sum, nil
}

// handleGetRun handles GET /api/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	_, sum, err := s.findRun(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

// runDone is the payload of the final "done" event of a run stream.
type runDone struct {
	RunID   string               `json:"run_id"`
	State   orchestrator.State   `json:"state"`
	Outcome orchestrator.Outcome `json:"outcome"`
}

// handleStreamRun handles GET /api/runs/{id}/stream. Every assistant step is
// sent as a "step" event from the first one on, then a single "done" event
// once the run has completed. Archived runs are replayed.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	run, sum, err := s.findRun(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}

	flusher, err := startSSE(w)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	if run == nil {
		for _, rec := range sum.Records {
			if rec.Role != plan.RoleAssistant {
				continue
			}
			for _, step := range rec.Steps {
				s.writeSSEEvent(w, "step", step)
			}
		}
		s.writeSSEEvent(w, "done", runDone{RunID: sum.ID, State: sum.State, Outcome: sum.Outcome})
		flusher.Flush()
		return
	}

	for step := range run.Stream(ctx) {
		s.writeSSEEvent(w, "step", step)
		flusher.Flush()
	}
	if ctx.Err() != nil {
		return
	}
	s.writeSSEEvent(w, "done", runDone{RunID: run.ID, State: run.State(), Outcome: run.Outcome()})
	flusher.Flush()
}

// handleCancelRun handles POST /api/runs/{id}/cancel. Cancelling a completed
// run is a no-op; the response reports the state either way.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runner.Get(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	run.Cancel()
	s.logger.Info("run cancel requested", "run_id", run.ID, "subject", auth.SubjectFromContext(r.Context()))
	s.writeJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: run.ID, State: run.State()})
}

// handleEvents handles GET /api/events, an SSE feed of run events. With
// ?run_id= it follows one run, otherwise every run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.sendJSONError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	key := r.URL.Query().Get("run_id")
	if key == "" {
		key = orchestrator.AllRuns
	}

	// Subscribe before the headers go out so clients miss nothing after connecting.
	ctx := r.Context()
	events, _ := s.deps.Events.Subscribe(ctx, key)

	flusher, err := startSSE(w)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}
