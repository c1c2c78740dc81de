// ABOUTME: Deployment log endpoint streaming the active provider's log as chunked plain text
// ABOUTME: Each complete log line is written and flushed on its own

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/provider"
)

// handleDeploy handles POST /api/deploy. The body is an optional deploy
// configuration; missing fields take their defaults.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var cfg provider.DeployConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	s.logger.Info("deploy log requested", "subject", auth.SubjectFromContext(r.Context()))

	lines := 0
	for line := range s.deps.Runner.Deploy(r.Context(), cfg) {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			s.logger.Debug("deploy client went away", "error", err, "lines", lines)
			return
		}
		flusher.Flush()
		lines++
	}
	s.logger.Debug("deploy log finished", "lines", lines)
}
