// ABOUTME: Response helpers shared by the API handlers: JSON bodies, JSON errors and SSE framing
// ABOUTME: Maps domain errors onto HTTP status codes

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
	"github.com/2389/opdbus-orchestrator/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// sendError maps err onto a status code. Unknown errors are logged and
// reported as 500 without detail.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation),
		errors.Is(err, registry.ErrInvalidURL):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrUnavailable),
		errors.Is(err, orchestrator.ErrClosed):
		s.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var perr *provider.Error
		if errors.As(err, &perr) {
			s.sendJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes a bounded request body into v.
func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// startSSE sets the event stream headers. It fails when the writer cannot flush.
func startSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
