// ABOUTME: Registry, provider and explanation endpoints of the API
// ABOUTME: Explanations are returned as markdown or rendered to HTML with goldmark

package api

import (
	"bytes"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Tools []capability.Tool `json:"tools"`
}

// ContextResponse is the JSON response for GET /api/context.
type ContextResponse struct {
	Context string `json:"context"`
}

// ConnectAgentRequest is the JSON request body for POST /api/agents.
type ConnectAgentRequest struct {
	URL string `json:"url"`
}

// ProvidersResponse is the JSON response for the provider endpoints.
type ProvidersResponse struct {
	Active    string   `json:"active"`
	Default   string   `json:"default"`
	Providers []string `json:"providers"`
}

// SelectProviderRequest is the JSON request body for PUT /api/providers/active.
type SelectProviderRequest struct {
	ID string `json:"id"`
}

// handleTools handles GET /api/tools.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.deps.Runner.Tools(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if tools == nil {
		tools = []capability.Tool{}
	}
	s.writeJSON(w, http.StatusOK, ToolsResponse{Tools: tools})
}

// handleContext handles GET /api/context.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	text, err := s.deps.Runner.SystemContext(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ContextResponse{Context: text})
}

// handleListAgents handles GET /api/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Source.FetchAgents(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if agents == nil {
		agents = []registry.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

// handleConnectAgent handles POST /api/agents.
func (s *Server) handleConnectAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "registry is read-only")
		return
	}

	var req ConnectAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		s.sendJSONError(w, http.StatusBadRequest, "url is required")
		return
	}

	agent, err := s.deps.Agents.ConnectAgent(r.Context(), req.URL)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.logger.Info("agent connected via api", "agent_id", agent.ID, "subject", auth.SubjectFromContext(r.Context()))
	s.writeJSON(w, http.StatusCreated, agent)
}

// handleRemoveAgent handles DELETE /api/agents/{id}.
func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "registry is read-only")
		return
	}
	if err := s.deps.Agents.RemoveAgent(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) providersResponse() ProvidersResponse {
	p := s.deps.Providers
	return ProvidersResponse{
		Active:    p.Active().ID(),
		Default:   p.Default().ID(),
		Providers: p.IDs(),
	}
}

// handleListProviders handles GET /api/providers.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.providersResponse())
}

// handleSelectProvider handles PUT /api/providers/active. Runs already in
// progress keep the provider they were bound to.
func (s *Server) handleSelectProvider(w http.ResponseWriter, r *http.Request) {
	var req SelectProviderRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Providers.Select(req.ID); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.providersResponse())
}

// handleExplain handles GET /api/explain?service=&interface=&format=.
// format is markdown (default) or html.
func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		s.sendJSONError(w, http.StatusBadRequest, "format must be markdown or html")
		return
	}

	text, err := s.deps.Runner.Explain(r.Context(), q.Get("service"), q.Get("interface"))
	if err != nil {
		s.sendError(w, err)
		return
	}

	if format == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(text))
		return
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &htmlBuf); err != nil {
		s.logger.Error("failed to render explanation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to render explanation")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(htmlBuf.Bytes())
}
