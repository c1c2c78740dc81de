// ABOUTME: Tests for the MCP HTTP server including session handling, tool listing and execution.
// ABOUTME: Validates scope checks, name mapping, error mapping and session ownership.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

const getUnit = "DBUS: org.freedesktop.systemd1 org.freedesktop.systemd1.Manager.GetUnit(name: s)"

// fakeTools implements ToolService for testing.
type fakeTools struct {
	tools   []capability.Tool
	listErr error
	callErr error

	mu    sync.Mutex
	calls []string
	args  []map[string]any
}

func newFakeTools() *fakeTools {
	return &fakeTools{tools: []capability.Tool{
		{Profile: "System", Name: getUnit, Signature: "name: s", Kind: capability.KindDBusMethod, Owner: "org.freedesktop.systemd1"},
		{Profile: "Real-time Fast", Name: "AGENT [Net Monitor]: packet_capture", Kind: capability.KindAgentCapability, Owner: "Net Monitor"},
		{Profile: "Standard", Name: "SKILL [Files]: read_file", Signature: "path: string, limit: number", Kind: capability.KindSkill, Owner: "Files", Description: "Read a file"},
	}}
}

func (f *fakeTools) Tools(ctx context.Context) ([]capability.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeTools) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.callErr != nil {
		return "", f.callErr
	}
	for _, t := range f.tools {
		if t.Name == name {
			return `{"status":"success","tool":"` + name + `"}`, nil
		}
	}
	return "", fmt.Errorf("%w: tool %q", orchestrator.ErrNotFound, name)
}

// fakeVerifier accepts tokens listed in its map.
type fakeVerifier map[string]*auth.Claims

func (v fakeVerifier) Verify(token string) (*auth.Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, auth.ErrInvalidToken
}

func newTestServer(t *testing.T, cfg Config) (*Server, *http.ServeMux) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return server, mux
}

func rpc(t *testing.T, mux *http.ServeMux, path, sessionID, method string, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rr, resp
}

func initialize(t *testing.T, mux *http.ServeMux, path string) string {
	t.Helper()
	rr, resp := rpc(t, mux, path, "", "initialize", map[string]any{"protocolVersion": latestProtocolVersion})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	id := rr.Header().Get("Mcp-Session-Id")
	if id == "" {
		t.Fatal("initialize did not return a session id")
	}
	return id
}

// decodeResult re-decodes a JSON-RPC result into out.
func decodeResult(t *testing.T, resp JSONRPCResponse, out any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestInitializeAndPing(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools(), Version: "1.2.3"})

	rr, resp := rpc(t, mux, "/mcp", "", "initialize", nil)
	if rr.Header().Get("Mcp-Session-Id") == "" {
		t.Fatal("missing session header")
	}
	var result struct {
		ProtocolVersion string            `json:"protocolVersion"`
		ServerInfo      map[string]string `json:"serverInfo"`
	}
	decodeResult(t, resp, &result)
	if result.ProtocolVersion != latestProtocolVersion {
		t.Errorf("expected protocol %s, got %s", latestProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo["name"] != "opdbus" || result.ServerInfo["version"] != "1.2.3" {
		t.Errorf("unexpected server info: %v", result.ServerInfo)
	}

	_, pong := rpc(t, mux, "/mcp", rr.Header().Get("Mcp-Session-Id"), "ping", nil)
	if pong.Error != nil {
		t.Errorf("ping failed: %+v", pong.Error)
	}
}

func TestHandleToolsList(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools()})
	session := initialize(t, mux, "/mcp")

	_, resp := rpc(t, mux, "/mcp", session, "tools/list", nil)
	var result MCPListToolsResult
	decodeResult(t, resp, &result)

	if len(result.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(result.Tools))
	}
	want := []string{
		"org.freedesktop.systemd1.Manager.GetUnit",
		"agent_Net_Monitor_packet_capture",
		"skill_read_file",
	}
	for i, w := range want {
		if result.Tools[i].Name != w {
			t.Errorf("tool %d: expected name %q, got %q", i, w, result.Tools[i].Name)
		}
	}
	if result.Tools[0].Title != getUnit {
		t.Errorf("expected qualified title, got %q", result.Tools[0].Title)
	}

	var schema struct {
		Properties map[string]map[string]string `json:"properties"`
		Required   []string                     `json:"required"`
	}
	if err := json.Unmarshal(result.Tools[2].InputSchema, &schema); err != nil {
		t.Fatalf("invalid schema: %v", err)
	}
	if schema.Properties["path"]["type"] != "string" || schema.Properties["limit"]["type"] != "number" {
		t.Errorf("unexpected schema: %+v", schema.Properties)
	}
	if len(schema.Required) != 2 {
		t.Errorf("expected 2 required params, got %v", schema.Required)
	}
}

func TestHandleToolsCall(t *testing.T) {
	t.Run("calls by protocol name", func(t *testing.T) {
		tools := newFakeTools()
		_, mux := newTestServer(t, Config{Tools: tools})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{
			"name":      "org.freedesktop.systemd1.Manager.GetUnit",
			"arguments": map[string]any{"name": "sshd.service"},
		})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		if result.IsError {
			t.Fatalf("unexpected tool error: %+v", result)
		}
		if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "success") {
			t.Errorf("unexpected content: %+v", result.Content)
		}
		if len(tools.calls) != 1 || tools.calls[0] != getUnit {
			t.Errorf("expected call to qualified name, got %v", tools.calls)
		}
		if tools.args[0]["name"] != "sshd.service" {
			t.Errorf("arguments not forwarded: %v", tools.args[0])
		}
	})

	t.Run("calls by qualified name", func(t *testing.T) {
		tools := newFakeTools()
		_, mux := newTestServer(t, Config{Tools: tools})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{"name": getUnit})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		if result.IsError {
			t.Fatalf("unexpected tool error: %+v", result)
		}
	})

	t.Run("same-named agents are each callable", func(t *testing.T) {
		tools := &fakeTools{tools: capability.Build(nil, []registry.Agent{
			{ID: "1f2e3d4c-0000", Name: "New Agent (80)", Status: registry.AgentConnected, Capabilities: []string{"discovered_new_tool"}},
			{ID: "9a8b7c6d-0000", Name: "New Agent (80)", Status: registry.AgentConnected, Capabilities: []string{"discovered_new_tool"}},
		}, nil, nil)}
		_, mux := newTestServer(t, Config{Tools: tools})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/list", nil)
		var list MCPListToolsResult
		decodeResult(t, resp, &list)
		if len(list.Tools) != 2 || list.Tools[0].Name == list.Tools[1].Name {
			t.Fatalf("expected two distinct tools, got %+v", list.Tools)
		}

		for _, tool := range list.Tools {
			_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{"name": tool.Name})
			var result MCPCallToolResult
			decodeResult(t, resp, &result)
			if result.IsError {
				t.Fatalf("calling %s: %+v", tool.Name, result)
			}
		}
		want := []string{
			"AGENT [New Agent (80) #1f2e3d4c]: discovered_new_tool",
			"AGENT [New Agent (80) #9a8b7c6d]: discovered_new_tool",
		}
		if len(tools.calls) != 2 || tools.calls[0] != want[0] || tools.calls[1] != want[1] {
			t.Errorf("expected calls %v, got %v", want, tools.calls)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, mux := newTestServer(t, Config{Tools: newFakeTools()})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{"name": "nope"})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams || resp.Error.Message != "tool not found" {
			t.Errorf("expected tool not found error, got %+v", resp.Error)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		_, mux := newTestServer(t, Config{Tools: newFakeTools()})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params, got %+v", resp.Error)
		}
	})

	t.Run("executor fault is a tool result", func(t *testing.T) {
		tools := newFakeTools()
		tools.callErr = provider.NewError("mock", "backend down", nil)
		_, mux := newTestServer(t, Config{Tools: tools})
		session := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{"name": getUnit})
		var result MCPCallToolResult
		decodeResult(t, resp, &result)
		if !result.IsError || !strings.Contains(result.Content[0].Text, "backend down") {
			t.Errorf("expected isError result, got %+v", result)
		}
	})
}

func TestScopes(t *testing.T) {
	verifier := fakeVerifier{
		"reader": {Subject: "dash", Scopes: []auth.Scope{auth.ScopeRead}},
		"runner": {Subject: "ci", Scopes: []auth.Scope{auth.ScopeRun}},
		"admin":  {Subject: "ops", Scopes: []auth.Scope{auth.ScopeAdmin}},
	}
	_, mux := newTestServer(t, Config{Tools: newFakeTools(), TokenVerifier: verifier, RequireAuth: true})

	tests := []struct {
		token    string
		canList  bool
		canCall  bool
		pathForm bool
	}{
		{"reader", true, false, false},
		{"runner", false, true, true},
		{"admin", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			path := "/mcp?token=" + tt.token
			if tt.pathForm {
				path = "/mcp/" + tt.token
			}
			session := initialize(t, mux, path)

			_, list := rpc(t, mux, "/mcp", session, "tools/list", nil)
			if (list.Error == nil) != tt.canList {
				t.Errorf("tools/list allowed=%v, error=%+v", tt.canList, list.Error)
			}
			_, call := rpc(t, mux, "/mcp", session, "tools/call", map[string]any{"name": getUnit})
			if (call.Error == nil) != tt.canCall {
				t.Errorf("tools/call allowed=%v, error=%+v", tt.canCall, call.Error)
			}
		})
	}

	t.Run("missing token", func(t *testing.T) {
		_, resp := rpc(t, mux, "/mcp", "", "initialize", nil)
		if resp.Error == nil || resp.Error.Message != "authentication required" {
			t.Errorf("expected authentication required, got %+v", resp.Error)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		_, resp := rpc(t, mux, "/mcp?token=bogus", "", "initialize", nil)
		if resp.Error == nil || resp.Error.Message != errInvalidToken.Error() {
			t.Errorf("expected invalid token, got %+v", resp.Error)
		}
	})
}

func TestSessionRequirements(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools()})

	rr, _ := rpc(t, mux, "/mcp", "", "tools/list", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without session, got %d", rr.Code)
	}

	rr, _ = rpc(t, mux, "/mcp", "unknown-session", "tools/list", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rr.Code)
	}

	session := initialize(t, mux, "/mcp")
	_, resp := rpc(t, mux, "/mcp", session, "resources/list", nil)
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestNotificationsAccepted(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools()})
	session := initialize(t, mux, "/mcp")

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set("Mcp-Session-Id", session)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}
}

func TestMalformedRequests(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools()})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{not json`, JSONRPCParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, JSONRPCInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			var resp JSONRPCResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("expected code %d, got %+v", tt.code, resp.Error)
			}
		})
	}

	t.Run("oversized body", func(t *testing.T) {
		big := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":"` + strings.Repeat("x", MaxRequestBodySize) + `"}}`
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(big))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if !strings.Contains(rr.Body.String(), "request body too large") {
			t.Errorf("expected body too large error, got %s", rr.Body.String())
		}
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		session := initialize(t, mux, "/mcp")
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
		req.Header.Set("Mcp-Session-Id", session)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestHandleDelete(t *testing.T) {
	verifier := fakeVerifier{
		"owner": {Subject: "a", Scopes: auth.AllScopes},
		"other": {Subject: "b", Scopes: auth.AllScopes},
	}
	server, mux := newTestServer(t, Config{Tools: newFakeTools(), TokenVerifier: verifier})
	session := initialize(t, mux, "/mcp?token=owner")

	del := func(token string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", session)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := del("other"); code != http.StatusForbidden {
		t.Errorf("expected 403 for another caller, got %d", code)
	}
	if code := del("owner"); code != http.StatusNoContent {
		t.Errorf("expected 204 for owner, got %d", code)
	}
	if server.sessions.len() != 0 {
		t.Errorf("expected session removed, %d remain", server.sessions.len())
	}
	if code := del("owner"); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := newTestServer(t, Config{Tools: newFakeTools()})
	for _, method := range []string{http.MethodGet, http.MethodPut} {
		req := httptest.NewRequest(method, "/mcp", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rr.Code)
		}
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without tool service")
	}
	if _, err := NewServer(Config{Tools: newFakeTools(), RequireAuth: true}); err == nil {
		t.Error("expected error when auth is required without a verifier")
	}
}

func TestHandleToolError(t *testing.T) {
	server, _ := newTestServer(t, Config{Tools: newFakeTools()})

	tests := []struct {
		err     error
		code    int
		message string
	}{
		{orchestrator.ErrValidation, JSONRPCInvalidParams, "invalid tool call"},
		{fmt.Errorf("x: %w", orchestrator.ErrNotFound), JSONRPCInvalidParams, "tool not found"},
		{fmt.Errorf("%w: down", registry.ErrUnavailable), JSONRPCInternalError, "registry unavailable"},
		{context.DeadlineExceeded, JSONRPCInternalError, "tool execution timed out"},
		{context.Canceled, JSONRPCInternalError, "request cancelled"},
		{errors.New("boom"), JSONRPCInternalError, "tool execution failed"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		server.handleToolError(rr, json.RawMessage(`1`), "t", tt.err)

		var resp JSONRPCResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error.Code != tt.code || resp.Error.Message != tt.message {
			t.Errorf("%v: got %+v", tt.err, resp.Error)
		}
	}
}

func TestRegistryOutageOnList(t *testing.T) {
	tools := newFakeTools()
	tools.listErr = fmt.Errorf("%w: dial", registry.ErrUnavailable)
	_, mux := newTestServer(t, Config{Tools: tools})
	session := initialize(t, mux, "/mcp")

	_, resp := rpc(t, mux, "/mcp", session, "tools/list", nil)
	if resp.Error == nil || resp.Error.Message != "registry unavailable" {
		t.Errorf("expected registry unavailable, got %+v", resp.Error)
	}
}
