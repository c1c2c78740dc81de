// ABOUTME: End-to-end test of the MCP endpoint mounted on the API server
// ABOUTME: Calls a seeded tool through the real runner and the mock provider

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opdbus-orchestrator/internal/mcp"
)

func TestMCP_ListAndCallThroughRunner(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		srv, err := mcp.NewServer(mcp.Config{Tools: d.Runner})
		require.NoError(t, err)
		d.MCP = srv
	})

	resp := env.do(t, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, session)

	resp = env.do(t, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "Mcp-Session-Id", session)
	list := decodeBody[struct {
		Result mcp.MCPListToolsResult `json:"result"`
	}](t, resp)
	require.NotEmpty(t, list.Result.Tools)

	var getUnit string
	for _, tool := range list.Result.Tools {
		if strings.HasSuffix(tool.Name, ".GetUnit") {
			getUnit = tool.Name
		}
	}
	require.NotEmpty(t, getUnit, "seed exposes systemd GetUnit")

	params, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{"name": getUnit, "arguments": map[string]any{"name": "sshd.service"}},
	})
	require.NoError(t, err)
	resp = env.do(t, http.MethodPost, "/mcp", string(params), "Mcp-Session-Id", session)
	call := decodeBody[struct {
		Result mcp.MCPCallToolResult `json:"result"`
	}](t, resp)
	assert.False(t, call.Result.IsError)
	require.Len(t, call.Result.Content, 1)
	assert.Contains(t, call.Result.Content[0].Text, `"status":"success"`)
}

func TestMCP_NotMountedByDefault(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
