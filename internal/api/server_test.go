// ABOUTME: Tests for the API server: health, registry, provider, explain and deploy endpoints
// ABOUTME: Drives the handler through httptest with the mock provider and the default seed

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opdbus-orchestrator/internal/auth"
	"github.com/2389/opdbus-orchestrator/internal/config"
	"github.com/2389/opdbus-orchestrator/internal/dedupe"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

type testEnv struct {
	server    *Server
	http      *httptest.Server
	memory    *registry.Memory
	runner    *orchestrator.Runner
	providers *provider.Registry
	events    *orchestrator.Broadcaster
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	seed, err := registry.DefaultSeed()
	require.NoError(t, err)
	mem, err := registry.NewMemoryFromSeed(seed, nil)
	require.NoError(t, err)

	providers := provider.NewRegistry(provider.NewMock("mock", provider.WithStreamDelay(0)), nil)
	events := orchestrator.NewBroadcaster(nil)
	runner := orchestrator.NewRunner(orchestrator.Config{
		Source:    mem,
		Providers: providers,
		Sinks:     []orchestrator.StepSink{events},
	})

	idem := dedupe.New(time.Minute, 100)
	deps := Deps{
		Runner:      runner,
		Source:      mem,
		Providers:   providers,
		Agents:      mem,
		Events:      events,
		Idempotency: idem,
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(config.Default(), deps)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		events.Close()
		idem.Close()
	})

	return &testEnv{server: srv, http: ts, memory: mem, runner: runner, providers: providers, events: events}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.http.URL+path, rdr)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", readBody(t, resp))

	resp = env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "provider mock")
}

// brokenSource fails every read.
type brokenSource struct{}

var errBrokenSource = errors.New("dial tcp: connection refused")

func (*brokenSource) FetchServices(ctx context.Context) ([]registry.Service, error) {
	return nil, errBrokenSource
}

func (*brokenSource) FetchAgents(ctx context.Context) ([]registry.Agent, error) {
	return nil, errBrokenSource
}

func (*brokenSource) FetchSkills(ctx context.Context) ([]registry.Skill, error) {
	return nil, errBrokenSource
}

func (*brokenSource) FetchProfiles(ctx context.Context) ([]registry.Profile, error) {
	return nil, errBrokenSource
}

func (*brokenSource) FetchPlugins(ctx context.Context) ([]registry.Plugin, error) {
	return nil, errBrokenSource
}

func TestHealthReady_RegistryDown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Source = &brokenSource{} })

	resp := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTools(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[ToolsResponse](t, resp)
	require.NotEmpty(t, body.Tools)
	names := make([]string, len(body.Tools))
	for i, tool := range body.Tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "DBUS: org.freedesktop.systemd1 org.freedesktop.systemd1.Manager.GetUnit(name: s)")
}

func TestContext(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/context", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[ContextResponse](t, resp)
	assert.Contains(t, body.Context, "org.freedesktop.systemd1")
}

func TestAgents_ConnectListRemove(t *testing.T) {
	env := newTestEnv(t)

	before := decodeBody[[]registry.Agent](t, env.do(t, http.MethodGet, "/api/agents", ""))

	resp := env.do(t, http.MethodPost, "/api/agents", `{"url":"http://10.0.0.5:9000"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	agent := decodeBody[registry.Agent](t, resp)
	assert.Equal(t, "New Agent (9000)", agent.Name)

	after := decodeBody[[]registry.Agent](t, env.do(t, http.MethodGet, "/api/agents", ""))
	require.Len(t, after, len(before)+1)
	assert.Equal(t, agent.ID, after[len(after)-1].ID, "new agents are appended")

	resp = env.do(t, http.MethodDelete, "/api/agents/"+agent.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/agents/"+agent.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgents_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing url", `{}`},
		{"relative url", `{"url":"not-a-url"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/agents", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAgents_ReadOnlyRegistry(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Agents = nil })

	resp := env.do(t, http.MethodPost, "/api/agents", `{"url":"http://x:1"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProviders_ListAndSelect(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.providers.Register(provider.NewMock("backup", provider.WithStreamDelay(0))))

	body := decodeBody[ProvidersResponse](t, env.do(t, http.MethodGet, "/api/providers", ""))
	assert.Equal(t, "mock", body.Active)
	assert.Equal(t, []string{"mock", "backup"}, body.Providers)

	resp := env.do(t, http.MethodPut, "/api/providers/active", `{"id":"backup"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[ProvidersResponse](t, resp)
	assert.Equal(t, "backup", body.Active)
	assert.Equal(t, "mock", body.Default)

	resp = env.do(t, http.MethodPut, "/api/providers/active", `{"id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "backup", env.providers.Active().ID())
}

func TestExplain(t *testing.T) {
	env := newTestEnv(t)
	q := "/api/explain?service=org.freedesktop.systemd1&interface=org.freedesktop.systemd1.Manager"

	resp := env.do(t, http.MethodGet, q, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	assert.Contains(t, readBody(t, resp), "[Mock mock] Response to:")

	resp = env.do(t, http.MethodGet, q+"&format=html", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, readBody(t, resp), "<p>")
}

func TestExplain_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing params", "", http.StatusBadRequest},
		{"bad format", "?service=a&interface=b&format=pdf", http.StatusBadRequest},
		{"unknown service", "?service=org.example.Nope&interface=x", http.StatusNotFound},
		{"unknown interface", "?service=org.freedesktop.systemd1&interface=x", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/explain"+tt.query, "")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDeploy_StreamsLines(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/deploy", `{"port":9090}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Equal(t, "Initializing...\nMocking deployment...\nDone.\n", readBody(t, resp))
}

func TestDeploy_EmptyBodyAndBadBody(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/deploy", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/deploy", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuth_ScopesGateRoutes(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte("api-test-secret-that-is-long-enough"))
	require.NoError(t, err)
	env := newTestEnv(t, func(d *Deps) { d.Verifier = verifier })

	token := func(scopes ...auth.Scope) string {
		tok, err := verifier.Generate("tester", scopes, time.Hour)
		require.NoError(t, err)
		return "Bearer " + tok
	}

	resp := env.do(t, http.MethodGet, "/api/tools", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tools", "", "Authorization", token(auth.ScopeRead))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/runs", `{"task":"x"}`, "Authorization", token(auth.ScopeRead))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/providers/active", `{"id":"mock"}`, "Authorization", token(auth.ScopeRun))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/providers/active", `{"id":"mock"}`, "Authorization", token(auth.ScopeAdmin))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open
	resp = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveTailscaleSettings(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/opdbus/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/opdbus/ts", dir)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	srv, err := New(cfg, env.server.deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
