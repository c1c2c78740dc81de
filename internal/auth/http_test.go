// ABOUTME: Tests for HTTP JWT authentication middleware
// ABOUTME: Verifies token extraction, validation, scope gating and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// subjectHandler echoes the authenticated subject.
func subjectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(SubjectFromContext(r.Context())))
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, err := verifier.Generate("ci-bot", []Scope{ScopeRun}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := verifier.Generate("ci-bot", []Scope{ScopeRun}, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		method     string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{name: "valid bearer", method: http.MethodGet, header: "Bearer " + valid, wantStatus: http.StatusOK, wantBody: "ci-bot"},
		{name: "missing header", method: http.MethodGet, wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", method: http.MethodGet, header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", method: http.MethodGet, header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "expired", method: http.MethodGet, header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "garbage", method: http.MethodGet, header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "query token on GET", method: http.MethodGet, query: "?access_token=" + valid, wantStatus: http.StatusOK, wantBody: "ci-bot"},
		{name: "query token ignored on POST", method: http.MethodPost, query: "?access_token=" + valid, wantStatus: http.StatusUnauthorized},
	}

	handler := HTTPAuthMiddleware(verifier, nil)(subjectHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/runs"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name       string
		auth       *AuthContext
		scope      Scope
		wantStatus int
	}{
		{name: "granted", auth: &AuthContext{Subject: "a", Scopes: []Scope{ScopeRun}}, scope: ScopeRun, wantStatus: http.StatusOK},
		{name: "admin covers run", auth: &AuthContext{Subject: "a", Scopes: []Scope{ScopeAdmin}}, scope: ScopeRun, wantStatus: http.StatusOK},
		{name: "denied", auth: &AuthContext{Subject: "a", Scopes: []Scope{ScopeRead}}, scope: ScopeAdmin, wantStatus: http.StatusForbidden},
		{name: "auth disabled", auth: nil, scope: ScopeAdmin, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/agents", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.auth))
			}
			rec := httptest.NewRecorder()
			RequireScope(tt.scope)(subjectHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, msg := extractBearerToken("Bearer abc")
	if token != "abc" || msg != "" {
		t.Errorf("extractBearerToken() = (%q, %q), want (abc, \"\")", token, msg)
	}
	if _, msg := extractBearerToken(""); msg != "missing authorization header" {
		t.Errorf("unexpected message %q", msg)
	}
}
