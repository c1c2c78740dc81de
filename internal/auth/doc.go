// Package auth provides authentication and authorization for the opdbus HTTP API.
//
// # JWT Tokens
//
// API clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). When no secret is
// configured the API is open.
//
// Tokens carry:
//   - sub: the caller's name, recorded in run logs
//   - scope: comma separated scopes (read, run, admin)
//   - iat / exp
//
// Tokens without a scope claim grant read only. Admin implies every scope.
//
//	v, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("ci-bot", []auth.Scope{auth.ScopeRun}, 24*time.Hour)
//
// The CLI's "token" command wraps Generate.
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, logger) // validates the bearer token
//	RequireScope(auth.ScopeRun)          // gates a route by scope
//
// The validated identity travels in the request context; handlers read it
// with FromContext or SubjectFromContext.
package auth
