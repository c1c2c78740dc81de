// Package mcp implements the Model Context Protocol server for external tool access.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package exposes the capability index to external MCP clients, so another
// agent can discover the DBus methods, agent capabilities and skills known
// to the registry and invoke one of them directly, outside a planned run.
//
// # Protocol
//
// JSON-RPC 2.0 over the Streamable HTTP transport (2025-11-25):
//
//   - POST /mcp - initialize, ping, tools/list, tools/call
//   - DELETE /mcp - terminate the session named by Mcp-Session-Id
//
// initialize returns an Mcp-Session-Id header that every later request must
// carry. Server-initiated SSE streams (GET) are not offered.
//
// # Authentication
//
// When a JWT secret is configured, the token may be passed as
// /mcp/<token>, ?token=<token> or "Authorization: Bearer <token>". The
// token's scopes are bound to the session: tools/list needs read and
// tools/call needs run. Without a verifier, sessions get DefaultScopes.
//
// # Tool names
//
// Qualified index names such as
//
//	DBUS: org.freedesktop.systemd1 org.freedesktop.systemd1.Manager.GetUnit(name: s)
//
// are listed under a protocol-safe name (org.freedesktop.systemd1.Manager.GetUnit)
// with the qualified name as title. tools/call accepts either form. The
// input schema is derived from the tool signature, mapping DBus type codes
// onto JSON types.
//
// # Tool execution
//
// tools/call runs through the same executor selection, profile policy and
// retries as a call step inside a run. Executor faults come back as a result
// with isError set; unknown tools and registry outages are JSON-RPC errors.
package mcp
