// Package streaminghttp implements the unified MCP HTTP transport on a
// single endpoint. POST carries one JSON-RPC message and yields either an
// immediate JSON response or 202 Accepted for notifications; GET with an
// event-stream Accept header attaches a long-lived SSE stream for
// server-initiated messages, resumable via Last-Event-ID; DELETE terminates
// the session.
//
// Sessions are tracked through sessions.Registry and identified by the
// Mcp-Session-Id header. Server-to-client traffic flows through a
// broker.Broker, so multi-node deployments can run it on Redis streams and
// let clients reconnect to any instance.
package streaminghttp
