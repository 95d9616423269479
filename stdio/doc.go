// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses and for
// local development where piping newline-delimited JSON beats running an
// HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one implicit session, no registry
//	Security         : no origin/IP gate, no OAuth
//	Transport        : newline-delimited JSON-RPC
//
// For multi-session deployments prefer the streaming HTTP transport, which
// integrates sessions, authentication and subscription fan-out.
package stdio
