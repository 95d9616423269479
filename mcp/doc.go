// Package mcp defines the wire-level types of the Model Context Protocol as
// exchanged inside JSON-RPC 2.0 envelopes: method names, request and result
// payloads, and the protocol version negotiated during initialization.
//
// The package is deliberately transport-agnostic. Transports and the protocol
// engine marshal these types; they carry no behavior of their own.
package mcp
