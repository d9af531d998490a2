// Package streaminghttp implements the MCP streamable HTTP transport: one
// endpoint path where POST carries client messages, GET opens a
// server-to-client notification stream and DELETE ends a session.
//
// # Sessions
//
// A Manager owns the table of live sessions. A POST without a session header
// must carry an initialize request; the Manager creates a Transport, runs the
// handshake through the engine and registers the session only once the
// handshake succeeded. The new id travels back in the Mcp-Session-Id response
// header (mirrored as Session-Id). Every later request presents that id.
//
// Session ids are random UUIDs generated server side and never reused. A
// session moves from uninitialized to active to closed; closed is terminal.
//
// # Closing
//
// A Transport closes on DELETE, on idle eviction, when its notification
// stream fails, or when the Manager shuts down via CloseAll. Close cancels
// in-flight requests, releases the message host stream and then reports
// SessionClosed to the Manager, which drops the table entry. A client that
// merely disconnects its GET stream does not close the session.
//
// # Errors
//
// Failures before a message reaches a session are answered with a JSON-RPC
// shaped envelope and a null id:
//
//	{"jsonrpc":"2.0","error":{"code":-32000,"message":"Bad Request: session not found"},"id":null}
//
// Errors raised while handling a message on a live session are returned as
// ordinary JSON-RPC error responses and leave the session active.
//
// Example:
//
//	eng := engine.NewEngine(registry)
//	mgr, _ := streaminghttp.NewManager(eng, memoryhost.New())
//	h, _ := streaminghttp.New(mgr, streaminghttp.WithPath("/mcp"))
//	go mgr.Run(ctx)
//	http.ListenAndServe(":3001", h)
package streaminghttp
