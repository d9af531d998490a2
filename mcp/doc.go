// Package mcp contains the Model Context Protocol data types and method
// constants used by this server. It mirrors the wire representation of the
// protocol while keeping the surface Go-friendly: exported structs with json
// tags and string constants for method names.
//
// The package is free of transport logic. The streaming HTTP transport and
// the engine import these types but implement framing, session handling and
// dispatch themselves.
//
// Only the subset of the protocol this server speaks is modelled: the
// initialize handshake, ping, tools, resources (including templates), prompts,
// progress and cancellation.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
