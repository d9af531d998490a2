// Package sessions defines the session abstraction shared by the streaming
// HTTP transport and capability code.
//
// A session is one logical conversation between an MCP client and this
// server. Its identifier is generated by the server during the initialize
// handshake and presented by the client on every later request.
//
// Layers & Roles
//
//	Transport   -> owns one session's lifecycle (handshake, dispatch, close)
//	Table       -> id -> live session mapping, owned by a single manager
//	MessageHost -> ordered server-to-client notification log per session
//
// # Lifecycle
//
// Sessions move through three states:
//
//	uninitialized -> active -> closed
//
// A session enters the Table only once the handshake succeeds and leaves it
// when it closes. Closed is terminal and the identifier is never reused.
//
// # Message hosts
//
//	memoryhost : in-process backlog, the default
//	redishost  : Redis Streams backed, for deployments that fan out notification
//	             streams across processes
package sessions
