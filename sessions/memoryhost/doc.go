// Package memoryhost provides an in-memory sessions.MessageHost suitable for
// tests, development and single-process servers. All state is discarded on
// process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs, shared across sessions
//	Backlog           : bounded per session (WithMaxBacklog)
//
// Example:
//
//	host := memoryhost.New()
//	mgr := streaminghttp.NewManager(eng, host)
package memoryhost
