// Package redishost implements sessions.MessageHost on Redis Streams so that
// a session's notification stream can be published from one process and
// consumed from another.
//
// Design Notes
//   - One stream per session at <prefix>stream:<sessionID>
//   - XADD with approximate MAXLEN bounds the backlog
//   - Subscribers poll with blocking XREAD from a concrete entry id
//   - CleanupSession appends an end-of-stream marker and lets the key expire,
//     so subscribers in other processes observe the close
//
// Example:
//
//	host, err := redishost.NewFromEnv(ctx)
//	if err != nil { ... }
//	defer host.Close()
package redishost
