// Package auth provides the pluggable bearer check used by the streaming
// HTTP transport.
//
// The transport extracts the token from the Authorization header and maps
// ErrUnauthorized to a 401 challenge. Checking is opt-in: a transport built
// without an Authenticator accepts every request.
//
//	authn := auth.NewStaticKey(os.Getenv("MCP_API_KEY"))
//	h, err := streaminghttp.New(mgr, streaminghttp.WithAuthenticator(authn))
package auth
