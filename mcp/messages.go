package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Resources
	ResourcesListMethod          Method = "resources/list"
	ResourcesReadMethod          Method = "resources/read"
	ResourcesTemplatesListMethod Method = "resources/templates/list"

	// Prompts
	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// PaginatedResult carries the cursor of the next page, if any.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata allows attaching implementation-defined metadata under _meta.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// ProgressToken correlates progress notifications with a request.
type ProgressToken any // string | number

// RequestMeta is the _meta object a client may attach to a request.
type RequestMeta struct {
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
}

// CancelledNotification is sent by a peer to abandon an in-flight request.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// ProgressNotificationParams reports progress for a request that supplied a
// progress token.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
	Message       string        `json:"message,omitzero"`
}

// InitializeRequest is the params object of the initialize request.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is returned by the server once the handshake succeeds.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the params object of tools/call as received
// from a client. Arguments are kept raw for typed decoding by the tool.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	BaseMetadata
}

// ListResourcesResult is the result of resources/list.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginatedResult
	BaseMetadata
}

// ListResourceTemplatesResult is the result of resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	PaginatedResult
	BaseMetadata
}

// ReadResourceRequest is the params object of resources/read.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	BaseMetadata
}

// ListPromptsResult is the result of prompts/list.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
	PaginatedResult
	BaseMetadata
}

// GetPromptRequestReceived is the params object of prompts/get.
type GetPromptRequestReceived struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitzero"`
	Messages    []PromptMessage `json:"messages"`
	BaseMetadata
}

// EmptyResult is returned by requests without a meaningful payload (ping).
type EmptyResult struct {
	BaseMetadata
}
