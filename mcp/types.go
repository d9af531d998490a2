package mcp

// LatestProtocolVersion is the newest protocol revision this server speaks.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists every revision the server accepts during
// negotiation, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Role identifies the author of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block types.
const (
	ContentTypeText     = "text"
	ContentTypeResource = "resource"
)

// ClientCapabilities advertises client features. The server only records
// them; none of them alter dispatch.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged,omitzero"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises the server's features.
type ServerCapabilities struct {
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Resources *ResourcesCapability   `json:"resources,omitempty"`
	Tools     *ListChangedCapability `json:"tools,omitempty"`
}

// ListChangedCapability is advertised for tools and prompts.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ResourcesCapability is advertised for resources.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
	Subscribe   bool `json:"subscribe,omitzero"`
}

// ImplementationInfo names a client or server implementation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a single piece of tool or prompt content.
type ContentBlock struct {
	Type string `json:"type"`
	// Text content
	Text string `json:"text,omitzero"`
	// Embedded resource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Tool describes a callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is the simplified JSON Schema used for tool arguments.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaProperty describes one property of a ToolInputSchema.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Minimum     *float64                  `json:"minimum,omitempty"`
	Maximum     *float64                  `json:"maximum,omitempty"`
	MaxLength   *uint64                   `json:"maxLength,omitempty"`
}

// Resource describes a concrete, listable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
}

// ResourceTemplate describes a family of resources addressed by an RFC 6570
// URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
}

// ResourceContents is the body of a read resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitzero"`
	Text     string `json:"text,omitzero"`
	Blob     string `json:"blob,omitzero"`
}

// Prompt describes a prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitzero"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	Required    bool   `json:"required,omitzero"`
}

// PromptMessage is a single message produced by prompts/get.
type PromptMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}
