package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/invopop/jsonschema"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input. It is generic over the
// typed argument struct A.
type ToolRequest[A any] struct {
	args A
}

func (r *ToolRequest[A]) Args() A { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// NewTool constructs a StaticTool whose input schema is reflected from A and
// whose arguments are decoded into A before fn runs. The schema sets
// additionalProperties=false and decoding rejects unknown fields.
// Undecodable arguments produce an IsError result without invoking fn.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && string(req.Arguments) != "null" {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		w := newToolResponseWriter(ctx)
		if err := fn(ctx, session, w, &ToolRequest[A]{args: a}); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}

// reflectInputSchema reflects A with invopop/jsonschema and down-converts the
// result to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))

	out := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{},
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toMCPProperty(el.Value)
		}
	}
	if len(s.Required) > 0 {
		out.Required = append(out.Required, s.Required...)
	}
	return out
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		MaxLength:   s.MaxLength,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if v, err := s.Minimum.Float64(); err == nil && s.Minimum != "" {
		p.Minimum = &v
	}
	if v, err := s.Maximum.Float64(); err == nil && s.Maximum != "" {
		p.Maximum = &v
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
