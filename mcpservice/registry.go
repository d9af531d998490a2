package mcpservice

import (
	"context"
	"fmt"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
)

// Registry is an immutable table of named operations. It is safe for
// concurrent use once constructed.
type Registry struct {
	tools     []StaticTool
	toolIdx   map[string]int
	resources []StaticResource
	resIdx    map[string]int
	templates []ResourceTemplate
	prompts   []StaticPrompt
	promptIdx map[string]int
}

// RegistryOption adds entries to a Registry under construction.
type RegistryOption func(*Registry) error

// WithTools registers tools. Names must be unique.
func WithTools(tools ...StaticTool) RegistryOption {
	return func(r *Registry) error {
		for _, t := range tools {
			name := t.Descriptor.Name
			if name == "" || t.Handler == nil {
				return fmt.Errorf("tool %q: name and handler are required", name)
			}
			if _, dup := r.toolIdx[name]; dup {
				return fmt.Errorf("tool %q registered twice", name)
			}
			r.toolIdx[name] = len(r.tools)
			r.tools = append(r.tools, t)
		}
		return nil
	}
}

// WithResources registers concrete resources. URIs must be unique.
func WithResources(resources ...StaticResource) RegistryOption {
	return func(r *Registry) error {
		for _, res := range resources {
			uri := res.Descriptor.URI
			if uri == "" || res.Read == nil {
				return fmt.Errorf("resource %q: uri and reader are required", uri)
			}
			if _, dup := r.resIdx[uri]; dup {
				return fmt.Errorf("resource %q registered twice", uri)
			}
			r.resIdx[uri] = len(r.resources)
			r.resources = append(r.resources, res)
		}
		return nil
	}
}

// WithResourceTemplates registers resource templates. When several
// templates match a URI, the first registered wins.
func WithResourceTemplates(templates ...ResourceTemplate) RegistryOption {
	return func(r *Registry) error {
		for _, t := range templates {
			if t.tmpl == nil || t.Read == nil {
				return fmt.Errorf("resource template %q: use NewResourceTemplate and provide a reader", t.Descriptor.URITemplate)
			}
			r.templates = append(r.templates, t)
		}
		return nil
	}
}

// WithPrompts registers prompts. Names must be unique.
func WithPrompts(prompts ...StaticPrompt) RegistryOption {
	return func(r *Registry) error {
		for _, p := range prompts {
			name := p.Descriptor.Name
			if name == "" || p.Handler == nil {
				return fmt.Errorf("prompt %q: name and handler are required", name)
			}
			if _, dup := r.promptIdx[name]; dup {
				return fmt.Errorf("prompt %q registered twice", name)
			}
			r.promptIdx[name] = len(r.prompts)
			r.prompts = append(r.prompts, p)
		}
		return nil
	}
}

// NewRegistry builds a Registry from the given options.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		toolIdx:   make(map[string]int),
		resIdx:    make(map[string]int),
		promptIdx: make(map[string]int),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Capabilities reports the server capabilities implied by the registered
// entries. Nothing changes after construction so listChanged is never set.
func (r *Registry) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if len(r.tools) > 0 {
		caps.Tools = &mcp.ListChangedCapability{}
	}
	if len(r.resources) > 0 || len(r.templates) > 0 {
		caps.Resources = &mcp.ResourcesCapability{}
	}
	if len(r.prompts) > 0 {
		caps.Prompts = &mcp.ListChangedCapability{}
	}
	return caps
}

func (r *Registry) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	return out
}

// CallTool invokes the named tool.
func (r *Registry) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	i, ok := r.toolIdx[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return r.tools[i].Handler(ctx, session, req)
}

func (r *Registry) ListResources() []mcp.Resource {
	out := make([]mcp.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res.Descriptor)
	}
	return out
}

func (r *Registry) ListResourceTemplates() []mcp.ResourceTemplate {
	out := make([]mcp.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.Descriptor)
	}
	return out
}

// ReadResource resolves uri against concrete resources first and templates
// second.
func (r *Registry) ReadResource(ctx context.Context, session sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
	if i, ok := r.resIdx[uri]; ok {
		contents, err := r.resources[i].Read(ctx, session, uri)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{Contents: contents}, nil
	}
	for _, t := range r.templates {
		vars, ok := t.Match(uri)
		if !ok {
			continue
		}
		contents, err := t.Read(ctx, session, uri, vars)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{Contents: contents}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
}

func (r *Registry) ListPrompts() []mcp.Prompt {
	out := make([]mcp.Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p.Descriptor)
	}
	return out
}

// GetPrompt renders the named prompt after checking required arguments.
func (r *Registry) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	i, ok := r.promptIdx[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, req.Name)
	}
	p := r.prompts[i]
	args := req.Arguments
	if args == nil {
		args = map[string]string{}
	}
	for _, a := range p.Descriptor.Arguments {
		if a.Required && args[a.Name] == "" {
			return nil, InvalidParamsf("prompt %s: missing required argument %q", req.Name, a.Name)
		}
	}
	return p.Handler(ctx, session, args)
}
