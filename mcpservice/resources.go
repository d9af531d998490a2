package mcpservice

import (
	"context"
	"fmt"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/yosida95/uritemplate/v3"
)

// ResourceReadFunc reads a concrete resource.
type ResourceReadFunc func(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

// TemplateReadFunc reads a resource addressed through a template. vars holds
// the values extracted from the URI.
type TemplateReadFunc func(ctx context.Context, session sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error)

// StaticResource pairs a listable resource with its reader.
type StaticResource struct {
	Descriptor mcp.Resource
	Read       ResourceReadFunc
}

// ResourceTemplate pairs an RFC 6570 URI template with its reader.
type ResourceTemplate struct {
	Descriptor mcp.ResourceTemplate
	Read       TemplateReadFunc

	tmpl *uritemplate.Template
}

// NewResource constructs a StaticResource.
func NewResource(desc mcp.Resource, read ResourceReadFunc) StaticResource {
	return StaticResource{Descriptor: desc, Read: read}
}

// NewResourceTemplate parses desc.URITemplate and returns a template that
// can match concrete URIs.
func NewResourceTemplate(desc mcp.ResourceTemplate, read TemplateReadFunc) (ResourceTemplate, error) {
	tmpl, err := uritemplate.New(desc.URITemplate)
	if err != nil {
		return ResourceTemplate{}, fmt.Errorf("parse uri template %q: %w", desc.URITemplate, err)
	}
	return ResourceTemplate{Descriptor: desc, Read: read, tmpl: tmpl}, nil
}

// MustResourceTemplate is like NewResourceTemplate but panics on a malformed template.
func MustResourceTemplate(desc mcp.ResourceTemplate, read TemplateReadFunc) ResourceTemplate {
	t, err := NewResourceTemplate(desc, read)
	if err != nil {
		panic(err)
	}
	return t
}

// Match extracts the template variables from uri. ok is false when uri is
// not an expansion of the template.
func (t ResourceTemplate) Match(uri string) (vars map[string]string, ok bool) {
	if t.tmpl == nil {
		return nil, false
	}
	values := t.tmpl.Match(uri)
	if values == nil {
		return nil, false
	}
	vars = make(map[string]string, len(values))
	for name, v := range values {
		vars[name] = v.String()
	}
	return vars, true
}
