package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"maxLength=10,description=Text to echo"`
	Times   *int   `json:"times,omitempty" jsonschema:"minimum=1,maximum=3"`
	Mode    string `json:"mode,omitempty" jsonschema:"enum=plain,enum=loud"`
}

func echoTool() StaticTool {
	return NewTool("echo", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[echoArgs]) error {
		return w.AppendText(r.Args().Message)
	}, WithToolDescription("Echo a message"))
}

func mustRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := echoTool()
	schema := tool.Descriptor.InputSchema

	if schema.Type != "object" || schema.AdditionalProperties {
		t.Fatalf("unexpected schema root: %+v", schema)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "message" {
		t.Fatalf("unexpected required: %v", schema.Required)
	}
	msg := schema.Properties["message"]
	if msg.Type != "string" || msg.MaxLength == nil || *msg.MaxLength != 10 {
		t.Fatalf("unexpected message property: %+v", msg)
	}
	times := schema.Properties["times"]
	if times.Minimum == nil || *times.Minimum != 1 || times.Maximum == nil || *times.Maximum != 3 {
		t.Fatalf("unexpected times bounds: %+v", times)
	}
	if got := len(schema.Properties["mode"].Enum); got != 2 {
		t.Fatalf("unexpected mode enum size: want 2 got %d", got)
	}
}

func TestCallTool(t *testing.T) {
	reg := mustRegistry(t, WithTools(echoTool()))
	ctx := context.Background()

	res, err := reg.CallTool(ctx, nil, &mcp.CallToolRequestReceived{Name: "echo", Arguments: json.RawMessage(`{"message":"hi"}`)})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = reg.CallTool(ctx, nil, &mcp.CallToolRequestReceived{Name: "echo", Arguments: json.RawMessage(`{"message":"hi","extra":1}`)})
	if err != nil {
		t.Fatalf("CallTool with unknown field: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected IsError result for unknown field, got %+v", res)
	}

	if _, err := reg.CallTool(ctx, nil, &mcp.CallToolRequestReceived{Name: "missing"}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(WithTools(echoTool(), echoTool())); err == nil {
		t.Fatalf("expected duplicate tool error")
	}
	p := NewPrompt(mcp.Prompt{Name: "p"}, func(context.Context, sessions.Session, map[string]string) (*mcp.GetPromptResult, error) {
		return UserPrompt("", "x"), nil
	})
	if _, err := NewRegistry(WithPrompts(p, p)); err == nil {
		t.Fatalf("expected duplicate prompt error")
	}
}

func TestReadResourceResolvesTemplates(t *testing.T) {
	static := NewResource(mcp.Resource{URI: "user://me", Name: "user"}, func(ctx context.Context, s sessions.Session, uri string) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{{URI: uri, Text: "me"}}, nil
	})
	card := MustResourceTemplate(mcp.ResourceTemplate{URITemplate: "cards://{id}", Name: "card"}, func(ctx context.Context, s sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{{URI: uri, Text: "card:" + vars["id"]}}, nil
	})
	reg := mustRegistry(t, WithResources(static), WithResourceTemplates(card))
	ctx := context.Background()

	res, err := reg.ReadResource(ctx, nil, "user://me")
	if err != nil || res.Contents[0].Text != "me" {
		t.Fatalf("static read: res=%+v err=%v", res, err)
	}
	res, err = reg.ReadResource(ctx, nil, "cards://abc123")
	if err != nil {
		t.Fatalf("template read: %v", err)
	}
	if got := res.Contents[0].Text; got != "card:abc123" {
		t.Fatalf("unexpected template read: want card:abc123 got %s", got)
	}
	if _, err := reg.ReadResource(ctx, nil, "nope://x"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}

	caps := reg.Capabilities()
	if caps.Resources == nil || caps.Tools != nil || caps.Prompts != nil {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestGetPromptChecksRequiredArguments(t *testing.T) {
	p := NewPrompt(mcp.Prompt{
		Name:      "greet",
		Arguments: []mcp.PromptArgument{{Name: "name", Required: true}},
	}, func(ctx context.Context, s sessions.Session, args map[string]string) (*mcp.GetPromptResult, error) {
		return UserPrompt("greeting", "hello "+args["name"]), nil
	})
	reg := mustRegistry(t, WithPrompts(p))
	ctx := context.Background()

	_, err := reg.GetPrompt(ctx, nil, &mcp.GetPromptRequestReceived{Name: "greet"})
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params AppError, got %v", err)
	}

	res, err := reg.GetPrompt(ctx, nil, &mcp.GetPromptRequestReceived{Name: "greet", Arguments: map[string]string{"name": "ada"}})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if got := res.Messages[0].Content.Text; got != "hello ada" {
		t.Fatalf("unexpected prompt text: %q", got)
	}
	if _, err := reg.GetPrompt(ctx, nil, &mcp.GetPromptRequestReceived{Name: "missing"}); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}
}

func TestToolWriterProgressUsesReporter(t *testing.T) {
	var got []float64
	ctx := WithProgressReporter(context.Background(), ProgressReporterFunc(func(ctx context.Context, progress, total float64, message string) error {
		got = append(got, progress)
		return nil
	}))
	w := newToolResponseWriter(ctx)
	if err := w.SendProgress(1, 2, "half"); err != nil {
		t.Fatalf("SendProgress: %v", err)
	}
	_ = w.Result()
	if err := w.AppendText("late"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected progress reports: %v", got)
	}

	// Without a reporter progress is dropped silently.
	if err := newToolResponseWriter(context.Background()).SendProgress(1, 1, ""); err != nil {
		t.Fatalf("SendProgress without reporter: %v", err)
	}
}
