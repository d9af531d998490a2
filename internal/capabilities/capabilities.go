// Package capabilities binds the Writeathon API to MCP resources, tools and
// prompts.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/mcpservice"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/ggoodman/writeathon-mcp/writeathon"
)

const (
	mimeJSON = "application/json"

	maxCardContent   = 5000
	defaultPickLimit = 10
)

// New builds the registry served on every session.
func New(api writeathon.API) (*mcpservice.Registry, error) {
	b := &binder{api: api}
	return mcpservice.NewRegistry(
		mcpservice.WithResources(b.userResource()),
		mcpservice.WithResourceTemplates(b.recentCardsTemplate(), b.cardTemplate(), b.writingPickTemplate()),
		mcpservice.WithTools(b.createCardTool(), b.getCardTool(), b.writingPickTool()),
		mcpservice.WithPrompts(createCardPrompt(), writingPickPrompt()),
	)
}

type binder struct {
	api writeathon.API
}

// jsonContents renders an upstream payload as a single indented JSON text
// block.
func jsonContents(uri string, data any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", uri, err)
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: mimeJSON, Text: string(b)}}, nil
}

func (b *binder) userResource() mcpservice.StaticResource {
	return mcpservice.NewResource(mcp.Resource{
		URI:         "user://me",
		Name:        "user",
		Description: "The authenticated Writeathon user",
		MimeType:    mimeJSON,
	}, func(ctx context.Context, _ sessions.Session, uri string) ([]mcp.ResourceContents, error) {
		res := b.api.GetMe(ctx)
		if !res.Success {
			return nil, mcpservice.Failuref("get user: %s", res.Message)
		}
		return jsonContents(uri, res.Data)
	})
}

func (b *binder) recentCardsTemplate() mcpservice.ResourceTemplate {
	return mcpservice.MustResourceTemplate(mcp.ResourceTemplate{
		URITemplate: "recent-cards://exclude_date_title={exclude_date_title}",
		Name:        "recent-cards",
		Description: "Recently edited cards",
		MimeType:    mimeJSON,
	}, func(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
		exclude := vars["exclude_date_title"] == "true"
		res := b.api.GetRecentCards(ctx, writeathon.RecentCardsRequest{ExcludeDateTitle: &exclude})
		if !res.Success {
			return nil, mcpservice.Failuref("get recent cards: %s", res.Message)
		}
		return jsonContents(uri, res.Data)
	})
}

func (b *binder) cardTemplate() mcpservice.ResourceTemplate {
	return mcpservice.MustResourceTemplate(mcp.ResourceTemplate{
		URITemplate: "cards://{id}",
		Name:        "card",
		Description: "A single card by id",
		MimeType:    mimeJSON,
	}, func(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
		res := b.api.GetCard(ctx, writeathon.GetCardRequest{ID: vars["id"]})
		if !res.Success {
			return nil, mcpservice.Failuref("get card: %s", res.Message)
		}
		return jsonContents(uri, res.Data)
	})
}

func (b *binder) writingPickTemplate() mcpservice.ResourceTemplate {
	return mcpservice.MustResourceTemplate(mcp.ResourceTemplate{
		URITemplate: "writing-pick://{type}?limit={limit}",
		Name:        "writing-pick",
		Description: "Random excerpts from pages and cards",
		MimeType:    mimeJSON,
	}, func(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
		req := writeathon.WritingPickRequest{Type: vars["type"], Limit: defaultPickLimit}
		if req.Type == "" {
			req.Type = writeathon.PickAll
		}
		if s := vars["limit"]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return nil, mcpservice.InvalidParamsf("writing pick: invalid limit %q", s)
			}
			req.Limit = n
		}
		res := b.api.GetWritingPick(ctx, req)
		if !res.Success {
			return nil, mcpservice.Failuref("get writing pick: %s", res.Message)
		}
		return jsonContents(uri, res.Data)
	})
}

type createCardArgs struct {
	Title   string `json:"title,omitempty" jsonschema:"description=Card title"`
	Content string `json:"content" jsonschema:"maxLength=5000,description=Card body"`
}

type getCardArgs struct {
	Title string `json:"title,omitempty" jsonschema:"description=Card title"`
	ID    string `json:"id,omitempty" jsonschema:"description=Card id"`
}

type writingPickArgs struct {
	Type  string `json:"type,omitempty" jsonschema:"enum=all,enum=page,enum=card"`
	Limit *int   `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
}

// upstream brackets an upstream call with progress notifications.
func upstream[T any](w mcpservice.ToolResponseWriter, msg string, fn func() *writeathon.Response[T]) (*writeathon.Response[T], error) {
	if err := w.SendProgress(0, 1, msg); err != nil {
		return nil, err
	}
	res := fn()
	if err := w.SendProgress(1, 1, msg); err != nil {
		return nil, err
	}
	return res, nil
}

func appendJSON(w mcpservice.ToolResponseWriter, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return w.AppendText(string(b))
}

func (b *binder) createCardTool() mcpservice.StaticTool {
	return mcpservice.NewTool("create-card", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[createCardArgs]) error {
		args := r.Args()
		if utf8.RuneCountInString(args.Content) > maxCardContent {
			w.SetError(true)
			return w.AppendText(fmt.Sprintf("Failed to create card: content exceeds %d characters", maxCardContent))
		}
		res, err := upstream(w, "creating card", func() *writeathon.Response[writeathon.CreateCardResult] {
			return b.api.CreateCard(ctx, writeathon.CreateCardRequest{Title: args.Title, Content: args.Content})
		})
		if err != nil {
			return err
		}
		if !res.Success {
			w.SetError(true)
			return w.AppendText("Failed to create card: " + res.Message)
		}
		return w.AppendText("Card created")
	}, mcpservice.WithToolDescription("Create a card"))
}

func (b *binder) getCardTool() mcpservice.StaticTool {
	return mcpservice.NewTool("get-card", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[getCardArgs]) error {
		args := r.Args()
		if args.Title == "" && args.ID == "" {
			w.SetError(true)
			return w.AppendText("Provide a card title or id")
		}
		res, err := upstream(w, "fetching card", func() *writeathon.Response[writeathon.Card] {
			return b.api.GetCard(ctx, writeathon.GetCardRequest{Title: args.Title, ID: args.ID})
		})
		if err != nil {
			return err
		}
		if !res.Success {
			w.SetError(true)
			return w.AppendText("Failed to get card: " + res.Message)
		}
		return appendJSON(w, res.Data)
	}, mcpservice.WithToolDescription("Get a card by title or id"))
}

func (b *binder) writingPickTool() mcpservice.StaticTool {
	return mcpservice.NewTool("get-writing-pick", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[writingPickArgs]) error {
		args := r.Args()
		req := writeathon.WritingPickRequest{Type: args.Type, Limit: defaultPickLimit}
		if req.Type == "" {
			req.Type = writeathon.PickAll
		}
		if args.Limit != nil {
			if *args.Limit < 1 || *args.Limit > defaultPickLimit {
				w.SetError(true)
				return w.AppendText(fmt.Sprintf("limit must be between 1 and %d", defaultPickLimit))
			}
			req.Limit = *args.Limit
		}
		switch req.Type {
		case writeathon.PickAll, writeathon.PickPage, writeathon.PickCard:
		default:
			w.SetError(true)
			return w.AppendText(fmt.Sprintf("unknown writing pick type %q", req.Type))
		}
		res, err := upstream(w, "fetching writing pick", func() *writeathon.Response[[]writeathon.WritingPickItem] {
			return b.api.GetWritingPick(ctx, req)
		})
		if err != nil {
			return err
		}
		if !res.Success {
			w.SetError(true)
			return w.AppendText("Failed to get writing pick: " + res.Message)
		}
		return appendJSON(w, res.Data)
	}, mcpservice.WithToolDescription("Random excerpts for writing inspiration"))
}

func createCardPrompt() mcpservice.StaticPrompt {
	return mcpservice.NewPrompt(mcp.Prompt{
		Name:        "create-card-prompt",
		Description: "Create a card from the given content",
		Arguments:   []mcp.PromptArgument{{Name: "content", Description: "Card body", Required: true}},
	}, func(_ context.Context, _ sessions.Session, args map[string]string) (*mcp.GetPromptResult, error) {
		return mcpservice.UserPrompt("", "Please create a card with the following content:\n\n"+args["content"]), nil
	})
}

func writingPickPrompt() mcpservice.StaticPrompt {
	return mcpservice.NewPrompt(mcp.Prompt{
		Name:        "writing-pick-prompt",
		Description: "Ask for writing picks",
		Arguments:   []mcp.PromptArgument{{Name: "type", Description: "all, page or card"}},
	}, func(_ context.Context, _ sessions.Session, args map[string]string) (*mcp.GetPromptResult, error) {
		kind := args["type"]
		switch kind {
		case "":
			kind = "all types of"
		case writeathon.PickAll, writeathon.PickPage, writeathon.PickCard:
		default:
			return nil, mcpservice.InvalidParamsf("writing-pick-prompt: unknown type %q", kind)
		}
		return mcpservice.UserPrompt("", fmt.Sprintf("Please give me %s writing picks to help me find inspiration.", kind)), nil
	})
}
