package mcpservice

import (
	"context"

	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
)

// PromptHandler renders a prompt from its string arguments.
type PromptHandler func(ctx context.Context, session sessions.Session, args map[string]string) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its renderer.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// NewPrompt constructs a StaticPrompt.
func NewPrompt(desc mcp.Prompt, fn PromptHandler) StaticPrompt {
	return StaticPrompt{Descriptor: desc, Handler: fn}
}

// UserPrompt is a helper producing a single user text message.
func UserPrompt(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text},
		}},
	}
}
