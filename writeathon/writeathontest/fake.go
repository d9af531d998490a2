// Package writeathontest provides an in-memory writeathon.API for tests.
package writeathontest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggoodman/writeathon-mcp/writeathon"
)

// Fake is a writeathon.API backed by a slice of cards. Setting Fail makes
// every call return a failure envelope carrying that message.
type Fake struct {
	mu    sync.Mutex
	User  writeathon.User
	Cards []writeathon.Card
	Picks []writeathon.WritingPickItem
	Fail  string

	// Calls records the operation names in invocation order.
	Calls []string
	// LastPick is the most recent writing pick request.
	LastPick writeathon.WritingPickRequest
}

var _ writeathon.API = (*Fake)(nil)

func failure[T any](f *Fake, op string) *writeathon.Response[T] {
	f.Calls = append(f.Calls, op)
	if f.Fail != "" {
		return &writeathon.Response[T]{Message: f.Fail, ErrorCode: 400}
	}
	return nil
}

func (f *Fake) GetMe(ctx context.Context) *writeathon.Response[writeathon.User] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res := failure[writeathon.User](f, "GetMe"); res != nil {
		return res
	}
	return &writeathon.Response[writeathon.User]{Success: true, Data: f.User}
}

func (f *Fake) CreateCard(ctx context.Context, req writeathon.CreateCardRequest) *writeathon.Response[writeathon.CreateCardResult] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res := failure[writeathon.CreateCardResult](f, "CreateCard"); res != nil {
		return res
	}
	f.Cards = append(f.Cards, writeathon.Card{ID: req.Title, Title: req.Title, Content: req.Content})
	return &writeathon.Response[writeathon.CreateCardResult]{Success: true, Data: json.RawMessage(`{"ok":true}`)}
}

func (f *Fake) GetRecentCards(ctx context.Context, req writeathon.RecentCardsRequest) *writeathon.Response[[]writeathon.Card] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res := failure[[]writeathon.Card](f, "GetRecentCards"); res != nil {
		return res
	}
	return &writeathon.Response[[]writeathon.Card]{Success: true, Data: append([]writeathon.Card{}, f.Cards...)}
}

func (f *Fake) GetCard(ctx context.Context, req writeathon.GetCardRequest) *writeathon.Response[writeathon.Card] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res := failure[writeathon.Card](f, "GetCard"); res != nil {
		return res
	}
	for _, c := range f.Cards {
		if (req.ID != "" && c.ID == req.ID) || (req.Title != "" && c.Title == req.Title) {
			return &writeathon.Response[writeathon.Card]{Success: true, Data: c}
		}
	}
	return &writeathon.Response[writeathon.Card]{Message: "card not found", ErrorCode: 404}
}

func (f *Fake) GetWritingPick(ctx context.Context, req writeathon.WritingPickRequest) *writeathon.Response[[]writeathon.WritingPickItem] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res := failure[[]writeathon.WritingPickItem](f, "GetWritingPick"); res != nil {
		return res
	}
	f.LastPick = req
	return &writeathon.Response[[]writeathon.WritingPickItem]{Success: true, Data: append([]writeathon.WritingPickItem{}, f.Picks...)}
}
