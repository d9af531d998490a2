package writeathon

import "encoding/json"

// ErrorCodeLocal marks failures produced on this side of the upstream call:
// transport errors, undecodable responses and local faults.
const ErrorCodeLocal = 1000

// Response is the uniform envelope returned by every upstream operation.
type Response[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data,omitzero"`
	Action    string `json:"action,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Failure builds a local failure envelope.
func Failure[T any](message string) *Response[T] {
	return &Response[T]{Success: false, Message: message, ErrorCode: ErrorCodeLocal}
}

// User, Card and WritingPickItem decode the fields this module reads and
// keep the upstream object verbatim. Marshalling a decoded value reproduces
// the upstream JSON, including fields not modelled here; values built in
// code marshal from their fields.

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`

	raw json.RawMessage
}

func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	if err := json.Unmarshal(b, (*plain)(u)); err != nil {
		return err
	}
	u.raw = keep(b)
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	if u.raw != nil {
		return u.raw, nil
	}
	type plain User
	return json.Marshal(plain(u))
}

// Card timestamps are relayed as sent; upstream has used both epoch millis
// and formatted strings.
type Card struct {
	ID      string          `json:"_id"`
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Created json.RawMessage `json:"created,omitempty"`
	Updated json.RawMessage `json:"updated,omitempty"`

	raw json.RawMessage
}

func (c *Card) UnmarshalJSON(b []byte) error {
	type plain Card
	if err := json.Unmarshal(b, (*plain)(c)); err != nil {
		return err
	}
	c.raw = keep(b)
	return nil
}

func (c Card) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	type plain Card
	return json.Marshal(plain(c))
}

type WritingPickItem struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Created json.RawMessage `json:"created,omitempty"`
	Updated json.RawMessage `json:"updated,omitempty"`
	Type    string          `json:"type"`

	raw json.RawMessage
}

func (p *WritingPickItem) UnmarshalJSON(b []byte) error {
	type plain WritingPickItem
	if err := json.Unmarshal(b, (*plain)(p)); err != nil {
		return err
	}
	p.raw = keep(b)
	return nil
}

func (p WritingPickItem) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	type plain WritingPickItem
	return json.Marshal(plain(p))
}

func keep(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}

type CreateCardRequest struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

type GetCardRequest struct {
	Title string `json:"title,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Writing pick types.
const (
	PickAll  = "all"
	PickPage = "page"
	PickCard = "card"
)

type WritingPickRequest struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type RecentCardsRequest struct {
	ExcludeDateTitle *bool `json:"exclude_date_title,omitempty"`
}

// CreateCardResult is the opaque payload returned by card creation.
type CreateCardResult = json.RawMessage
