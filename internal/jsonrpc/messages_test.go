package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMessageKinds(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, TypeRequest},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, TypeRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, TypeNotification},
		{"response", `{"jsonrpc":"2.0","id":7,"result":{}}`, TypeResponse},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, TypeResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.body))
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if got := msg.Type(); got != tc.want {
				t.Fatalf("unexpected type: want %s got %s", tc.want, got)
			}
		})
	}
}

func TestParseMessageRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty object":     `{}`,
		"wrong version":    `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"request + result": `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"result + error":   `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"not json":         `nope`,
		"bad id":           `{"jsonrpc":"2.0","id":{},"method":"ping"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(body)); err == nil {
				t.Fatalf("expected error for %s", body)
			}
		})
	}
}

func TestParseMessageRejectsBatch(t *testing.T) {
	_, err := ParseMessage([]byte(`  [{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	if !errors.Is(err, ErrBatchUnsupported) {
		t.Fatalf("expected ErrBatchUnsupported, got %v", err)
	}
}

func TestErrorResponseEncodesNullID(t *testing.T) {
	res := NewErrorResponse(nil, ErrorCodeServerError, "Bad Request", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32000,"message":"Bad Request"},"id":null}`
	if string(b) != want {
		t.Fatalf("unexpected encoding:\nwant %s\ngot  %s", want, b)
	}
}

func TestRequestIDRoundTripPreservesKind(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	res, err := NewResultResponse(msg.ID, struct{}{})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	b, _ := json.Marshal(res)
	if want := `{"jsonrpc":"2.0","result":{},"id":42}`; string(b) != want {
		t.Fatalf("unexpected encoding: want %s got %s", want, b)
	}
	if msg.ID.String() != "42" {
		t.Fatalf("unexpected id string: %q", msg.ID.String())
	}
}
