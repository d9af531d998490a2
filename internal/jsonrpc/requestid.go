package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or number. Any other type
// yields a nil ID.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, int64, float64:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case uint32:
		return &RequestID{value: int64(v)}
	default:
		return &RequestID{value: nil}
	}
}

// String returns the string representation of the ID.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying value.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the ID is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON encodes the ID, using null when it carries no value.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON accepts a JSON string, number or null.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
