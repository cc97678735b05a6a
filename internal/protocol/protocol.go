// Package protocol implements the JSON request/response envelope spoken
// over the cmux control socket.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request is one envelope sent to the application. ID is caller-chosen
// and only needs to be unique among in-flight requests; Call fills in a
// UUID when the caller leaves it empty.
type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Response is the envelope returned by the application. Result is only
// meaningful when OK is true; Error only when OK is false.
type Response struct {
	OK     bool            `json:"ok"`
	Result map[string]any  `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// ProtocolError reports a response payload that could not be decoded as
// an envelope. It carries the raw payload for diagnosis.
type ProtocolError struct {
	Method  string
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid response for %s: %v (payload: %s)", e.Method, e.Err, e.Payload)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RemoteError reports a well-formed envelope with ok=false.
type RemoteError struct {
	Method string
	Detail json.RawMessage
}

func (e *RemoteError) Error() string {
	detail := "null"
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, detail)
}

// Sender is the single-frame transport the codec delegates to.
type Sender interface {
	Send(ctx context.Context, payload []byte) ([]byte, error)
}

// Client encodes requests and decodes response envelopes over a Sender.
type Client struct {
	sender Sender
}

func NewClient(sender Sender) *Client {
	return &Client{sender: sender}
}

// Call sends method with params under a fresh request ID and returns the
// result mapping. A missing or non-object result decodes as an empty map;
// callers treat absent fields as unknown/false, never as an error.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	return c.Do(ctx, Request{ID: uuid.NewString(), Method: method, Params: params})
}

// Do sends a fully specified request, preserving the caller-chosen ID.
func (c *Client) Do(ctx context.Context, req Request) (map[string]any, error) {
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Method, err)
	}
	raw, err := c.sender.Send(ctx, payload)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Method: req.Method, Payload: raw, Err: err}
	}
	if !resp.OK {
		return nil, &RemoteError{Method: req.Method, Detail: resp.Error}
	}
	if resp.Result == nil {
		return map[string]any{}, nil
	}
	return resp.Result, nil
}

// BoolField reads a boolean result field, treating a missing or
// non-boolean value as false.
func BoolField(result map[string]any, key string) bool {
	v, ok := result[key].(bool)
	return ok && v
}

// StringField reads a string result field, treating a missing or
// non-string value as empty.
func StringField(result map[string]any, key string) string {
	v, _ := result[key].(string)
	return v
}

// IntField reads an integer result field. JSON numbers decode as
// float64; anything else reads as (0, false).
func IntField(result map[string]any, key string) (int, bool) {
	switch v := result[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
