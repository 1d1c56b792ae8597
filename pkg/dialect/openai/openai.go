// Package openai implements the OpenAI Chat Completions dialect
// converter: canonical mapping is the identity (this is the wire format
// the upstream itself speaks), so this package is mostly pass-through
// reshaping plus the dialect's own request/response envelope.
package openai

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the inbound Chat Completions request body.
type Request struct {
	Model      string              `json:"model"`
	Messages   []Message           `json:"messages"`
	MaxTokens  int                 `json:"max_tokens"`
	Stream     bool                `json:"stream"`
	Tools      jsoniter.RawMessage `json:"tools"`
	ToolChoice jsoniter.RawMessage `json:"tool_choice"`
}

// Message is one Chat-Completions message record.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall mirrors the upstream's own tool_calls shape.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToCanonical maps a Chat Completions request body onto the canonical
// message model. The mapping is the identity: every field already
// matches the canonical shape one-to-one.
func ToCanonical(req *Request) canonical.Sequence {
	seq := make(canonical.Sequence, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := ""
		if m.Content != nil {
			text = *m.Content
		}
		switch m.Role {
		case "system", "developer":
			seq = append(seq, canonical.NewSystem(text))
		case "user":
			seq = append(seq, canonical.NewUser(text))
		case "tool":
			seq = append(seq, canonical.NewToolResult(m.ToolCallID, text))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				calls := make([]canonical.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					calls = append(calls, canonical.ToolCall{
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				seq = append(seq, canonical.NewAssistantToolCalls(text, calls))
			} else {
				seq = append(seq, canonical.NewAssistantText(text))
			}
		}
	}
	return seq
}

// Response is the Chat Completions response envelope.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice is the single choice this gateway ever returns.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// FromCanonical builds a Chat Completions response from a canonical
// assistant reply.
func FromCanonical(id, model string, reply canonical.Message) *Response {
	msg := Message{Role: "assistant"}
	if reply.Text != "" {
		text := reply.Text
		msg.Content = &text
	}
	finish := "stop"
	if len(reply.ToolCalls) > 0 {
		finish = "tool_calls"
		for _, tc := range reply.ToolCalls {
			wire := ToolCall{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = tc.Arguments
			msg.ToolCalls = append(msg.ToolCalls, wire)
		}
	}
	return &Response{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
	}
}

// ToolsToCanonicalSchema forwards a Chat Completions tools array
// unchanged: the dialect's own tool schema already is the canonical one.
func ToolsToCanonicalSchema(tools jsoniter.RawMessage) jsoniter.RawMessage {
	return tools
}
