// Package anthropic implements the Anthropic Messages dialect converter:
// request/response mapping to and from the canonical message model, and
// the streaming remultiplexer that turns upstream Chat-Completions
// deltas into Anthropic's message_start/content_block_*/message_delta/
// message_stop event grammar.
package anthropic

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/idgen"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the inbound Anthropic Messages request body.
type Request struct {
	Model      string              `json:"model"`
	MaxTokens  int                 `json:"max_tokens"`
	System     jsoniter.RawMessage `json:"system"`
	Messages   []Message           `json:"messages"`
	Tools      []Tool              `json:"tools"`
	ToolChoice jsoniter.RawMessage `json:"tool_choice"`
	Stream     bool                `json:"stream"`
}

// Message is one Anthropic message; Content is either a bare string or a
// block list, hence RawMessage.
type Message struct {
	Role    string              `json:"role"`
	Content jsoniter.RawMessage `json:"content"`
}

// Tool is one Anthropic tool schema entry.
type Tool struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema jsoniter.RawMessage `json:"input_schema"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`

	// tool_use
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Input jsoniter.RawMessage `json:"input"`

	// tool_result
	ToolUseID string              `json:"tool_use_id"`
	Content   jsoniter.RawMessage `json:"content"`
}

// ToCanonical maps an Anthropic request body onto the canonical message
// model, per the normalisation table: bare string content becomes a
// text payload, block-list content is split by block type, and a
// top-level system field (string or block list) is prepended as a
// canonical System message.
func ToCanonical(req *Request) canonical.Sequence {
	seq := canonical.Sequence{}
	if sys := systemText(req.System); sys != "" {
		seq = append(seq, canonical.NewSystem(sys))
	}

	for _, m := range req.Messages {
		text, toolCalls, toolResults := splitContent(m.Content)

		switch m.Role {
		case "user":
			if len(toolResults) > 0 {
				for _, tr := range toolResults {
					seq = append(seq, canonical.NewToolResult(tr.id, tr.text))
				}
			}
			if text != "" || len(toolResults) == 0 {
				seq = append(seq, canonical.NewUser(text))
			}
		case "assistant":
			if len(toolCalls) > 0 {
				seq = append(seq, canonical.NewAssistantToolCalls(text, toolCalls))
			} else {
				seq = append(seq, canonical.NewAssistantText(text))
			}
		}
	}
	return seq
}

func systemText(raw jsoniter.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return joinText(blocks)
	}
	return ""
}

type toolResult struct {
	id   string
	text string
}

// splitContent parses Anthropic's dual-shape content field (bare string
// or block list) into a text payload, any tool_use blocks (assistant
// tool calls), and any tool_result blocks (user-role tool results).
func splitContent(raw jsoniter.RawMessage) (text string, toolCalls []canonical.ToolCall, results []toolResult) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, nil
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, canonical.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		case "tool_result":
			results = append(results, toolResult{id: b.ToolUseID, text: extractToolResultText(b.Content)})
		}
	}
	return strings.Join(texts, "\n"), toolCalls, results
}

func extractToolResultText(raw jsoniter.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return joinText(blocks)
	}
	return ""
}

func joinText(blocks []contentBlock) string {
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToolsToCanonicalSchema maps Anthropic's tools array to the canonical
// {name, description, parameters} shape.
func ToolsToCanonicalSchema(tools []Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.InputSchema,
		})
	}
	return out
}

// Response is the Anthropic Messages response envelope.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []responseItem `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type responseItem struct {
	Type  string              `json:"type"`
	Text  string              `json:"text,omitempty"`
	ID    string              `json:"id,omitempty"`
	Name  string              `json:"name,omitempty"`
	Input jsoniter.RawMessage `json:"input,omitempty"`
}

// FromCanonical builds an Anthropic response from a canonical assistant
// reply: a text block (only if non-empty) followed by a tool_use block
// per tool call, ids prefixed toolu_.
func FromCanonical(model string, reply canonical.Message) *Response {
	var content []responseItem
	if reply.Text != "" {
		content = append(content, responseItem{Type: "text", Text: reply.Text})
	}
	for _, tc := range reply.ToolCalls {
		input := jsoniter.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = jsoniter.RawMessage("{}")
		}
		content = append(content, responseItem{
			Type:  "tool_use",
			ID:    rewriteToToolu(tc.ID),
			Name:  tc.Name,
			Input: input,
		})
	}
	stopReason := "end_turn"
	if len(reply.ToolCalls) > 0 {
		stopReason = "tool_use"
	}
	return &Response{
		ID:         idgen.New("msg_"),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stopReason,
	}
}

// rewriteToToolu rewrites an upstream call_ prefixed id to the Anthropic
// toolu_ prefix, leaving an already-appropriately-shaped id untouched.
func rewriteToToolu(upstreamID string) string {
	if strings.HasPrefix(upstreamID, "toolu_") {
		return upstreamID
	}
	rest := strings.TrimPrefix(upstreamID, "call_")
	return "toolu_" + rest
}
