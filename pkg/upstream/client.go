// Package upstream assembles Chat-Completions-dialect requests from
// canonical messages, sends them through the token manager's dual-path
// transport, and reconstructs fragmented SSE tool-call deltas into
// well-formed final tool-call objects. There is no separate
// non-streaming upstream contract: a non-streaming caller simply drains
// the streaming path to completion.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/config"
	"github.com/win30221/oca-gateway/pkg/token"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request carries everything needed to assemble an upstream
// Chat-Completions call beyond the canonical message sequence itself.
type Request struct {
	Model      string
	Messages   canonical.Sequence
	MaxTokens  int
	Tools      jsoniter.RawMessage // forwarded verbatim when non-empty
	ToolChoice jsoniter.RawMessage // forwarded verbatim when non-empty
}

// ToolCallDelta is one partial update to a tool call under construction,
// as surfaced to a streaming remultiplexer in arrival order.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Chunk is one unit of streamed upstream output. Every chunk before the
// final one carries a non-empty TextDelta or ToolCallDeltas (content-free
// upstream deltas are not forwarded). The final chunk of a stream
// carries Done=true and the sealed Result.
type Chunk struct {
	TextDelta      string
	ToolCallDeltas []ToolCallDelta
	Done           bool
	FinishReason   string
	Final          *Result
}

// Result is the aggregate produced once a stream completes: the full
// concatenated text and the sealed, order-preserved tool-call list.
type Result struct {
	Text         string
	ToolCalls    []canonical.ToolCall
	FinishReason string
}

// Client sends Chat-Completions requests to the single configured
// upstream through a token.Manager. The upstream URL and the request
// timeout are re-read from the configuration store on every call.
type Client struct {
	Manager *token.Manager
	Store   *config.Store
}

// New builds a Client bound to a configuration store and token manager.
func New(m *token.Manager, store *config.Store) *Client {
	return &Client{Manager: m, Store: store}
}

// WrapFunctionTools serialises canonical {name, description, parameters}
// tool schemas into the Chat-Completions tools wire shape, each entry
// wrapped as {type:"function", function:{...}}.
func WrapFunctionTools(schemas []map[string]any) jsoniter.RawMessage {
	if len(schemas) == 0 {
		return nil
	}
	wrapped := make([]map[string]any, 0, len(schemas))
	for _, s := range schemas {
		wrapped = append(wrapped, map[string]any{"type": "function", "function": s})
	}
	b, err := json.Marshal(wrapped)
	if err != nil {
		return nil
	}
	return b
}

// toUpstreamMessages serialises canonical messages into the
// Chat-Completions wire shape: role-tagged records with an optional
// tool_calls array on assistant messages and tool_call_id on results.
func toUpstreamMessages(seq canonical.Sequence) []map[string]any {
	out := make([]map[string]any, 0, len(seq))
	for _, m := range seq {
		switch m.Role {
		case canonical.RoleUser:
			out = append(out, map[string]any{"role": "user", "content": m.Text})
		case canonical.RoleSystem:
			out = append(out, map[string]any{"role": "system", "content": m.Text})
		case canonical.RoleToolResult:
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": m.ToolCallID,
				"content":      m.Text,
			})
		case canonical.RoleAssistant:
			rec := map[string]any{"role": "assistant"}
			if m.Text != "" {
				rec["content"] = m.Text
			} else {
				rec["content"] = nil
			}
			if len(m.ToolCalls) > 0 {
				calls := make([]map[string]any, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					calls = append(calls, map[string]any{
						"type": "function",
						"id":   tc.ID,
						"function": map[string]any{
							"name":      tc.Name,
							"arguments": tc.Arguments,
						},
					})
				}
				rec["tool_calls"] = calls
			}
			out = append(out, rec)
		}
	}
	return out
}

// Send starts the upstream call and returns a channel of Chunks. The
// channel is closed after the final (Done=true) chunk is delivered. If
// request assembly or the token lookup fails, Send returns the error and
// no channel. Failures of the upstream call itself (transport errors in
// both modes, a non-2xx status, a stream cut short) are only logged: the
// channel is then closed without a Done chunk.
func (c *Client) Send(ctx context.Context, req Request) (<-chan Chunk, error) {
	cfg := c.Store.Get()

	// The gateway always streams the upstream call, even for clients that
	// asked for a non-streaming reply: there is no separate non-streaming
	// upstream contract.
	body := map[string]any{
		"model":          req.Model,
		"messages":       toUpstreamMessages(req.Messages),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": false},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if len(req.ToolChoice) > 0 {
		body["tool_choice"] = req.ToolChoice
	}
	if cfg.LLMTemperature != 0 {
		body["temperature"] = cfg.LLMTemperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, cfg.LLMRequestTimeout)

	httpReq, err := c.Manager.NewUpstreamRequest(streamCtx, "POST", cfg.LLMAPIURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	out := make(chan Chunk, 16)

	go func() {
		defer cancel()
		defer close(out)

		builders := newToolBuilderMap()
		var text strings.Builder
		finishReason := ""

		err := c.Manager.StreamDo(streamCtx, httpReq, nil, func(line string) error {
			chunk, done, fin, parseErr := parseLine(line, builders, &text)
			if parseErr != nil {
				slog.Warn("upstream: failed to parse SSE payload", "error", parseErr)
				return nil
			}
			if fin != "" {
				finishReason = fin
			}
			if chunk != nil {
				out <- *chunk
			}
			if done {
				out <- Chunk{
					Done: true,
					Final: &Result{
						Text:         text.String(),
						ToolCalls:    builders.seal(),
						FinishReason: finishReason,
					},
				}
			}
			return nil
		})
		if err != nil {
			slog.Warn("upstream: stream terminated with error", "error", err)
		}
	}()

	return out, nil
}

// parseLine handles one SSE line: "data: {...}" payloads, the literal
// "[DONE]" terminator, and any other line (ignored: SSE comments/blank
// keepalives).
func parseLine(line string, builders *toolBuilderMap, text *strings.Builder) (chunk *Chunk, done bool, finishReason string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, "", nil
	}
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		payload, ok = strings.CutPrefix(line, "data:")
		if !ok {
			return nil, false, "", nil
		}
		payload = strings.TrimSpace(payload)
	}
	if payload == "[DONE]" {
		return nil, true, "", nil
	}

	var event struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    *int   `json:"index"`
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
				FunctionCall *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function_call"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, false, "", fmt.Errorf("upstream: malformed SSE payload: %w", err)
	}
	if len(event.Choices) == 0 {
		return nil, false, "", nil
	}
	ch := event.Choices[0]

	out := &Chunk{}
	if ch.Delta.Content != "" {
		text.WriteString(ch.Delta.Content)
		out.TextDelta = ch.Delta.Content
	}

	if ch.Delta.FunctionCall != nil {
		// Legacy single function_call, normalised to index 0 tool-call shape.
		d := builders.apply(nil, "", "function", ch.Delta.FunctionCall.Name, ch.Delta.FunctionCall.Arguments)
		out.ToolCallDeltas = append(out.ToolCallDeltas, d)
	}
	for _, tc := range ch.Delta.ToolCalls {
		d := builders.apply(tc.Index, tc.ID, tc.Type, tc.Function.Name, tc.Function.Arguments)
		out.ToolCallDeltas = append(out.ToolCallDeltas, d)
	}

	if ch.FinishReason != "" {
		finishReason = ch.FinishReason
	}
	if out.TextDelta == "" && len(out.ToolCallDeltas) == 0 {
		return nil, false, finishReason, nil
	}
	return out, false, finishReason, nil
}

// toolBuilderMap accumulates fragmented tool-call deltas keyed by
// ("i", index) if index is present, else ("id", id), else ("i", 0).
// Insertion order of keys is preserved so the sealed list comes out in
// the order tool calls were first observed.
type toolBuilderMap struct {
	order    []string
	builders map[string]*toolBuilder
}

type toolBuilder struct {
	typ  string
	id   string
	name string
	args strings.Builder
}

func newToolBuilderMap() *toolBuilderMap {
	return &toolBuilderMap{builders: map[string]*toolBuilder{}}
}

func (m *toolBuilderMap) apply(index *int, id, typ, name, argsFragment string) ToolCallDelta {
	key := ""
	switch {
	case index != nil:
		key = fmt.Sprintf("i:%d", *index)
	case id != "":
		key = "id:" + id
	default:
		key = "i:0"
	}

	b, ok := m.builders[key]
	if !ok {
		b = &toolBuilder{}
		m.builders[key] = b
		m.order = append(m.order, key)
	}
	if typ != "" {
		b.typ = typ
	}
	if b.id == "" && id != "" {
		b.id = id
	}
	if b.name == "" && name != "" {
		b.name = name
	}
	if argsFragment != "" {
		b.args.WriteString(argsFragment)
	}

	idx := 0
	if index != nil {
		idx = *index
	} else {
		for i, k := range m.order {
			if k == key {
				idx = i
				break
			}
		}
	}

	return ToolCallDelta{
		Index:             idx,
		ID:                b.id,
		Name:              b.name,
		ArgumentsFragment: argsFragment,
	}
}

// seal returns the final tool-call list in first-seen order. arguments
// is never JSON-parsed here: fragments may only be valid JSON once fully
// concatenated, and the caller is responsible for that.
func (m *toolBuilderMap) seal() []canonical.ToolCall {
	if len(m.order) == 0 {
		return nil
	}
	out := make([]canonical.ToolCall, 0, len(m.order))
	for _, key := range m.order {
		b := m.builders[key]
		out = append(out, canonical.ToolCall{
			ID:        b.id,
			Name:      b.name,
			Arguments: b.args.String(),
		})
	}
	return out
}
