// Package responses implements the OpenAI Responses dialect converter:
// request/response mapping to and from the canonical message model, the
// streaming remultiplexer emitting the response.* event grammar, and the
// response-retrieval cache backing GET/DELETE /v1/responses/{id}.
package responses

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/idgen"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the inbound Responses request body. Input is either a bare
// string or an item list, hence RawMessage.
type Request struct {
	Model              string                `json:"model"`
	Input              jsoniter.RawMessage   `json:"input"`
	Instructions       string                `json:"instructions"`
	Tools              []jsoniter.RawMessage `json:"tools"`
	ToolChoice         jsoniter.RawMessage   `json:"tool_choice"`
	Stream             bool                  `json:"stream"`
	Reasoning          jsoniter.RawMessage   `json:"reasoning"`
	PreviousResponseID string                `json:"previous_response_id"`
}

type inputItem struct {
	Type string `json:"type"`

	// message
	Role    string              `json:"role"`
	Content jsoniter.RawMessage `json:"content"`

	// function_call
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	// function_call_output
	Output string `json:"output"`
}

// nameInferenceTable maps a distinguishing argument key to the tool name
// a Responses function_call with an empty name is assumed to mean.
var nameInferenceTable = []struct {
	keys []string
	name string
}{
	{keys: []string{"cmd"}, name: "exec_command"},
	{keys: []string{"session_id", "chars"}, name: "write_stdin"},
	{keys: []string{"plan"}, name: "update_plan"},
	{keys: []string{"questions"}, name: "request_user_input"},
	{keys: []string{"path"}, name: "view_image"},
}

// inferName guesses the intended tool name from the argument object's
// keys when the upstream/client omitted it. Returns "" if no table entry
// matches, signalling the call should be dropped.
func inferName(argumentsJSON string) string {
	var args map[string]jsoniter.RawMessage
	if json.Unmarshal([]byte(argumentsJSON), &args) != nil {
		return ""
	}
	for _, cand := range nameInferenceTable {
		ok := true
		for _, k := range cand.keys {
			if _, present := args[k]; !present {
				ok = false
				break
			}
		}
		if ok {
			return cand.name
		}
	}
	return ""
}

// ToCanonical maps a Responses request body onto the canonical message
// model: instructions become a prepended System message, a bare input
// string becomes a single User message, and input items are mapped per
// type (message/function_call/function_call_output; reasoning items are
// dropped).
func ToCanonical(req *Request) canonical.Sequence {
	seq := canonical.Sequence{}
	if req.Instructions != "" {
		seq = append(seq, canonical.NewSystem(req.Instructions))
	}

	if len(req.Input) == 0 {
		return seq
	}

	var bare string
	if json.Unmarshal(req.Input, &bare) == nil {
		seq = append(seq, canonical.NewUser(bare))
		return seq
	}

	var items []inputItem
	if json.Unmarshal(req.Input, &items) != nil {
		return seq
	}

	// Track whether a message item in this input had a sibling
	// function_call, to implement the empty-assistant-message drop rule.
	hasFunctionCall := false
	for _, it := range items {
		if it.Type == "function_call" {
			hasFunctionCall = true
			break
		}
	}

	for _, it := range items {
		switch it.Type {
		case "message":
			text := messageText(it.Content)
			switch it.Role {
			case "system", "developer":
				seq = append(seq, canonical.NewSystem(text))
			case "user":
				seq = append(seq, canonical.NewUser(text))
			case "assistant":
				if text == "" && hasFunctionCall {
					continue
				}
				seq = append(seq, canonical.NewAssistantText(text))
			}
		case "function_call":
			name := it.Name
			if name == "" {
				name = inferName(it.Arguments)
				if name == "" {
					continue
				}
			}
			args := it.Arguments
			if args == "" {
				args = "{}"
			}
			seq = append(seq, canonical.NewAssistantToolCalls("", []canonical.ToolCall{{
				ID:        it.CallID,
				Name:      name,
				Arguments: args,
			}}))
		case "function_call_output":
			seq = append(seq, canonical.NewToolResult(it.CallID, it.Output))
		case "reasoning":
			// Dropped: informational only, not part of the canonical model.
		}
	}
	return seq
}

func messageText(raw jsoniter.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var texts []string
		for _, b := range blocks {
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// builtinTools are dropped because the gateway cannot execute them.
var builtinTools = map[string]bool{"web_search": true, "file_search": true, "computer": true}

// ToolsToCanonicalSchema maps a Responses tools array to the canonical
// {name, description, parameters} shape. function-type entries pass
// through; an entry whose parameters are absent or malformed gets a
// default empty-object schema (no properties, additionalProperties
// false); built-in tools are dropped.
func ToolsToCanonicalSchema(tools []jsoniter.RawMessage) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, raw := range tools {
		var hdr struct {
			Type        string              `json:"type"`
			Name        string              `json:"name"`
			Description string              `json:"description"`
			Parameters  jsoniter.RawMessage `json:"parameters"`
		}
		if json.Unmarshal(raw, &hdr) != nil {
			continue
		}
		if builtinTools[hdr.Type] {
			continue
		}
		params := hdr.Parameters
		if len(params) == 0 || !json.Valid(params) {
			params = jsoniter.RawMessage(`{"type":"object","properties":{},"required":[],"additionalProperties":false}`)
		}
		out = append(out, map[string]any{
			"name":        hdr.Name,
			"description": hdr.Description,
			"parameters":  params,
		})
	}
	return out
}

// Usage carries the gateway's best-effort token accounting, always
// computed by estimateUsage; upstream-reported counts are not used.
// input_tokens is always 0 since the gateway does not count prompt
// tokens; zero-valued when nothing was computed.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the Responses envelope returned for a non-streaming call
// and stored in the response-retrieval cache.
type Response struct {
	ID                 string       `json:"id"`
	Object             string       `json:"object"`
	Model              string       `json:"model"`
	Status             string       `json:"status"`
	Output             []outputItem `json:"output"`
	Usage              *Usage       `json:"usage,omitempty"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
}

type outputItem struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Role    string           `json:"role,omitempty"`
	Content []map[string]any `json:"content,omitempty"`
	Status  string           `json:"status,omitempty"`
	CallID  string           `json:"call_id,omitempty"`
	Name    string           `json:"name,omitempty"`

	// arguments is a JSON-text string on the wire, never a parsed object:
	// the gateway forwards whatever the upstream sealed, valid or not.
	Arguments string `json:"arguments,omitempty"`
}

// FromCanonical builds a Responses response from a canonical assistant
// reply: a message item (omitted if text is empty) followed by a
// function_call item per tool call. previousResponseID is echoed back
// unchanged (empty if the request didn't chain off a prior response).
func FromCanonical(model string, reply canonical.Message, previousResponseID string) *Response {
	var output []outputItem
	if reply.Text != "" {
		output = append(output, outputItem{
			Type:   "message",
			ID:     idgen.New("msg_"),
			Role:   "assistant",
			Status: "completed",
			Content: []map[string]any{{
				"type": "output_text",
				"text": reply.Text,
			}},
		})
	}
	for _, tc := range reply.ToolCalls {
		output = append(output, outputItem{
			Type:      "function_call",
			ID:        idgen.New("fc_"),
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
			Status:    "completed",
		})
	}
	usage := estimateUsage(reply)
	return &Response{
		ID:                 idgen.New("resp_"),
		Object:             "response",
		Model:              model,
		Status:             "completed",
		Output:             output,
		Usage:              &usage,
		PreviousResponseID: previousResponseID,
	}
}

// CanonicalReply rebuilds the canonical assistant message a stored
// Response represents, so a follow-up request chaining off
// previous_response_id can carry the prior turn's output in its history.
func (r *Response) CanonicalReply() canonical.Message {
	var texts []string
	var calls []canonical.ToolCall
	for _, it := range r.Output {
		switch it.Type {
		case "message":
			for _, c := range it.Content {
				if t, ok := c["text"].(string); ok && t != "" {
					texts = append(texts, t)
				}
			}
		case "function_call":
			calls = append(calls, canonical.ToolCall{ID: it.CallID, Name: it.Name, Arguments: it.Arguments})
		}
	}
	text := strings.Join(texts, "\n")
	if len(calls) > 0 {
		return canonical.NewAssistantToolCalls(text, calls)
	}
	return canonical.NewAssistantText(text)
}

// estimateUsage reproduces the same best-effort token estimator the
// Anthropic emitter uses where no real usage is available: word count of
// the reply text plus the total argument-string length across all tool
// calls, divided by four once.
func estimateUsage(reply canonical.Message) Usage {
	argLen := 0
	for _, tc := range reply.ToolCalls {
		argLen += len(tc.Arguments)
	}
	out := len(strings.Fields(reply.Text)) + argLen/4
	return Usage{OutputTokens: out, TotalTokens: out}
}
