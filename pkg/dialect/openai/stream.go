package openai

import (
	"fmt"

	"github.com/win30221/oca-gateway/pkg/upstream"
)

// StreamEmitter reshapes upstream chunks into Chat-Completions SSE
// frames. The reshaping is translucent: each upstream delta becomes a
// chat.completion.chunk frame carrying the same delta fields, terminated
// by a finish_reason:"stop" chunk and a literal [DONE] line.
type StreamEmitter struct {
	ID    string
	Model string
}

// Emit renders one chunk as zero or more SSE lines (each already
// prefixed "data: " and newline-terminated, ready to write to the
// response body).
func (e *StreamEmitter) Emit(c upstream.Chunk) []string {
	if c.Done {
		frame := map[string]any{
			"id":      e.ID,
			"object":  "chat.completion.chunk",
			"model":   e.Model,
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
		}
		return []string{sseLine(frame), "data: [DONE]\n\n"}
	}

	delta := map[string]any{}
	if c.TextDelta != "" {
		delta["content"] = c.TextDelta
	}
	if len(c.ToolCallDeltas) > 0 {
		calls := make([]map[string]any, 0, len(c.ToolCallDeltas))
		for _, d := range c.ToolCallDeltas {
			fn := map[string]any{}
			if d.Name != "" {
				fn["name"] = d.Name
			}
			if d.ArgumentsFragment != "" {
				fn["arguments"] = d.ArgumentsFragment
			}
			entry := map[string]any{"index": d.Index, "function": fn}
			if d.ID != "" {
				entry["id"] = d.ID
				entry["type"] = "function"
			}
			calls = append(calls, entry)
		}
		delta["tool_calls"] = calls
	}
	if len(delta) == 0 {
		return nil
	}

	frame := map[string]any{
		"id":      e.ID,
		"object":  "chat.completion.chunk",
		"model":   e.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta}},
	}
	return []string{sseLine(frame)}
}

// EmitError renders a mid-stream failure as a single error frame
// followed by the [DONE] terminator.
func (e *StreamEmitter) EmitError(err error) []string {
	frame := map[string]any{"error": map[string]any{"message": err.Error(), "type": "api_error"}}
	return []string{sseLine(frame), "data: [DONE]\n\n"}
}

func sseLine(v any) string {
	b, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return fmt.Sprintf("data: {\"error\":{\"message\":%q}}\n\n", marshalErr.Error())
	}
	return "data: " + string(b) + "\n\n"
}
