package anthropic

import (
	"github.com/win30221/oca-gateway/pkg/idgen"
	"github.com/win30221/oca-gateway/pkg/upstream"
)

// StreamEmitter renders upstream chunks as Anthropic SSE events. It
// tracks a single monotonically increasing block_index (advanced when the
// text block closes and when a tool block opens, so every block gets its
// own index), opens the text block lazily on first
// non-empty text delta, and opens each tool block once its builder has
// observed both an id and a name — buffering any argument fragments that
// arrived before that point and replaying them as the block's first
// delta.
type StreamEmitter struct {
	blockIndex int

	textOpen bool

	tools map[int]*toolBlockState
	order []int
}

type toolBlockState struct {
	open       bool
	blockIndex int
	id         string
	name       string
	buffered   string
}

// NewStreamEmitter constructs an emitter for one response stream.
func NewStreamEmitter() *StreamEmitter {
	return &StreamEmitter{tools: map[int]*toolBlockState{}}
}

// Event is one SSE frame to write: "event: <Event>\ndata: <json>\n\n".
type Event struct {
	Event string
	Data  map[string]any
}

// Start returns the opening message_start event.
func (e *StreamEmitter) Start(model string) []Event {
	return []Event{{
		Event: "message_start",
		Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":    idgen.New("msg_"),
				"type":  "message",
				"role":  "assistant",
				"model": model,
			},
		},
	}}
}

// Emit renders one upstream chunk as zero or more Anthropic events.
func (e *StreamEmitter) Emit(c upstream.Chunk) []Event {
	if c.Done {
		return e.finish(c)
	}

	var events []Event

	if c.TextDelta != "" {
		if !e.textOpen {
			e.textOpen = true
			events = append(events, Event{
				Event: "content_block_start",
				Data: map[string]any{
					"type":          "content_block_start",
					"index":         e.blockIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				},
			})
		}
		events = append(events, Event{
			Event: "content_block_delta",
			Data: map[string]any{
				"type":  "content_block_delta",
				"index": e.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": c.TextDelta},
			},
		})
	}

	for _, d := range c.ToolCallDeltas {
		st, ok := e.tools[d.Index]
		if !ok {
			st = &toolBlockState{}
			e.tools[d.Index] = st
			e.order = append(e.order, d.Index)
		}
		if d.ID != "" {
			st.id = d.ID
		}
		if d.Name != "" {
			st.name = d.Name
		}
		if d.ArgumentsFragment != "" {
			st.buffered += d.ArgumentsFragment
		}

		if !st.open && st.id != "" && st.name != "" {
			if e.textOpen {
				events = append(events, e.closeTextBlock())
			}
			st.open = true
			st.blockIndex = e.blockIndex
			e.blockIndex++
			events = append(events, Event{
				Event: "content_block_start",
				Data: map[string]any{
					"type":  "content_block_start",
					"index": st.blockIndex,
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    rewriteToToolu(st.id),
						"name":  st.name,
						"input": map[string]any{},
					},
				},
			})
			if st.buffered != "" {
				events = append(events, Event{
					Event: "content_block_delta",
					Data: map[string]any{
						"type":  "content_block_delta",
						"index": st.blockIndex,
						"delta": map[string]any{"type": "input_json_delta", "partial_json": st.buffered},
					},
				})
				st.buffered = ""
			}
			continue
		}

		if st.open && d.ArgumentsFragment != "" {
			events = append(events, Event{
				Event: "content_block_delta",
				Data: map[string]any{
					"type":  "content_block_delta",
					"index": st.blockIndex,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": d.ArgumentsFragment},
				},
			})
		}
	}

	return events
}

func (e *StreamEmitter) closeTextBlock() Event {
	idx := e.blockIndex
	e.blockIndex++
	e.textOpen = false
	return Event{
		Event: "content_block_stop",
		Data:  map[string]any{"type": "content_block_stop", "index": idx},
	}
}

func (e *StreamEmitter) finish(c upstream.Chunk) []Event {
	var events []Event
	if e.textOpen {
		events = append(events, e.closeTextBlock())
	}
	for _, idx := range e.order {
		st := e.tools[idx]
		if st.open {
			events = append(events, Event{
				Event: "content_block_stop",
				Data:  map[string]any{"type": "content_block_stop", "index": st.blockIndex},
			})
		}
	}

	stopReason := "end_turn"
	if len(e.order) > 0 {
		stopReason = "tool_use"
	}
	if c.Final != nil && c.Final.FinishReason == "tool_calls" {
		stopReason = "tool_use"
	}

	events = append(events,
		Event{
			Event: "message_delta",
			Data: map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stopReason},
				"usage": map[string]any{"output_tokens": estimateUsage(c.Final)},
			},
		},
		Event{Event: "message_stop", Data: map[string]any{"type": "message_stop"}},
	)
	return events
}

// EmitError renders a mid-stream failure as Anthropic's error event.
func (e *StreamEmitter) EmitError(err error) Event {
	return Event{
		Event: "error",
		Data: map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": err.Error()},
		},
	}
}

// estimateUsage reproduces the upstream's own token estimator verbatim
// where no real usage is available: word count of text plus the total
// argument-string length across all tool calls, divided by four once
// (not per tool call).
func estimateUsage(final *upstream.Result) int {
	if final == nil {
		return 0
	}
	argLen := 0
	for _, tc := range final.ToolCalls {
		argLen += len(tc.Arguments)
	}
	return len(splitWords(final.Text)) + argLen/4
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}
