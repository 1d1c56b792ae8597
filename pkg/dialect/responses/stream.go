package responses

import (
	"strings"

	"github.com/win30221/oca-gateway/pkg/idgen"
	"github.com/win30221/oca-gateway/pkg/upstream"
)

// StreamEmitter renders upstream chunks as the Responses response.*
// event grammar. Every event carries a globally (per-response)
// monotonically increasing sequence_number, allocated at emission time
// — reflecting emission order, not upstream arrival order, per the
// ordering guarantees in the concurrency model.
type StreamEmitter struct {
	seq                int
	id                 string
	model              string
	previousResponseID string
	msgOpen            bool
	msgID              string
	toolOpen           map[int]string // index -> item id, once opened
	order              []int
}

// NewStreamEmitter constructs an emitter for one response, minting the
// response id used throughout the stream. previousResponseID is echoed
// on the response object of response.created and response.completed
// (omitted if the request didn't chain off a prior response); the
// response.failed object does not carry it.
func NewStreamEmitter(model, previousResponseID string) *StreamEmitter {
	return &StreamEmitter{
		id:                 idgen.New("resp_"),
		model:              model,
		previousResponseID: previousResponseID,
		toolOpen:           map[int]string{},
	}
}

// ID returns the response id this emitter announced in response.created,
// so the caller can store the completed response under the same id the
// client observed.
func (e *StreamEmitter) ID() string { return e.id }

// Event is one SSE frame: "event: <Type>\ndata: <json>\n\n".
type Event struct {
	Type string
	Data map[string]any
}

func (e *StreamEmitter) next() int {
	n := e.seq
	e.seq++
	return n
}

// Start returns the opening response.created event.
func (e *StreamEmitter) Start() []Event {
	resp := map[string]any{"id": e.id, "model": e.model, "status": "in_progress"}
	if e.previousResponseID != "" {
		resp["previous_response_id"] = e.previousResponseID
	}
	return []Event{{
		Type: "response.created",
		Data: map[string]any{
			"type":            "response.created",
			"sequence_number": e.next(),
			"response":        resp,
		},
	}}
}

// Emit renders one upstream chunk as zero or more Responses events.
func (e *StreamEmitter) Emit(c upstream.Chunk) []Event {
	if c.Done {
		return e.finish(c)
	}

	var events []Event

	if c.TextDelta != "" {
		if !e.msgOpen {
			e.msgOpen = true
			e.msgID = idgen.New("msg_")
			events = append(events, Event{
				Type: "response.output_item.added",
				Data: map[string]any{
					"type":            "response.output_item.added",
					"sequence_number": e.next(),
					"item":            map[string]any{"type": "message", "id": e.msgID, "status": "in_progress"},
				},
			})
		}
		events = append(events, Event{
			Type: "response.output_text.delta",
			Data: map[string]any{
				"type":            "response.output_text.delta",
				"sequence_number": e.next(),
				"item_id":         e.msgID,
				"delta":           c.TextDelta,
			},
		})
	}

	for _, d := range c.ToolCallDeltas {
		itemID, opened := e.toolOpen[d.Index]
		if !opened {
			itemID = idgen.New("fc_")
			e.toolOpen[d.Index] = itemID
			e.order = append(e.order, d.Index)
			events = append(events, Event{
				Type: "response.output_item.added",
				Data: map[string]any{
					"type":            "response.output_item.added",
					"sequence_number": e.next(),
					"item":            map[string]any{"type": "function_call", "id": itemID, "status": "in_progress"},
				},
			})
		}
		if d.ArgumentsFragment != "" {
			events = append(events, Event{
				Type: "response.function_call_arguments.delta",
				Data: map[string]any{
					"type":            "response.function_call_arguments.delta",
					"sequence_number": e.next(),
					"item_id":         itemID,
					"delta":           d.ArgumentsFragment,
				},
			})
		}
	}

	return events
}

func (e *StreamEmitter) finish(c upstream.Chunk) []Event {
	var events []Event
	if e.msgOpen {
		events = append(events, Event{
			Type: "response.output_item.done",
			Data: map[string]any{
				"type":            "response.output_item.done",
				"sequence_number": e.next(),
				"item":            map[string]any{"type": "message", "id": e.msgID, "status": "completed"},
			},
		})
	}
	for _, idx := range e.order {
		events = append(events, Event{
			Type: "response.output_item.done",
			Data: map[string]any{
				"type":            "response.output_item.done",
				"sequence_number": e.next(),
				"item":            map[string]any{"type": "function_call", "id": e.toolOpen[idx], "status": "completed"},
			},
		})
	}

	var output []map[string]any
	if c.Final != nil && c.Final.Text != "" {
		output = append(output, map[string]any{
			"type": "message", "id": e.msgID, "role": "assistant", "status": "completed",
			"content": []map[string]any{{"type": "output_text", "text": c.Final.Text}},
		})
	}
	if c.Final != nil {
		for i, tc := range c.Final.ToolCalls {
			itemID := e.id
			if i < len(e.order) {
				itemID = e.toolOpen[e.order[i]]
			}
			output = append(output, map[string]any{
				"type": "function_call", "id": itemID, "call_id": tc.ID, "name": tc.Name,
				"arguments": tc.Arguments, "status": "completed",
			})
		}
	}

	resp := map[string]any{
		"id": e.id, "model": e.model, "status": "completed", "output": output,
		"usage": estimateUsageForChunk(c),
	}
	if e.previousResponseID != "" {
		resp["previous_response_id"] = e.previousResponseID
	}
	events = append(events, Event{
		Type: "response.completed",
		Data: map[string]any{
			"type":            "response.completed",
			"sequence_number": e.next(),
			"response":        resp,
		},
	})
	return events
}

// estimateUsageForChunk renders the sealed Final result's best-effort
// token estimate as the {input_tokens, output_tokens, total_tokens}
// shape response.completed carries: word count of the final text plus
// the total argument-string length across all tool calls, divided by
// four once.
func estimateUsageForChunk(c upstream.Chunk) map[string]any {
	out := 0
	if c.Final != nil {
		argLen := 0
		for _, tc := range c.Final.ToolCalls {
			argLen += len(tc.Arguments)
		}
		out = len(strings.Fields(c.Final.Text)) + argLen/4
	}
	return map[string]any{"input_tokens": 0, "output_tokens": out, "total_tokens": out}
}

// EmitError renders a mid-stream failure as response.failed followed by
// an error event.
func (e *StreamEmitter) EmitError(err error) []Event {
	return []Event{
		{
			Type: "response.failed",
			Data: map[string]any{
				"type":            "response.failed",
				"sequence_number": e.next(),
				"response":        map[string]any{"id": e.id, "status": "failed"},
			},
		},
		{
			Type: "error",
			Data: map[string]any{
				"type":            "error",
				"sequence_number": e.next(),
				"error":           map[string]any{"message": err.Error()},
			},
		},
	}
}
