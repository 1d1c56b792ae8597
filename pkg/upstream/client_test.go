package upstream

import (
	"strings"
	"testing"

	"github.com/win30221/oca-gateway/pkg/canonical"
)

func TestParseLine_ToolCallReassembly(t *testing.T) {
	builders := newToolBuilderMap()
	var text strings.Builder

	lines := []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_X","type":"function","function":{}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"f"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`data: [DONE]`,
	}

	var done bool
	for _, line := range lines {
		_, d, _, err := parseLine(line, builders, &text)
		if err != nil {
			t.Fatalf("parseLine(%q): %v", line, err)
		}
		if d {
			done = true
		}
	}
	if !done {
		t.Fatalf("expected [DONE] to be recognised")
	}

	sealed := builders.seal()
	want := []canonical.ToolCall{{ID: "call_X", Name: "f", Arguments: `{"x":1}`}}
	if len(sealed) != 1 || sealed[0] != want[0] {
		t.Fatalf("got %+v, want %+v", sealed, want)
	}
}

func TestParseLine_TextDeltaAccumulates(t *testing.T) {
	builders := newToolBuilderMap()
	var text strings.Builder

	lines := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo!"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}
	var finish string
	for _, line := range lines {
		_, _, fin, err := parseLine(line, builders, &text)
		if err != nil {
			t.Fatalf("parseLine(%q): %v", line, err)
		}
		if fin != "" {
			finish = fin
		}
	}
	if text.String() != "Hello!" {
		t.Fatalf("got text %q, want Hello!", text.String())
	}
	if finish != "stop" {
		t.Fatalf("got finish_reason %q, want stop", finish)
	}
}

func TestParseLine_KeyedByIDWhenIndexAbsent(t *testing.T) {
	builders := newToolBuilderMap()
	var text strings.Builder

	lines := []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_A","type":"function","function":{"name":"search","arguments":"{}"}}]}}]}`,
	}
	for _, line := range lines {
		if _, _, _, err := parseLine(line, builders, &text); err != nil {
			t.Fatalf("parseLine: %v", err)
		}
	}

	sealed := builders.seal()
	if len(sealed) != 1 || sealed[0].ID != "call_A" || sealed[0].Name != "search" {
		t.Fatalf("got %+v", sealed)
	}
}

func TestWrapFunctionTools_WireShape(t *testing.T) {
	wrapped := WrapFunctionTools([]map[string]any{
		{"name": "search", "description": "d", "parameters": map[string]any{"type": "object"}},
	})

	var out []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(wrapped, &out); err != nil {
		t.Fatalf("unmarshal wrapped tools: %v", err)
	}
	if len(out) != 1 || out[0].Type != "function" || out[0].Function.Name != "search" {
		t.Fatalf("got %s", string(wrapped))
	}
}

func TestWrapFunctionTools_EmptyIsNil(t *testing.T) {
	if got := WrapFunctionTools(nil); got != nil {
		t.Fatalf("expected nil for no tools, got %s", string(got))
	}
}

func TestParseLine_LegacyFunctionCallNormalised(t *testing.T) {
	builders := newToolBuilderMap()
	var text strings.Builder

	line := `data: {"choices":[{"delta":{"function_call":{"name":"legacy","arguments":"{\"a\":1}"}}}]}`
	if _, _, _, err := parseLine(line, builders, &text); err != nil {
		t.Fatalf("parseLine: %v", err)
	}

	sealed := builders.seal()
	if len(sealed) != 1 || sealed[0].Name != "legacy" || sealed[0].Arguments != `{"a":1}` {
		t.Fatalf("got %+v", sealed)
	}
}
