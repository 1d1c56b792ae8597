package responses

import (
	"testing"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
)

func TestToCanonical_BareInputString(t *testing.T) {
	req := &Request{Model: "oca/gpt-4.1", Input: []byte(`"Hi"`)}
	seq := ToCanonical(req)
	if len(seq) != 1 || seq[0].Role != canonical.RoleUser || seq[0].Text != "Hi" {
		t.Fatalf("got %+v", seq)
	}
}

func TestToCanonical_FunctionCallNameInference(t *testing.T) {
	req := &Request{
		Model: "oca/gpt-4.1",
		Input: []byte(`[{"type":"function_call","call_id":"fc_1","name":"","arguments":"{\"cmd\":\"ls\"}"}]`),
	}
	seq := ToCanonical(req)
	if len(seq) != 1 || !seq[0].HasToolCalls() || seq[0].ToolCalls[0].Name != "exec_command" {
		t.Fatalf("got %+v", seq)
	}
}

func TestToCanonical_FunctionCallUninferableNameDropped(t *testing.T) {
	req := &Request{
		Model: "oca/gpt-4.1",
		Input: []byte(`[{"type":"function_call","call_id":"fc_1","name":"","arguments":"{\"mystery\":1}"}]`),
	}
	seq := ToCanonical(req)
	if len(seq) != 0 {
		t.Fatalf("expected the uninferable call to be dropped, got %+v", seq)
	}
}

func TestToolsToCanonicalSchema_DropsBuiltinsAndCoercesCustom(t *testing.T) {
	tools := []jsoniter.RawMessage{
		[]byte(`{"type":"web_search"}`),
		[]byte(`{"type":"function","name":"search","description":"d","parameters":{"type":"object","properties":{}}}`),
		[]byte(`{"type":"custom","name":"weird"}`),
	}
	out := ToolsToCanonicalSchema(tools)
	if len(out) != 2 {
		t.Fatalf("expected built-in tool dropped, got %d entries: %+v", len(out), out)
	}
	if out[1]["name"] != "weird" {
		t.Fatalf("got %+v", out[1])
	}
}

func TestFromCanonical_EchoesPreviousResponseIDAndEstimatesUsage(t *testing.T) {
	reply := canonical.NewAssistantText("three word reply")
	resp := FromCanonical("oca/gpt-4.1", reply, "resp_prior")
	if resp.PreviousResponseID != "resp_prior" {
		t.Fatalf("got previous_response_id %q", resp.PreviousResponseID)
	}
	if resp.Usage == nil || resp.Usage.OutputTokens != 3 || resp.Usage.TotalTokens != 3 {
		t.Fatalf("got usage %+v", resp.Usage)
	}
}

func TestFromCanonical_NoPreviousResponseIDOmitsField(t *testing.T) {
	resp := FromCanonical("oca/gpt-4.1", canonical.NewAssistantText("hi"), "")
	if resp.PreviousResponseID != "" {
		t.Fatalf("expected empty previous_response_id, got %q", resp.PreviousResponseID)
	}
}

func TestFromCanonical_UsageSumsToolArgumentsBeforeDividing(t *testing.T) {
	reply := canonical.NewAssistantToolCalls("", []canonical.ToolCall{
		{ID: "1", Name: "a", Arguments: "abc"},
		{ID: "2", Name: "b", Arguments: "def"},
	})
	resp := FromCanonical("oca/gpt-4.1", reply, "")
	// (3+3)/4 = 1, not 3/4 + 3/4 = 0.
	if resp.Usage.OutputTokens != 1 {
		t.Fatalf("expected summed-then-divided estimate of 1, got %d", resp.Usage.OutputTokens)
	}
}

func TestCanonicalReply_RoundTripsTextAndToolCalls(t *testing.T) {
	reply := canonical.NewAssistantToolCalls("working on it", []canonical.ToolCall{
		{ID: "call_A", Name: "search", Arguments: `{"q":"go"}`},
	})
	resp := FromCanonical("oca/gpt-4.1", reply, "")

	back := resp.CanonicalReply()
	if back.Text != "working on it" {
		t.Fatalf("text not round-tripped: %+v", back)
	}
	if !back.HasToolCalls() || back.ToolCalls[0] != reply.ToolCalls[0] {
		t.Fatalf("tool calls not round-tripped: %+v", back.ToolCalls)
	}
}

func TestCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewCache(2)
	c.Put(&Response{ID: "a"})
	c.Put(&Response{ID: "b"})
	c.Put(&Response{ID: "c"}) // evicts "a"

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected 'a' to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected 'b' to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected 'c' to remain")
	}
}

func TestCache_DeleteReportsPresence(t *testing.T) {
	c := NewCache(10)
	c.Put(&Response{ID: "x"})
	if !c.Delete("x") {
		t.Fatalf("expected Delete to report presence")
	}
	if c.Delete("x") {
		t.Fatalf("expected second Delete to report absence")
	}
}
