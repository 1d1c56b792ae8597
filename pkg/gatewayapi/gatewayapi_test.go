package gatewayapi

import (
	"net/http/httptest"
	"testing"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/token"
	"github.com/win30221/oca-gateway/pkg/upstream"
)

func TestStripOcaPrefix(t *testing.T) {
	cases := map[string]string{
		"oca/gpt-4.1": "gpt-4.1",
		"gpt-4.1":     "gpt-4.1",
		"oca/":        "",
	}
	for in, want := range cases {
		if got := stripOcaPrefix(in); got != want {
			t.Errorf("stripOcaPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteError_DialectSpecificEnvelopes(t *testing.T) {
	cases := []struct {
		dialect  Dialect
		wantType string
	}{
		{DialectOpenAI, "invalid_request"},
		{DialectAnthropic, "invalid_request_error"},
		{DialectResponses, "invalid_request"},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.dialect, newError(KindInvalidRequest, "bad request"))

		if rec.Code != 400 {
			t.Errorf("dialect %v: status = %d, want 400", c.dialect, rec.Code)
		}

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("dialect %v: unmarshal response: %v", c.dialect, err)
		}
		errObj, ok := body["error"].(map[string]any)
		if !ok {
			t.Fatalf("dialect %v: missing error object: %v", c.dialect, body)
		}
		if got := errObj["type"]; got != c.wantType {
			t.Errorf("dialect %v: error.type = %v, want %v", c.dialect, got, c.wantType)
		}
	}
}

func TestClassifyTransportError_PlainErrorIsConnectionError(t *testing.T) {
	// A non-HTTPError, non-AuthError failure classifies as a connection error.
	gwErr := classifyTransportError(errPlain("dial tcp: connection refused"))
	if gwErr.Kind != KindConnectionError {
		t.Fatalf("Kind = %v, want %v", gwErr.Kind, KindConnectionError)
	}
}

func TestCollectReply_AbortedStreamReportsConnectionError(t *testing.T) {
	chunks := make(chan upstream.Chunk)
	close(chunks)

	_, err := collectReply(chunks)
	if err == nil {
		t.Fatalf("expected an error when the stream closes without a Done chunk")
	}
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Kind != KindConnectionError {
		t.Fatalf("got %v, want a KindConnectionError gateway error", err)
	}
}

func TestCollectReply_SealsFinalToolCalls(t *testing.T) {
	chunks := make(chan upstream.Chunk, 1)
	chunks <- upstream.Chunk{
		Done: true,
		Final: &upstream.Result{
			Text:      "",
			ToolCalls: []canonical.ToolCall{{ID: "call_1", Name: "search", Arguments: "{}"}},
		},
	}
	close(chunks)

	msg, err := collectReply(chunks)
	if err != nil {
		t.Fatalf("collectReply: %v", err)
	}
	if !msg.HasToolCalls() {
		t.Fatalf("expected the reply to carry tool calls: %+v", msg)
	}
}

func TestWritePassthroughError_PreservesUpstreamStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writePassthroughError(rec, &token.HTTPError{Status: 429, Body: `{"error":"rate limited"}`})

	if rec.Code != 429 {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Body.String() != `{"error":"rate limited"}` {
		t.Fatalf("body = %q, want upstream body relayed verbatim", rec.Body.String())
	}
}

func TestWritePassthroughError_FallsBackToTranslatedErrorForTransportFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writePassthroughError(rec, errPlain("dial tcp: connection refused"))

	if rec.Code != 502 {
		t.Fatalf("status = %d, want 502 (KindConnectionError)", rec.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
