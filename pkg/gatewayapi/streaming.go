package gatewayapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/win30221/oca-gateway/pkg/dialect/anthropic"
	oaidialect "github.com/win30221/oca-gateway/pkg/dialect/openai"
	"github.com/win30221/oca-gateway/pkg/dialect/responses"
	"github.com/win30221/oca-gateway/pkg/upstream"
)

// sseHeaders marks w as a streaming SSE response and returns the
// http.Flusher to push each event as it is written, if the underlying
// ResponseWriter supports it.
func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return flusher
}

func flush(flusher http.Flusher) {
	if flusher != nil {
		flusher.Flush()
	}
}

// streamAnthropic drains chunks, remultiplexing each into Anthropic's
// message_start/content_block_*/message_delta/message_stop event
// grammar as it arrives. A channel that closes without ever delivering a
// Done chunk (upstream aborted mid-stream) gets the dialect's inline
// error terminator instead of a final message_stop.
func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, chunks <-chan upstream.Chunk, model string) {
	flusher := sseHeaders(w)
	emitter := anthropic.NewStreamEmitter()

	for _, ev := range emitter.Start(model) {
		writeAnthropicEvent(w, flusher, ev)
	}

	sawFinal := false
	for c := range chunks {
		if c.Done {
			sawFinal = true
		}
		for _, ev := range emitter.Emit(c) {
			writeAnthropicEvent(w, flusher, ev)
		}
	}
	if !sawFinal {
		slog.Warn("gatewayapi: anthropic stream aborted before completion", "remote", r.RemoteAddr)
		writeAnthropicEvent(w, flusher, emitter.EmitError(fmt.Errorf("upstream stream ended unexpectedly")))
	}
}

func writeAnthropicEvent(w http.ResponseWriter, flusher http.Flusher, ev anthropic.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
	flush(flusher)
}

// streamResponses drains chunks, remultiplexing each into the Responses
// response.* event grammar as it arrives. It returns the sealed final
// result plus the response id the stream announced, so the caller can
// cache the completed response under the id the client observed for
// later GET /v1/responses/{id} retrieval; the result is nil if the
// stream was aborted before completion (in which case no terminator
// beyond the inline error event is emitted, per the no-retry-mid-stream
// rule).
func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, chunks <-chan upstream.Chunk, model, previousResponseID string) (*upstream.Result, string) {
	flusher := sseHeaders(w)
	emitter := responses.NewStreamEmitter(model, previousResponseID)

	for _, ev := range emitter.Start() {
		writeResponsesEvent(w, flusher, ev)
	}

	var final *upstream.Result
	for c := range chunks {
		if c.Done {
			final = c.Final
		}
		for _, ev := range emitter.Emit(c) {
			writeResponsesEvent(w, flusher, ev)
		}
	}
	if final == nil {
		slog.Warn("gatewayapi: responses stream aborted before completion", "remote", r.RemoteAddr)
		for _, ev := range emitter.EmitError(fmt.Errorf("upstream stream ended unexpectedly")) {
			writeResponsesEvent(w, flusher, ev)
		}
	}
	return final, emitter.ID()
}

func writeResponsesEvent(w http.ResponseWriter, flusher http.Flusher, ev responses.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flush(flusher)
}

// streamOpenAI drains chunks, translucently reshaping each upstream SSE
// line into a chat.completion.chunk frame as it arrives.
func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, chunks <-chan upstream.Chunk, id, model string) {
	flusher := sseHeaders(w)
	emitter := &oaidialect.StreamEmitter{ID: id, Model: model}

	sawFinal := false
	for c := range chunks {
		if c.Done {
			sawFinal = true
		}
		for _, line := range emitter.Emit(c) {
			fmt.Fprint(w, line)
		}
		flush(flusher)
	}
	if !sawFinal {
		slog.Warn("gatewayapi: openai stream aborted before completion", "remote", r.RemoteAddr)
		for _, line := range emitter.EmitError(fmt.Errorf("upstream stream ended unexpectedly")) {
			fmt.Fprint(w, line)
		}
		flush(flusher)
	}
}
