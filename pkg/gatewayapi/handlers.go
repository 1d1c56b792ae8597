package gatewayapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/dialect/anthropic"
	oaidialect "github.com/win30221/oca-gateway/pkg/dialect/openai"
	"github.com/win30221/oca-gateway/pkg/dialect/responses"
	"github.com/win30221/oca-gateway/pkg/token"
	"github.com/win30221/oca-gateway/pkg/upstream"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, DialectOpenAI, newError(KindInvalidRequest, "failed to read request body"))
		return
	}

	var req oaidialect.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, DialectOpenAI, newError(KindInvalidRequest, "malformed request body"))
		return
	}
	if req.Model == "" {
		writeError(w, DialectOpenAI, newError(KindInvalidRequest, "missing required field 'model'"))
		return
	}

	seq := oaidialect.ToCanonical(&req)
	model := stripOcaPrefix(req.Model)

	id := newResponseID()
	chunks, gwErr := s.sendToUpstream(r.Context(), model, seq, req.Tools, req.ToolChoice, req.MaxTokens)
	if gwErr != nil {
		writeError(w, DialectOpenAI, gwErr.(*Error))
		return
	}

	if req.Stream {
		s.streamOpenAI(w, r, chunks, id, req.Model)
		return
	}

	reply, gwErr := collectReply(chunks)
	if gwErr != nil {
		writeError(w, DialectOpenAI, gwErr.(*Error))
		return
	}

	resp := oaidialect.FromCanonical(id, req.Model, reply)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("anthropic-version") == "" {
		slogWarnMissingAnthropicVersion(r)
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, DialectAnthropic, newError(KindInvalidRequest, "failed to read request body"))
		return
	}

	var req anthropic.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, DialectAnthropic, newError(KindInvalidRequest, "malformed request body"))
		return
	}
	if req.Model == "" {
		writeError(w, DialectAnthropic, newError(KindInvalidRequest, "missing required field 'model'"))
		return
	}
	if req.MaxTokens <= 0 {
		writeError(w, DialectAnthropic, newError(KindInvalidRequest, "missing required field 'max_tokens'"))
		return
	}

	seq := anthropic.ToCanonical(&req)
	model := stripOcaPrefix(req.Model)

	var tools jsoniter.RawMessage
	if len(req.Tools) > 0 {
		tools = upstream.WrapFunctionTools(anthropic.ToolsToCanonicalSchema(req.Tools))
	}

	chunks, gwErr := s.sendToUpstream(r.Context(), model, seq, tools, req.ToolChoice, req.MaxTokens)
	if gwErr != nil {
		writeError(w, DialectAnthropic, gwErr.(*Error))
		return
	}

	if req.Stream {
		s.streamAnthropic(w, r, chunks, req.Model)
		return
	}

	reply, gwErr := collectReply(chunks)
	if gwErr != nil {
		writeError(w, DialectAnthropic, gwErr.(*Error))
		return
	}

	resp := anthropic.FromCanonical(req.Model, reply)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	cfg := s.Store.Get()
	if cfg.LLMResponsesAPIURL != "" {
		s.handleResponsesPassthrough(w, r, cfg.LLMResponsesAPIURL)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, DialectResponses, newError(KindInvalidRequest, "failed to read request body"))
		return
	}

	var req responses.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, DialectResponses, newError(KindInvalidRequest, "malformed request body"))
		return
	}
	if req.Model == "" {
		writeError(w, DialectResponses, newError(KindInvalidRequest, "missing required field 'model'"))
		return
	}
	var prior *responses.Response
	if req.PreviousResponseID != "" {
		stored, ok := s.Cache.Get(req.PreviousResponseID)
		if !ok {
			writeError(w, DialectResponses, newError(KindModelNotFound, "previous_response_id does not reference a stored response"))
			return
		}
		prior = stored
	}

	seq := responses.ToCanonical(&req)
	if prior != nil {
		// Splice the prior turn's assistant output in after any leading
		// system messages, so the upstream sees the chained conversation.
		insert := 0
		for insert < len(seq) && seq[insert].Role == canonical.RoleSystem {
			insert++
		}
		spliced := make(canonical.Sequence, 0, len(seq)+1)
		spliced = append(spliced, seq[:insert]...)
		spliced = append(spliced, prior.CanonicalReply())
		spliced = append(spliced, seq[insert:]...)
		seq = spliced
	}
	model := stripOcaPrefix(req.Model)

	var tools jsoniter.RawMessage
	if len(req.Tools) > 0 {
		tools = upstream.WrapFunctionTools(responses.ToolsToCanonicalSchema(req.Tools))
	}

	chunks, gwErr := s.sendToUpstream(r.Context(), model, seq, tools, req.ToolChoice, 0)
	if gwErr != nil {
		writeError(w, DialectResponses, gwErr.(*Error))
		return
	}

	if req.Stream {
		final, streamID := s.streamResponses(w, r, chunks, req.Model, req.PreviousResponseID)
		if final != nil {
			reply := finalToCanonical(final)
			resp := responses.FromCanonical(req.Model, reply, req.PreviousResponseID)
			// Cache under the id the stream announced, not the fresh one
			// FromCanonical minted — GET /v1/responses/{id} must resolve
			// the id the client actually saw.
			resp.ID = streamID
			s.Cache.Put(resp)
		}
		return
	}

	reply, gwErr := collectReply(chunks)
	if gwErr != nil {
		writeError(w, DialectResponses, gwErr.(*Error))
		return
	}

	resp := responses.FromCanonical(req.Model, reply, req.PreviousResponseID)
	s.Cache.Put(resp)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResponsesPassthrough(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, DialectResponses, newError(KindInvalidRequest, "failed to read request body"))
		return
	}

	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)

	if !probe.Stream {
		result, fwErr := s.Passthrough.Forward(r.Context(), upstreamURL, body, false, nil)
		if fwErr != nil {
			writePassthroughError(w, fwErr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
		return
	}

	// Headers aren't written until the first line arrives, so a non-2xx
	// upstream status caught before then can still be relayed with its
	// real status instead of the implicit 200 an early sseHeaders would lock in.
	var flusher http.Flusher
	opened := false
	_, fwErr := s.Passthrough.Forward(r.Context(), upstreamURL, body, true, func(line string) error {
		if !opened {
			opened = true
			flusher = sseHeaders(w)
		}
		fmt.Fprintf(w, "%s\n", line)
		flush(flusher)
		return nil
	})
	if fwErr != nil {
		if !opened {
			writePassthroughError(w, fwErr)
			return
		}
		slog.Warn("gatewayapi: responses passthrough stream aborted", "error", fwErr, "remote", r.RemoteAddr)
	}
}

// writePassthroughError relays a non-2xx upstream response verbatim —
// status and body unchanged — per the passthrough path's propagation
// rule. Any other transport failure falls back to the generic
// translated error envelope.
func writePassthroughError(w http.ResponseWriter, err error) {
	if httpErr, ok := err.(*token.HTTPError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpErr.Status)
		w.Write([]byte(httpErr.Body))
		return
	}
	writeError(w, DialectResponses, classifyTransportError(err))
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, ok := s.Cache.Get(id)
	if !ok {
		writeError(w, DialectResponses, newError(KindModelNotFound, "no stored response with that id"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDeleteResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.Cache.Delete(id) {
		writeError(w, DialectResponses, newError(KindModelNotFound, "no stored response with that id"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stripOcaPrefix removes the client-facing "oca/" model-name prefix
// before forwarding the model id to the upstream.
func stripOcaPrefix(model string) string {
	return strings.TrimPrefix(model, "oca/")
}
