// Package gatewayapi binds the token manager, validator, upstream
// client, dialect converters, and passthrough forwarder into the
// gateway's thin HTTP handlers. No component in this package does
// translation work itself: it parses, delegates, and shapes the
// response envelope.
package gatewayapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/canonical"
	"github.com/win30221/oca-gateway/pkg/config"
	"github.com/win30221/oca-gateway/pkg/dialect/responses"
	"github.com/win30221/oca-gateway/pkg/idgen"
	"github.com/win30221/oca-gateway/pkg/monitor"
	"github.com/win30221/oca-gateway/pkg/passthrough"
	"github.com/win30221/oca-gateway/pkg/token"
	"github.com/win30221/oca-gateway/pkg/upstream"
	"github.com/win30221/oca-gateway/pkg/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the process-wide service registry: the shared runtime state
// (token manager, upstream client, response cache) constructed once at
// startup and passed by reference to every handler, breaking the
// handlers<->converters circular dependency a naive layering would hit.
type Server struct {
	Store       *config.Store
	Manager     *token.Manager
	Upstream    *upstream.Client
	Passthrough *passthrough.Forwarder
	Cache       *responses.Cache
}

// New wires a Server from its already-constructed dependencies.
func New(store *config.Store, mgr *token.Manager) *Server {
	return &Server{
		Store:       store,
		Manager:     mgr,
		Upstream:    upstream.New(mgr, store),
		Passthrough: passthrough.New(mgr, store),
		Cache:       responses.NewCache(responses.DefaultCacheCap),
	}
}

// Routes registers every endpoint in the external-interface table onto
// mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/model/info", s.handleModelInfo)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("GET /v1/responses/{id}", s.handleGetResponse)
	mux.HandleFunc("DELETE /v1/responses/{id}", s.handleDeleteResponse)
	mux.HandleFunc("POST /v1/spend/calculate", s.handleSpendCalculate)
}

// Handler builds the full HTTP handler for the gateway: the routed mux
// wrapped with per-request id tagging, so every log line emitted while
// handling a request (including ones logged deep inside the upstream
// client) can be correlated back to it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return withRequestID(mux)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newResponseID()
		w.Header().Set("X-Request-Id", id)
		ctx := monitor.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSpendCalculate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"cost": 0, "currency": "USD"})
}

// sendToUpstream repairs seq through the validator and starts the
// upstream call, returning the chunk channel shared by both the
// non-streaming (drain-to-completion) and streaming (remux-as-arrives)
// callers.
func (s *Server) sendToUpstream(ctx context.Context, model string, seq canonical.Sequence, tools, toolChoice jsoniter.RawMessage, maxTokens int) (<-chan upstream.Chunk, error) {
	repaired := validate.Validate(seq)

	chunks, err := s.Upstream.Send(ctx, upstream.Request{
		Model:      model,
		Messages:   repaired,
		MaxTokens:  maxTokens,
		Tools:      tools,
		ToolChoice: toolChoice,
	})
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return chunks, nil
}

// collectReply drains a chunk channel to its sealed final result. If the
// channel closes without ever delivering a Done chunk (the upstream
// stream was aborted), it reports a ConnectionError.
func collectReply(chunks <-chan upstream.Chunk) (canonical.Message, error) {
	var final *upstream.Result
	for c := range chunks {
		if c.Done {
			final = c.Final
		}
	}
	if final == nil {
		return canonical.Message{}, newError(KindConnectionError, "upstream stream ended without a final result")
	}
	return finalToCanonical(final), nil
}

// finalToCanonical builds the canonical assistant reply a sealed upstream
// Result represents.
func finalToCanonical(final *upstream.Result) canonical.Message {
	if len(final.ToolCalls) > 0 {
		return canonical.NewAssistantToolCalls(final.Text, final.ToolCalls)
	}
	return canonical.NewAssistantText(final.Text)
}

func classifyTransportError(err error) *Error {
	if httpErr, ok := err.(*token.HTTPError); ok {
		return newError(KindUpstreamHTTP, fmt.Sprintf("upstream returned status %d", httpErr.Status))
	}
	if _, ok := err.(*token.AuthError); ok {
		return newError(KindAuthFailure, "token refresh failed")
	}
	return newError(KindConnectionError, err.Error())
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func newResponseID() string { return idgen.New("resp_") }
