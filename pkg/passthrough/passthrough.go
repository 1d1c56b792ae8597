// Package passthrough implements the Responses byte-level forwarder: when
// a passthrough upstream URL is configured, Responses requests bypass
// the canonical model and dialect converters entirely and are relayed
// with only minimal field rewriting (model prefix, reasoning-effort
// override, bearer replacement).
package passthrough

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/win30221/oca-gateway/pkg/config"
	"github.com/win30221/oca-gateway/pkg/token"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validEfforts = map[string]bool{
	"low": true, "medium": true, "high": true, "xhigh": true, "minimal": true, "none": true,
}

// Forwarder relays Responses requests to a passthrough upstream.
type Forwarder struct {
	Manager *token.Manager
	Store   *config.Store
}

// New builds a Forwarder.
func New(m *token.Manager, store *config.Store) *Forwarder {
	return &Forwarder{Manager: m, Store: store}
}

// rewriteBody applies the model-prefix and reasoning-effort rewrites to
// the raw request body, re-reading configuration on every call (the
// "environment reload discipline").
func (f *Forwarder) rewriteBody(body []byte) ([]byte, error) {
	cfg := f.Store.Get()

	var obj map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("passthrough: malformed request body: %w", err)
	}

	var model string
	if raw, ok := obj["model"]; ok {
		_ = json.Unmarshal(raw, &model)
	}
	// Only an oca/-prefixed configured name overrides the incoming model;
	// otherwise the incoming name is kept and prefixed.
	if strings.HasPrefix(cfg.LLMModelName, "oca/") {
		model = cfg.LLMModelName
	} else if !strings.HasPrefix(model, "oca/") {
		model = "oca/" + model
	}
	modelJSON, _ := json.Marshal(model)
	obj["model"] = modelJSON

	if cfg.LLMReasoningStrength != "" && validEfforts[cfg.LLMReasoningStrength] {
		reasoning := map[string]any{}
		if raw, ok := obj["reasoning"]; ok && string(raw) != "null" {
			_ = json.Unmarshal(raw, &reasoning)
		}
		reasoning["effort"] = cfg.LLMReasoningStrength
		rj, _ := json.Marshal(reasoning)
		obj["reasoning"] = rj
	} else if raw, ok := obj["reasoning"]; (!ok || string(raw) == "null") && cfg.LLMNonReasoningStrength != "" {
		rj, _ := json.Marshal(map[string]any{"effort": cfg.LLMNonReasoningStrength, "summary": "auto"})
		obj["reasoning"] = rj
	}

	return json.Marshal(obj)
}

// Forward relays body to the configured passthrough URL, replacing the
// Authorization header with a freshly minted bearer. Streaming bodies
// are relayed line-by-line via onLine; non-streaming bodies are read
// whole and returned. A non-2xx upstream status surfaces as a
// *token.HTTPError carrying the original status and body, which the
// caller relays unchanged.
func (f *Forwarder) Forward(ctx context.Context, upstreamURL string, body []byte, stream bool, onLine func(string) error) ([]byte, error) {
	rewritten, err := f.rewriteBody(body)
	if err != nil {
		return nil, err
	}

	req, err := f.Manager.NewUpstreamRequest(ctx, http.MethodPost, upstreamURL, strings.NewReader(string(rewritten)))
	if err != nil {
		return nil, err
	}

	if !stream {
		var result []byte
		err := f.Manager.StreamDo(ctx, req, nil, func(line string) error {
			result = append(result, []byte(line+"\n")...)
			return nil
		})
		return result, err
	}

	req.Header.Set("Accept", "text/event-stream")
	return nil, f.Manager.StreamDo(ctx, req, nil, onLine)
}
