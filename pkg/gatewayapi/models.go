package gatewayapi

import (
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

type upstreamModel struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

type upstreamModelList struct {
	Data []upstreamModel `json:"data"`
}

func (s *Server) fetchModels(r *http.Request) ([]upstreamModel, *Error) {
	cfg := s.Store.Get()
	modelsURL := cfg.LLMModelsAPIURL
	if modelsURL == "" {
		modelsURL = cfg.LLMAPIURL
	}

	req, err := s.Manager.NewUpstreamRequest(r.Context(), http.MethodGet, modelsURL, nil)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	resp, err := s.Manager.Do(r.Context(), req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	var list upstreamModelList
	if decodeErr := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&list); decodeErr != nil {
		return nil, newError(KindUpstreamHTTP, "malformed models response")
	}
	return list.Data, nil
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, gwErr := s.fetchModels(r)
	if gwErr != nil {
		writeError(w, DialectOpenAI, gwErr)
		return
	}

	ids := make([]map[string]any, 0, len(models))
	for _, m := range models {
		ids = append(ids, map[string]any{"id": "oca/" + m.ID, "object": "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": ids})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	models, gwErr := s.fetchModels(r)
	if gwErr != nil {
		writeError(w, DialectOpenAI, gwErr)
		return
	}

	cfg := s.Store.Get()
	reachable := cfg.LLMResponsesAPIURL != ""

	ids := make([]map[string]any, 0, len(models))
	for _, m := range models {
		ids = append(ids, map[string]any{
			"id":                    "oca/" + m.ID,
			"object":                "model",
			"owned_by":              m.OwnedBy,
			"passthrough_reachable": reachable,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": ids})
}

// slogWarnMissingAnthropicVersion logs, but never rejects, a Messages
// request sent without the anthropic-version header.
func slogWarnMissingAnthropicVersion(r *http.Request) {
	slog.Warn("gatewayapi: request to /v1/messages missing anthropic-version header", "remote", r.RemoteAddr)
}
