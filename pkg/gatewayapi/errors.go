package gatewayapi

import (
	"net/http"
)

// Kind classifies a gateway-level failure for HTTP-status and
// error-envelope mapping, per the error taxonomy.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindModelNotFound   Kind = "model_not_found"
	KindAuthFailure     Kind = "auth_failure"
	KindConnectionError Kind = "connection_error"
	KindUpstreamHTTP    Kind = "upstream_http_error"
)

// Error is a gateway-level failure carrying enough information to render
// any of the three dialects' error envelopes.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// statusFor maps a Kind to its HTTP status code.
func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindModelNotFound:
		return http.StatusNotFound
	case KindAuthFailure:
		return http.StatusInternalServerError
	case KindConnectionError:
		return http.StatusBadGateway
	case KindUpstreamHTTP:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Dialect identifies which error envelope shape to render.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectResponses
)

// writeError renders e in the dialect-appropriate envelope and status.
func writeError(w http.ResponseWriter, dialect Dialect, e *Error) {
	status := statusFor(e.Kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	switch dialect {
	case DialectOpenAI:
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": e.Message, "type": string(e.Kind)},
		})
	case DialectAnthropic:
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": anthropicErrorType(e.Kind), "message": e.Message},
		})
	case DialectResponses:
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": string(e.Kind), "message": e.Message},
		})
	}
}

func anthropicErrorType(k Kind) string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindAuthFailure:
		return "authentication_error"
	case KindModelNotFound:
		return "not_found_error"
	case KindConnectionError:
		return "api_error"
	default:
		return "api_error"
	}
}
