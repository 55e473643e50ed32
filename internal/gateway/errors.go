package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnknownProvider is returned for provider segments that are not
	// configured or not enabled.
	ErrUnknownProvider = errors.New("unknown or disabled provider")
	// ErrInvalidRoutingID is returned for a UUID-shaped routing segment that
	// is not a canonical v4 UUID.
	ErrInvalidRoutingID = errors.New("invalid routing identifier")
)

// ValidationError reports a malformed inbound request. It is raised before
// any policy evaluation runs.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// UpstreamError reports a provider that could not be reached.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DenialError is a decision to refuse the whole intercepted request.
type DenialError struct {
	Stage  string
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("request denied (%s): %s", e.Stage, e.Reason)
}

// OpenAI error response shape.
type openAIErrorBody struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Anthropic error response shape.
type anthropicErrorBody struct {
	Type  string         `json:"type"`
	Error anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorType maps a status to the provider's error type name.
func errorType(provider string, status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		if provider == ProviderAnthropic {
			return "rate_limit_error"
		}
		return "rate_limit_exceeded"
	default:
		return "api_error"
	}
}

// WriteOpenAIError writes an OpenAI-format error response.
func WriteOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openAIErrorBody{
		Error: openAIError{Message: message, Type: errType, Code: errType},
	})
}

// WriteAnthropicError writes an Anthropic-format error response.
func WriteAnthropicError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(anthropicErrorBody{
		Type:  "error",
		Error: anthropicError{Type: errType, Message: message},
	})
}

// WriteProviderError writes an error in the shape the provider's SDKs expect.
func WriteProviderError(w http.ResponseWriter, provider string, status int, message string) {
	if provider == ProviderAnthropic {
		WriteAnthropicError(w, status, message, errorType(provider, status))
		return
	}
	WriteOpenAIError(w, status, message, errorType(provider, status))
}
