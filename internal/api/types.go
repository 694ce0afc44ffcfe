package api

// RelayRequest represents the request payload for the relay routes
type RelayRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error codes returned by the relay
const (
	ErrorInvalidRequest    = "invalid_request"
	ErrorMissingPrompt     = "missing_prompt"
	ErrorMissingCredential = "missing_credential"
	ErrorUpstream          = "upstream_error"
	ErrorInternal          = "internal_error"
)
