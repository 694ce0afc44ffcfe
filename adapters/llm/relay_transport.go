package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/repositories"
)

// RelayTransportConfig configures the proxied transport.
// Required fields:
// - Endpoint: relay URL, e.g. "http://localhost:8080/api/endpoint"
// Optional fields:
// - Model: model identifier sent along with the prompt
// - Streaming: set when Endpoint streams NDJSON (the /api/stream route)
// - HTTPClient: client for outbound calls (default: http.DefaultClient)
type RelayTransportConfig struct {
	Endpoint   string
	Model      string
	Streaming  bool
	HTTPClient *http.Client
}

// ValidateRelayTransportConfig validates the RelayTransportConfig
func ValidateRelayTransportConfig(config RelayTransportConfig) error {
	if config.Endpoint == "" {
		return fmt.Errorf("relay endpoint is required")
	}

	u, err := url.Parse(config.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("relay endpoint must be an absolute URL, got %q", config.Endpoint)
	}
	return nil
}

// RelayTransport sends prompts to the relay endpoint, which holds the
// provider credential
type RelayTransport struct {
	endpoint  string
	model     string
	streaming bool
	client    *http.Client
}

// Ensure RelayTransport implements the Transport interface
var _ repositories.Transport = (*RelayTransport)(nil)

type relayRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// NewRelayTransport creates a new relay transport
func NewRelayTransport(config RelayTransportConfig) (*RelayTransport, error) {
	if err := ValidateRelayTransportConfig(config); err != nil {
		return nil, err
	}

	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &RelayTransport{
		endpoint:  config.Endpoint,
		model:     config.Model,
		streaming: config.Streaming,
		client:    client,
	}, nil
}

// Send implements repositories.Transport
func (t *RelayTransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	requestBody, err := json.Marshal(relayRequest{Prompt: prompt, Model: t.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.NewUpstreamError(resp.StatusCode, errorMessage(errorBody, resp.StatusCode))
	}

	return &repositories.Response{Body: resp.Body, Streaming: t.streaming}, nil
}

// errorMessage summarizes an error body. JSON bodies with a "message" or
// "error" field (including Gemini's {"error":{"message":...}}) yield that
// field; anything else falls back to the status text.
func errorMessage(body []byte, statusCode int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !gjson.ValidBytes(body) && len(text) <= 200 {
		return text
	}
	return http.StatusText(statusCode)
}
