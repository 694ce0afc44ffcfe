package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"

	// maxProviderBody bounds how much of a provider answer is buffered
	maxProviderBody = 8 << 20
)

// GeminiConfig holds configuration for the Gemini REST forwarder.
// Optional fields with defaults:
// - BaseURL: API root (default: "https://generativelanguage.googleapis.com/v1beta")
// - Model: model used when a request names none (default: "gemini-2.0-flash")
// - HTTPClient: client for outbound calls (default: http.DefaultClient)
type GeminiConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("gemini base URL must be an absolute URL, got %q", config.BaseURL)
		}
	}

	if strings.ContainsAny(config.Model, "/?#") {
		return fmt.Errorf("gemini model must be a bare model name, got %q", config.Model)
	}

	return nil
}

// NewGeminiConfigFromEnv creates a GeminiConfig from environment variables
func NewGeminiConfigFromEnv() GeminiConfig {
	return GeminiConfig{
		BaseURL: os.Getenv("GEMINI_API_BASE_URL"),
		Model:   os.Getenv("GEMINI_MODEL"),
	}
}

// GeminiForwarder sends prompts to the Gemini generateContent endpoint and
// hands back the provider answer untouched. The API key is supplied per call
// so it can be looked up at request time.
type GeminiForwarder struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// ProviderReply is a provider answer as received
type ProviderReply struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the provider answered with a 2xx status
func (r *ProviderReply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

// NewGeminiForwarder creates a new Gemini forwarder
func NewGeminiForwarder(config GeminiConfig, logger *zap.Logger) (*GeminiForwarder, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
		logger.Info("Using default Gemini base URL", zap.String("baseURL", baseURL))
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default Gemini model", zap.String("model", model))
	}

	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &GeminiForwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  client,
		logger:  logger,
	}, nil
}

// Model returns the model used when a call names none
func (g *GeminiForwarder) Model() string {
	return g.model
}

// Forward posts prompt to the provider using its documented request shape.
// A non-2xx answer is not an error; the caller decides what to do with the
// status. Errors are returned only when no answer was received.
func (g *GeminiForwarder) Forward(ctx context.Context, apiKey, model, prompt string) (*ProviderReply, error) {
	if model == "" {
		model = g.model
	}

	requestBody, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	g.logger.Debug("Forwarding prompt to Gemini",
		zap.String("model", model),
		zap.Int("promptLength", len(prompt)))

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &ProviderReply{StatusCode: resp.StatusCode, Body: body}, nil
}
