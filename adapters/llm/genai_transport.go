package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/repositories"
)

// GenAIConfig holds configuration for the direct-call transport.
// Required fields:
// - APIKey: Gemini API key held by this process
// Optional fields with defaults:
// - Model: model name (default: "gemini-2.0-flash")
// - BaseURL: API root override, mostly for tests
// - Temperature: sampling temperature between 0 and 2 (default: provider default)
// - HTTPClient: client for outbound calls
type GenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	HTTPClient  *http.Client
}

// ValidateGenAIConfig validates the GenAIConfig
func ValidateGenAIConfig(config GenAIConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("gemini API key is required: %w", domain.ErrMissingCredential)
	}

	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	return nil
}

// NewGenAIConfigFromEnv creates a GenAIConfig from environment variables
func NewGenAIConfigFromEnv() GenAIConfig {
	return GenAIConfig{
		APIKey:  os.Getenv("GEMINI_API_KEY"),
		Model:   os.Getenv("GEMINI_MODEL"),
		BaseURL: os.Getenv("GEMINI_SDK_BASE_URL"),
	}
}

// GenAITransport calls Gemini directly through the genai SDK. The typed SDK
// response is re-encoded as a generateContent envelope so single-payload
// decoding stays the same for every transport.
type GenAITransport struct {
	client      *genai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// Ensure GenAITransport implements the Transport interface
var _ repositories.Transport = (*GenAITransport)(nil)

// NewGenAITransport creates a new direct-call transport
func NewGenAITransport(ctx context.Context, config GenAIConfig, logger *zap.Logger) (*GenAITransport, error) {
	if err := ValidateGenAIConfig(config); err != nil {
		return nil, err
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", model))
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GenAITransport{
		client:      client,
		model:       model,
		temperature: config.Temperature,
		logger:      logger,
	}, nil
}

// Send implements repositories.Transport
func (t *GenAITransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	var config *genai.GenerateContentConfig
	if t.temperature != 0 {
		config = &genai.GenerateContentConfig{Temperature: genai.Ptr(t.temperature)}
	}

	response, err := t.client.Models.GenerateContent(ctx, t.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	t.logger.Debug("Generated content",
		zap.String("model", t.model),
		zap.Int("candidates", len(response.Candidates)))

	return &repositories.Response{Body: io.NopCloser(bytes.NewReader(payload))}, nil
}
