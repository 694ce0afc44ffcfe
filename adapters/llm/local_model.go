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

	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/repositories"
)

const (
	defaultLocalModelURL = "http://localhost:11434/api/generate"
	defaultLocalModel    = "llama3.2"
)

// LocalModelConfig holds configuration for an Ollama-compatible generate
// endpoint that streams {"response": string, "done": bool} lines.
// Optional fields with defaults:
// - URL: generate endpoint (default: "http://localhost:11434/api/generate")
// - Model: model identifier (default: "llama3.2")
// - HTTPClient: client for outbound calls (default: http.DefaultClient)
type LocalModelConfig struct {
	URL        string
	Model      string
	HTTPClient *http.Client
}

// ValidateLocalModelConfig validates the LocalModelConfig
func ValidateLocalModelConfig(config LocalModelConfig) error {
	if config.URL != "" {
		u, err := url.Parse(config.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("local model URL must be an absolute URL, got %q", config.URL)
		}
	}
	return nil
}

// NewLocalModelConfigFromEnv creates a LocalModelConfig from environment variables
func NewLocalModelConfigFromEnv() LocalModelConfig {
	return LocalModelConfig{
		URL:   os.Getenv("LOCAL_MODEL_URL"),
		Model: os.Getenv("LOCAL_MODEL"),
	}
}

// LocalModelClient opens streaming generate requests against a local model
type LocalModelClient struct {
	url    string
	model  string
	client *http.Client
	logger *zap.Logger
}

type localGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// NewLocalModelClient creates a new local model client
func NewLocalModelClient(config LocalModelConfig, logger *zap.Logger) (*LocalModelClient, error) {
	if err := ValidateLocalModelConfig(config); err != nil {
		return nil, err
	}

	endpoint := config.URL
	if endpoint == "" {
		endpoint = defaultLocalModelURL
		logger.Info("Using default local model URL", zap.String("url", endpoint))
	}

	model := config.Model
	if model == "" {
		model = defaultLocalModel
		logger.Info("Using default local model", zap.String("model", model))
	}

	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &LocalModelClient{
		url:    endpoint,
		model:  model,
		client: client,
		logger: logger,
	}, nil
}

// Model returns the model used when a call names none
func (l *LocalModelClient) Model() string {
	return l.model
}

// Open starts a streaming generate request. The caller owns the returned
// response and must close its body; the status code is not checked.
func (l *LocalModelClient) Open(ctx context.Context, model, prompt string) (*http.Response, error) {
	if model == "" {
		model = l.model
	}

	requestBody, err := json.Marshal(localGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	l.logger.Debug("Opening local model stream",
		zap.String("url", l.url),
		zap.String("model", model))

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	return resp, nil
}

// LocalModelTransport is the direct-call streaming transport for a local model
type LocalModelTransport struct {
	client *LocalModelClient
}

// Ensure LocalModelTransport implements the Transport interface
var _ repositories.Transport = (*LocalModelTransport)(nil)

// NewLocalModelTransport creates a transport over client
func NewLocalModelTransport(client *LocalModelClient) *LocalModelTransport {
	return &LocalModelTransport{client: client}
}

// Send implements repositories.Transport
func (t *LocalModelTransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	resp, err := t.client.Open(ctx, "", prompt)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		t.client.logger.Error("Local model returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		return nil, domain.NewUpstreamError(resp.StatusCode, errorMessage(errorBody, resp.StatusCode))
	}

	return &repositories.Response{Body: resp.Body, Streaming: true}, nil
}
