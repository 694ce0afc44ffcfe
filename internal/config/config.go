package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/geminichat/adapters/llm"
	"github.com/satriahrh/geminichat/usecase"
)

const (
	defaultPort          = "8080"
	defaultCredentialEnv = "GEMINI_API_KEY"
	defaultLogLevel      = "info"
)

// Config holds process configuration for the relay, the gateway and the CLI.
// The credential itself is not stored; CredentialEnv names the variable read
// at request time.
type Config struct {
	Port          string
	CredentialEnv string
	GeminiBaseURL string
	GeminiModel   string
	LocalModelURL string
	LocalModel    string
	LogLevel      string
	CancelPolicy  string
}

// NewConfigFromEnv creates a Config from environment variables
func NewConfigFromEnv() Config {
	gemini := llm.NewGeminiConfigFromEnv()
	local := llm.NewLocalModelConfigFromEnv()

	return Config{
		Port:          os.Getenv("PORT"),
		CredentialEnv: os.Getenv("RELAY_CREDENTIAL_ENV"),
		GeminiBaseURL: gemini.BaseURL,
		GeminiModel:   gemini.Model,
		LocalModelURL: local.URL,
		LocalModel:    local.Model,
		LogLevel:      os.Getenv("LOG_LEVEL"),
		CancelPolicy:  os.Getenv("CANCEL_POLICY"),
	}
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.Port != "" {
		port, err := strconv.Atoi(config.Port)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %q", config.Port)
		}
	}

	for name, raw := range map[string]string{
		"GEMINI_API_BASE_URL": config.GeminiBaseURL,
		"LOCAL_MODEL_URL":     config.LocalModelURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if config.LogLevel != "" {
		if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	if _, err := usecase.ParseCancelPolicy(config.CancelPolicy); err != nil {
		return err
	}

	return nil
}

// Load reads a .env file when present, then the environment, applies
// defaults and validates the result. Variables already set in the
// environment take precedence over the .env file.
func Load(logger *zap.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	config := NewConfigFromEnv()
	if err := ValidateConfig(config); err != nil {
		return Config{}, err
	}

	if config.Port == "" {
		config.Port = defaultPort
		logger.Info("Using default port", zap.String("port", config.Port))
	}

	if config.CredentialEnv == "" {
		config.CredentialEnv = defaultCredentialEnv
		logger.Info("Using default credential variable", zap.String("credentialEnv", config.CredentialEnv))
	}

	if config.LogLevel == "" {
		config.LogLevel = defaultLogLevel
	}

	return config, nil
}

// Level returns the configured zap level, info when unset
func (c Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Policy returns the configured cancel policy
func (c Config) Policy() usecase.CancelPolicy {
	policy, _ := usecase.ParseCancelPolicy(c.CancelPolicy)
	return policy
}

// Credential reads the relay credential from the environment. It is looked
// up on every call so a rotated key takes effect without a restart.
func (c Config) Credential() (string, bool) {
	name := c.CredentialEnv
	if name == "" {
		name = defaultCredentialEnv
	}
	value := strings.TrimSpace(os.Getenv(name))
	return value, value != ""
}

// Gemini returns the REST forwarder configuration
func (c Config) Gemini() llm.GeminiConfig {
	return llm.GeminiConfig{
		BaseURL: c.GeminiBaseURL,
		Model:   c.GeminiModel,
	}
}

// Local returns the local model configuration
func (c Config) Local() llm.LocalModelConfig {
	return llm.LocalModelConfig{
		URL:   c.LocalModelURL,
		Model: c.LocalModel,
	}
}
