package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/adapters/llm"
	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/repositories"
	"github.com/satriahrh/geminichat/internal/config"
)

// Transport kinds accepted by --transport
const (
	TransportRelay      = "relay"
	TransportStream     = "stream"
	TransportDirect     = "direct"
	TransportLocal      = "local"
	TransportMock       = "mock"
	TransportMockStream = "mock-stream"
)

var transportKinds = []string{
	TransportRelay, TransportStream, TransportDirect, TransportLocal, TransportMock, TransportMockStream,
}

// transportOptions selects and parameterizes a transport
type transportOptions struct {
	Kind     string
	RelayURL string
	Model    string
}

// buildTransport creates the transport named by opts.Kind
func buildTransport(ctx context.Context, opts transportOptions, cfg config.Config, logger *zap.Logger) (repositories.Transport, error) {
	relayURL := strings.TrimRight(opts.RelayURL, "/")

	switch opts.Kind {
	case TransportRelay:
		return llm.NewRelayTransport(llm.RelayTransportConfig{
			Endpoint: relayURL + "/api/endpoint",
			Model:    opts.Model,
		})

	case TransportStream:
		return llm.NewRelayTransport(llm.RelayTransportConfig{
			Endpoint:  relayURL + "/api/stream",
			Model:     opts.Model,
			Streaming: true,
		})

	case TransportDirect:
		apiKey, ok := cfg.Credential()
		if !ok {
			return nil, fmt.Errorf("%s is not set: %w", cfg.CredentialEnv, domain.ErrMissingCredential)
		}
		genaiConfig := llm.NewGenAIConfigFromEnv()
		genaiConfig.APIKey = apiKey
		if opts.Model != "" {
			genaiConfig.Model = opts.Model
		}
		return llm.NewGenAITransport(ctx, genaiConfig, logger)

	case TransportLocal:
		local := cfg.Local()
		if opts.Model != "" {
			local.Model = opts.Model
		}
		client, err := llm.NewLocalModelClient(local, logger)
		if err != nil {
			return nil, err
		}
		return llm.NewLocalModelTransport(client), nil

	case TransportMock:
		return llm.NewMockTransport(false, 0), nil

	case TransportMockStream:
		return llm.NewMockTransport(true, 0), nil

	default:
		return nil, fmt.Errorf("unknown transport %q (want one of %s)", opts.Kind, strings.Join(transportKinds, ", "))
	}
}
