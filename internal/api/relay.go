package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/adapters/llm"
)

// Forwarder sends a prompt to the hosted provider and returns its answer as received
type Forwarder interface {
	Forward(ctx context.Context, apiKey, model, prompt string) (*llm.ProviderReply, error)
}

// StreamOpener opens a streaming generate request against a local model
type StreamOpener interface {
	Open(ctx context.Context, model, prompt string) (*http.Response, error)
}

// CredentialSource looks up the provider credential. It is called on every
// request.
type CredentialSource func() (string, bool)

const streamBufferSize = 4096

// relayEndpoint forwards a single prompt to Gemini and returns the provider
// JSON untouched
func relayEndpoint(c echo.Context, forwarder Forwarder, credential CredentialSource, logger *zap.Logger) error {
	apiKey, ok := credential()
	if !ok {
		logger.Error("Relay credential is not configured")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   ErrorMissingCredential,
			Message: "API key is not configured",
		})
	}

	req, errResp := bindRelayRequest(c, logger)
	if errResp != nil {
		return c.JSON(http.StatusBadRequest, errResp)
	}

	reply, err := forwarder.Forward(c.Request().Context(), apiKey, req.Model, req.Prompt)
	if err != nil {
		logger.Error("Failed to reach Gemini", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   ErrorInternal,
			Message: "Internal server error",
		})
	}

	if !reply.OK() {
		logger.Error("Gemini API returned error",
			zap.Int("statusCode", reply.StatusCode),
			zap.String("response", string(reply.Body)))
		return c.JSON(reply.StatusCode, ErrorResponse{
			Error:   ErrorUpstream,
			Message: fmt.Sprintf("Gemini API error: %s", http.StatusText(reply.StatusCode)),
		})
	}

	return c.JSONBlob(http.StatusOK, reply.Body)
}

// relayStream forwards a prompt to the local model and copies its NDJSON
// stream back, flushing after every read
func relayStream(c echo.Context, opener StreamOpener, logger *zap.Logger) error {
	req, errResp := bindRelayRequest(c, logger)
	if errResp != nil {
		return c.JSON(http.StatusBadRequest, errResp)
	}

	ctx := c.Request().Context()
	upstream, err := opener.Open(ctx, req.Model, req.Prompt)
	if err != nil {
		logger.Error("Failed to reach local model", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   ErrorInternal,
			Message: "Internal server error",
		})
	}
	defer upstream.Body.Close()

	resp := c.Response()
	contentType := upstream.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = "application/x-ndjson"
	}
	resp.Header().Set(echo.HeaderContentType, contentType)
	resp.WriteHeader(upstream.StatusCode)

	buf := make([]byte, streamBufferSize)
	chunkCount := 0
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			chunkCount++
			if _, err := resp.Write(buf[:n]); err != nil {
				logger.Warn("Client went away during stream", zap.Error(err))
				return nil
			}
			resp.Flush()
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() == nil {
				logger.Error("Failed to read local model stream", zap.Error(readErr))
			}
			return nil
		}
	}

	logger.Debug("Finished relaying stream", zap.Int("totalChunks", chunkCount))
	return nil
}

// bindRelayRequest decodes and validates the relay body. The returned
// ErrorResponse is non-nil when the request must be rejected with 400.
func bindRelayRequest(c echo.Context, logger *zap.Logger) (*RelayRequest, *ErrorResponse) {
	var req RelayRequest

	if err := c.Bind(&req); err != nil {
		logger.Warn("Failed to bind relay request", zap.Error(err))
		return nil, &ErrorResponse{
			Error:   ErrorInvalidRequest,
			Message: "Invalid request format",
		}
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ErrorResponse{
			Error:   ErrorMissingPrompt,
			Message: "Prompt is required",
		}
	}

	return &req, nil
}
