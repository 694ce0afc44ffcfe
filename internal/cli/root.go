package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

// NewRootCommand builds the geminichat command tree
func NewRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "geminichat",
		Short: "geminichat - chat with Gemini or a local model",
		Long: `geminichat forwards chat turns to a hosted LLM API and renders the reply.

  geminichat serve                          Start the relay and the websocket gateway
  geminichat chat                           Chat through the relay on localhost:8080
  geminichat chat --transport direct        Chat with Gemini using GEMINI_API_KEY
  geminichat chat --transport local         Chat with a local Ollama model`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")

	root.AddCommand(newServeCommand(&logLevel))
	root.AddCommand(newChatCommand(&logLevel))
	return root
}

// Execute runs the root command and exits non-zero on error
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds a production logger at level, or at fallback when level
// is empty
func newLogger(level string, fallback zapcore.Level) (*zap.Logger, error) {
	lvl := fallback
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		lvl = parsed
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
