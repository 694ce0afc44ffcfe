package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/adapters/llm"
	"github.com/satriahrh/geminichat/domain/repositories"
	"github.com/satriahrh/geminichat/internal/api"
	"github.com/satriahrh/geminichat/internal/config"
	"github.com/satriahrh/geminichat/internal/websocket"
	"github.com/satriahrh/geminichat/usecase"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	port             string
	gatewayTransport string
	noGateway        bool
}

func newServeCommand(logLevel *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay endpoint and the websocket gateway",
		Long: `Start the HTTP server.

  POST /api/endpoint   forward a prompt to Gemini, credential read from the environment
  POST /api/stream     forward a prompt to the local model and stream NDJSON back
  GET  /ws             websocket gateway, one chat session per connection
  GET  /health         health check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*logLevel, opts)
		},
	}

	cmd.Flags().StringVar(&opts.port, "port", "", "listen port (defaults to PORT or 8080)")
	cmd.Flags().StringVar(&opts.gatewayTransport, "gateway-transport", envOr("GATEWAY_TRANSPORT", TransportRelay), "transport for gateway sessions")
	cmd.Flags().BoolVar(&opts.noGateway, "no-gateway", false, "serve the relay only")
	return cmd
}

func runServe(logLevel string, opts serveOptions) error {
	// Defaults applied while loading are logged with the bootstrap logger
	bootstrap, _ := zap.NewProduction()
	cfg, err := config.Load(bootstrap)
	bootstrap.Sync()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(logLevel, cfg.Level())
	if err != nil {
		return err
	}
	defer logger.Sync()

	if opts.port != "" {
		cfg.Port = opts.port
	}

	forwarder, err := llm.NewGeminiForwarder(cfg.Gemini(), logger)
	if err != nil {
		return fmt.Errorf("failed to create Gemini forwarder: %w", err)
	}

	local, err := llm.NewLocalModelClient(cfg.Local(), logger)
	if err != nil {
		return fmt.Errorf("failed to create local model client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hub *websocket.Hub
	if !opts.noGateway {
		// Gateway sessions reach the relay on this same server by default
		transportOpts := transportOptions{
			Kind:     opts.gatewayTransport,
			RelayURL: "http://127.0.0.1:" + cfg.Port,
		}
		factory := func() (repositories.Transport, error) {
			return buildTransport(ctx, transportOpts, cfg, logger)
		}
		if _, err := factory(); err != nil {
			return fmt.Errorf("invalid gateway transport: %w", err)
		}

		hub = websocket.NewHub(factory, logger, usecase.WithCancelPolicy(cfg.Policy()))
		go hub.Run(ctx)
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Forwarder:  forwarder,
		Stream:     local,
		Credential: cfg.Credential,
		Hub:        hub,
		Logger:     logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("credentialEnv", cfg.CredentialEnv),
		zap.Bool("gateway", hub != nil))

	if _, ok := cfg.Credential(); !ok {
		logger.Warn("Relay credential is not set; /api/endpoint will answer 500 until it is",
			zap.String("credentialEnv", cfg.CredentialEnv))
	}

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
