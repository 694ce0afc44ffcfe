package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/internal/websocket"
)

// Dependencies are the collaborators the routes are served by. A nil Hub
// leaves the websocket gateway unmounted.
type Dependencies struct {
	Forwarder  Forwarder
	Stream     StreamOpener
	Credential CredentialSource
	Hub        *websocket.Hub
	Logger     *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "geminichat",
		})
	})

	relay := e.Group("/api")

	relay.POST("/endpoint", func(c echo.Context) error {
		return relayEndpoint(c, deps.Forwarder, deps.Credential, logger)
	})

	relay.POST("/stream", func(c echo.Context) error {
		return relayStream(c, deps.Stream, logger)
	})

	if deps.Hub != nil {
		e.GET("/ws", func(c echo.Context) error {
			return websocket.HandleWebSocket(deps.Hub, c)
		})
	}
}
