package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/repositories"
	"github.com/satriahrh/geminichat/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// TransportFactory builds the transport for a new connection's session
type TransportFactory func() (repositories.Transport, error)

// Hub tracks the connected clients. Each client owns its own chat session;
// nothing is shared between connections.
type Hub struct {
	// Registered clients, keyed by session ID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	newTransport TransportFactory
	sessionOpts  []usecase.SessionOption
	validator    *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. opts are applied to every session the
// hub creates.
func NewHub(newTransport TransportFactory, logger *zap.Logger, opts ...usecase.SessionOption) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		newTransport: newTransport,
		sessionOpts:  opts,
		validator:    NewMessageValidator(),
		logger:       logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// closing every remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.session.ID()] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("sessionID", client.session.ID()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.session.ID()]; ok {
				delete(h.clients, client.session.ID())
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("sessionID", client.session.ID()))

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Hub stopped")
			return
		}
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its chat session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	session *usecase.ChatSession

	// ctx lives as long as the connection; an in-flight request is
	// abandoned when the peer goes away
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// HandleWebSocket upgrades the request and binds a fresh chat session to it.
func HandleWebSocket(hub *Hub, c echo.Context) error {
	transport, err := hub.newTransport()
	if err != nil {
		hub.logger.Error("Failed to create transport", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "internal_error",
			"message": "Transport configuration error",
		})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := append([]usecase.SessionOption{}, hub.sessionOpts...)
	opts = append(opts, usecase.WithListener(client.onEvent))
	client.session = usecase.NewChatSession(transport, hub.logger, opts...)
	client.logger = hub.logger.With(zap.String("sessionID", client.session.ID()))

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		cancel()
		return nil
	}
	client.sendMessage(CreateSessionMessage(client.session.ID()))

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unsupported message type", zap.Int("type", messageType))
			c.sendMessage(CreateErrorMessage(ErrorCodeInvalidMessage, "Only text messages are supported", ""))
			continue
		}

		c.processMessage(message)
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage dispatches one client message
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendMessage(CreateErrorMessage(ErrorCodeInvalidMessage, "Invalid message", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *SubmitMessage:
		go c.handleSubmit(m.Text)

	case *CancelMessage:
		if !c.session.Cancel() {
			c.sendMessage(CreateErrorMessage(ErrorCodeNoRequest, "No request in flight", ""))
		}

	case *PingMessage:
		c.sendMessage(CreatePongMessage(m.Data))

	case *TranscriptRequestMessage:
		c.sendMessage(CreateTranscriptMessage(c.session.ID(), c.session.Transcript().Turns()))
	}
}

// handleSubmit runs one turn. Turns and state changes reach the peer through
// the session listener; only rejections and failures are reported here.
func (c *Client) handleSubmit(text string) {
	c.session.SetDraft(text)

	outcome, err := c.session.Submit(c.ctx, text)
	switch {
	case errors.Is(err, domain.ErrEmptyPrompt):
		c.sendMessage(CreateErrorMessage(ErrorCodeEmptyPrompt, "Prompt is empty", ""))
	case errors.Is(err, domain.ErrRequestInFlight):
		c.sendMessage(CreateErrorMessage(ErrorCodeRequestInFlight, "A request is already in flight", ""))
	case err != nil:
		c.sendMessage(CreateErrorMessage(ErrorCodeRequestFailed, "Request failed", err.Error()))
	default:
		c.logger.Debug("Submit finished", zap.String("outcome", outcome.String()))
	}
}

// onEvent forwards session events to the peer
func (c *Client) onEvent(e usecase.Event) {
	switch e.Kind {
	case usecase.EventTurnAppended:
		c.sendMessage(CreateTurnMessage(c.session.ID(), e.Turn))
	case usecase.EventStateChanged:
		c.sendMessage(CreateStateMessage(c.session.ID(), e.State.String()))
	}
}

// sendMessage queues msg for the write pump. Messages for a closed or
// saturated client are dropped.
func (c *Client) sendMessage(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.hub.logger.Warn("Send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
