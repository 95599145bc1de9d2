package webrtc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalingServer handles WebSocket signaling for WebRTC
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Connected clients
	clients map[string]*SignalingClient
	mu      sync.RWMutex

	// Message handlers
	onOffer      func(client *SignalingClient, offer webrtc.SessionDescription) error
	onICE        func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onDisconnect func(client *SignalingClient)

	allowedOrigins []string
	sendBufferSize int
	sendTimeout    time.Duration
}

// SignalingClient represents a connected WebSocket client
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send chan []byte

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage is the envelope of every message on the signaling socket
type SignalingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server
func NewSignalingServer(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}

	s := &SignalingServer{
		logger:         logger,
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
		sendTimeout:    5 * time.Second,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     CheckOrigin(allowedOrigins, logger),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	return s
}

// CheckOrigin returns an origin check for websocket upgrades. Requests
// without an Origin header come from non-browser clients and are allowed.
func CheckOrigin(allowedOrigins []string, logger *zap.Logger) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		for _, allowed := range allowedOrigins {
			if allowed == "*" {
				return true
			}
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}

		logger.Warn("Origin not allowed",
			zap.String("origin", origin),
			zap.Strings("allowed_origins", allowedOrigins))
		return false
	}
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onDisconnect func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onICE = onICE
	s.onDisconnect = onDisconnect
}

// HandleWebSocket handles WebSocket connections
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Warn("Error handling message", zap.String("type", msg.Type), zap.Error(err))
			c.sendError(err.Error())
		}
	}
}

func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Debug("WebSocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := c.unmarshalData(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := c.unmarshalData(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// unmarshalData re-decodes a generic JSON value into target
func (c *SignalingClient) unmarshalData(data interface{}, target interface{}) error {
	if data == nil {
		return fmt.Errorf("missing data")
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends an ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message, closing clients that stay full for longer
// than the send timeout
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("client connection closed")
	}

	jsonData, err := json.Marshal(SignalingMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timeout := 5 * time.Second
	if c.server != nil {
		timeout = c.server.sendTimeout
	}

	select {
	case c.send <- jsonData:
		return nil
	case <-time.After(timeout):
		c.logger.Warn("Send timeout, client too slow, closing connection",
			zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout - client too slow")
	}
}

func (c *SignalingClient) sendError(errorMsg string) {
	c.sendMessage("error", map[string]string{"message": errorMsg})
}

func (c *SignalingClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.send)
	c.mu.Unlock()

	if c.server != nil {
		c.server.mu.Lock()
		delete(c.server.clients, c.id)
		c.server.mu.Unlock()

		if c.server.onDisconnect != nil {
			c.server.onDisconnect(c)
		}
	}

	c.logger.Info("Client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// GetID returns the client ID
func (c *SignalingClient) GetID() string {
	return c.id
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// GetClientCount returns the number of connected clients
func (s *SignalingServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *SignalingServer) Close() {
	s.mu.RLock()
	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	s.logger.Info("Closing signaling server", zap.Int("clients", len(clients)))

	for _, client := range clients {
		client.close()
	}
}
