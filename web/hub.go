package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hive-vision-streamer/pipeline"
	"hive-vision-streamer/webrtc"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
)

// Update is sent to websocket clients whenever a new frame is published
type Update struct {
	Type string              `json:"type"`
	Data pipeline.FrameStats `json:"data"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes detection updates to websocket clients. Slow clients whose
// buffer is full are disconnected rather than slowing the others down.
type Hub struct {
	source   SnapshotSource
	interval time.Duration
	buffer   int
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*hubClient

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// HubStats holds websocket counters
type HubStats struct {
	Clients  int    `json:"clients"`
	Messages uint64 `json:"messages"`
	Dropped  uint64 `json:"dropped"`
}

// NewHub creates a hub polling source every interval
func NewHub(source SnapshotSource, interval time.Duration, buffer int, allowedOrigins []string, logger *zap.Logger) *Hub {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if buffer <= 0 {
		buffer = 16
	}

	logger = logger.With(zap.String("component", "ws_hub"))
	return &Hub{
		source:   source,
		interval: interval,
		buffer:   buffer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     webrtc.CheckOrigin(allowedOrigins, logger),
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*hubClient),
	}
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &hubClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, h.buffer),
	}

	// Late joiners get the current state right away
	if snap, ok := h.source.Latest(); ok {
		if payload, err := json.Marshal(Update{Type: webrtc.UpdateMessageType, Data: snap.Stats}); err == nil {
			client.send <- payload
		}
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Info("Websocket client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", r.RemoteAddr))

	go h.writePump(client)
	go h.readPump(client)
}

// readPump discards client messages and notices disconnects
func (h *Hub) readPump(c *hubClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			h.sent.Add(1)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("Websocket client disconnected", zap.String("client_id", c.id))
	}
}

// Start runs the broadcast loop
func (h *Hub) Start(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := h.source.Latest()
			if !ok || snap.Seq == lastSeq {
				continue
			}
			lastSeq = snap.Seq
			h.broadcast(snap.Stats)
		}
	}
}

func (h *Hub) broadcast(stats pipeline.FrameStats) {
	payload, err := json.Marshal(Update{Type: webrtc.UpdateMessageType, Data: stats})
	if err != nil {
		h.logger.Error("Failed to marshal update", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.dropped.Add(1)
			delete(h.clients, id)
			close(c.send)
			h.logger.Warn("Websocket client too slow, disconnecting", zap.String("client_id", id))
		}
	}
}

// Stop ends the broadcast loop and disconnects all clients
func (h *Hub) Stop() {
	if h.running.Swap(false) {
		h.cancel()
		h.wg.Wait()
	}

	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
}

// Stats returns websocket counters
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Clients:  len(h.clients),
		Messages: h.sent.Load(),
		Dropped:  h.dropped.Load(),
	}
}
