package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"hive-vision-streamer/config"
	"hive-vision-streamer/mjpeg"
)

// UpdateMessageType tags detection updates on the data channel
const UpdateMessageType = "detection_update"

// SnapshotSource is read by the broadcaster; *mjpeg.Sink implements it
type SnapshotSource interface {
	Latest() (mjpeg.Snapshot, bool)
}

// Server negotiates browser peers over websocket signaling and pushes the
// latest FrameStats to every peer whose data channel is open.
type Server struct {
	config *config.WebRTCConfig
	logger *zap.Logger
	source SnapshotSource

	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	interval  time.Duration
	running   atomic.Bool
	broadcast atomic.Uint64
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewServer creates a WebRTC server reading updates from source
func NewServer(cfg *config.WebRTCConfig, allowedOrigins []string, source SnapshotSource, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "webrtc"))

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}

	interval := time.Duration(cfg.StatsIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	s := &Server{
		config:       cfg,
		logger:       logger,
		source:       source,
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		peers:        make(map[string]*PeerConnection),
		interval:     interval,
	}

	s.signaling = NewSignalingServer(allowedOrigins, cfg.SendBufferSize, logger)
	s.signaling.SetHandlers(s.handleOffer, s.handleICECandidate, s.handleDisconnect)

	logger.Info("WebRTC server created",
		zap.Int("stun_servers", len(cfg.STUNServers)),
		zap.Int("max_clients", cfg.MaxClients),
		zap.Duration("stats_interval", interval))

	return s
}

// Handler returns the signaling websocket endpoint
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.signaling.HandleWebSocket)
}

func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	id := client.GetID()

	// A repeated offer renegotiates from scratch
	s.removePeer(id)

	if limit := s.config.MaxClients; limit > 0 && s.GetPeerCount() >= limit {
		return fmt.Errorf("peer limit reached (%d)", limit)
	}

	peer, err := NewPeerConnection(id, s.webrtcConfig, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peers[id] = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Debug("Failed to send ICE candidate", zap.String("client_id", id), zap.Error(err))
		}
	})
	peer.OnClosed(func() {
		go s.removePeer(id)
	})

	if err := peer.SetRemoteDescription(offer); err != nil {
		s.removePeer(id)
		return err
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		s.removePeer(id)
		return err
	}

	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(id)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.logger.Info("Peer negotiated", zap.String("client_id", id))
	return nil
}

func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	peer, exists := s.peers[client.GetID()]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.GetID())
	}

	return peer.AddICECandidate(candidate)
}

func (s *Server) handleDisconnect(client *SignalingClient) {
	s.removePeer(client.GetID())
}

func (s *Server) removePeer(clientID string) {
	s.mu.Lock()
	peer, exists := s.peers[clientID]
	delete(s.peers, clientID)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", clientID))
	}
}

// Start runs the broadcast loop until ctx is cancelled or Stop is called
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("webrtc server already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.broadcastLoop(ctx)

	s.logger.Info("WebRTC server started")
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := s.source.Latest()
			if !ok || snap.Seq == lastSeq {
				continue
			}
			lastSeq = snap.Seq
			s.distribute(snap)
		}
	}
}

// distribute sends snap to every ready peer and returns how many got it
func (s *Server) distribute(snap mjpeg.Snapshot) int {
	payload, err := json.Marshal(SignalingMessage{Type: UpdateMessageType, Data: snap.Stats})
	if err != nil {
		s.logger.Error("Failed to marshal detection update", zap.Error(err))
		return 0
	}

	s.mu.RLock()
	peers := make([]*PeerConnection, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, peer := range peers {
		if !peer.Ready() {
			continue
		}
		if err := peer.Send(payload); err != nil {
			s.logger.Debug("Failed to send update to peer", zap.String("peer_id", peer.GetID()), zap.Error(err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		s.broadcast.Add(1)
	}
	return delivered
}

// Stop closes all peers and signaling clients
func (s *Server) Stop() error {
	if s.running.Swap(false) {
		s.cancel()
		s.wg.Wait()
	}

	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}

	s.logger.Info("WebRTC server stopped")
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	peerStats := make(map[string]interface{}, len(s.peers))
	for id, peer := range s.peers {
		peerStats[id] = peer.GetStats()
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"running":      s.running.Load(),
		"peer_count":   len(peerStats),
		"client_count": s.signaling.GetClientCount(),
		"broadcasts":   s.broadcast.Load(),
		"peers":        peerStats,
	}
}

// GetPeerCount returns the number of negotiated peers
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
