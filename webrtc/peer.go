package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrChannelNotOpen is returned when a peer has no open data channel yet
var ErrChannelNotOpen = errors.New("data channel not open")

// PeerConnection is one browser peer. The browser creates the data channel
// in its offer; detection updates are sent on it as JSON text.
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu       sync.RWMutex
	channel  *webrtc.DataChannel
	onClosed func()

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPeerConnection creates a new WebRTC peer connection
func NewPeerConnection(id string, config webrtc.Configuration, logger *zap.Logger) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &PeerConnection{
		id:     id,
		pc:     pc,
		logger: logger.With(zap.String("peer_id", id)),
	}
	peer.setupEventHandlers()

	peer.logger.Debug("Peer connection created")
	return peer, nil
}

func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.mu.RLock()
			fn := p.onClosed
			p.mu.RUnlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateDisconnected:
			p.logger.Warn("Peer connection disconnected, waiting for ICE to recover")
		}
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Info("Data channel announced", zap.String("label", dc.Label()))

		dc.OnOpen(func() {
			p.mu.Lock()
			p.channel = dc
			p.mu.Unlock()
			p.logger.Info("Data channel opened", zap.String("label", dc.Label()))
		})
		dc.OnClose(func() {
			p.mu.Lock()
			if p.channel == dc {
				p.channel = nil
			}
			p.mu.Unlock()
		})
	})
}

// OnClosed registers fn to run once the connection fails or closes
func (p *PeerConnection) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer creates an answer and applies it as the local description
func (p *PeerConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	return &answer, nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// Ready reports whether the data channel is open
func (p *PeerConnection) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channel != nil && p.channel.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes one JSON message on the data channel
func (p *PeerConnection) Send(payload []byte) error {
	p.mu.RLock()
	dc := p.channel
	p.mu.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	if err := dc.SendText(string(payload)); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to send on data channel: %w", err)
	}
	p.sent.Add(1)
	return nil
}

// GetConnectionState returns the current connection state
func (p *PeerConnection) GetConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"channel_open":         p.Ready(),
		"messages_sent":        p.sent.Load(),
		"messages_failed":      p.failed.Load(),
	}
}

// Close closes the peer connection and releases resources
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.onClosed = nil
	p.channel = nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		p.logger.Warn("Error closing peer connection", zap.Error(err))
		return err
	}

	p.logger.Debug("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}
