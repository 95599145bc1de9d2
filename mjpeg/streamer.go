package mjpeg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StreamerConfig holds configuration for one MJPEG-RTP destination
type StreamerConfig struct {
	Name      string
	DestHost  string
	DestPort  int
	LocalPort int // Optional local port binding
	MTU       int
	FPS       int // Upper bound on frames sent per second
	SSRC      uint32
}

// Streamer relays the sink's frames to one UDP destination as RTP/JPEG
type Streamer struct {
	config *StreamerConfig
	logger *zap.Logger

	conn     *net.UDPConn
	destMu   sync.RWMutex
	destAddr *net.UDPAddr

	packetizer *RTPPacketizer
	tsGen      *TimestampGenerator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	isRunning  atomic.Bool
	frameCount uint64
	skipCount  uint64
	sendErrors uint64
}

// NewStreamer creates a new MJPEG-RTP streamer
func NewStreamer(config *StreamerConfig, logger *zap.Logger) (*Streamer, error) {
	if config.DestHost == "" || config.DestPort <= 0 || config.DestPort > 65535 {
		return nil, fmt.Errorf("invalid destination %s:%d", config.DestHost, config.DestPort)
	}
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}
	if config.FPS <= 0 {
		config.FPS = 10
	}

	return &Streamer{
		config:     config,
		logger:     logger,
		packetizer: NewRTPPacketizer(config.SSRC, config.MTU),
		tsGen:      NewTimestampGenerator(time.Now()),
	}, nil
}

// Start opens the socket and begins relaying frames from sink
func (s *Streamer) Start(ctx context.Context, sink *Sink) error {
	if s.isRunning.Load() {
		return fmt.Errorf("streamer already running")
	}

	destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.DestHost, fmt.Sprint(s.config.DestPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}

	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	s.conn = conn
	s.setDestination(destAddr)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	s.wg.Add(1)
	go s.relayLoop(sink)

	s.logger.Info("MJPEG-RTP streamer started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", destAddr.String()),
		zap.Int("mtu", s.config.MTU),
		zap.Int("fps", s.config.FPS))

	return nil
}

// Stop stops the streamer
func (s *Streamer) Stop() error {
	if !s.isRunning.Swap(false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	s.conn.Close()

	stats := s.GetStats()
	s.logger.Info("MJPEG-RTP streamer stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_skipped", stats.FramesSkipped),
		zap.Uint64("send_errors", stats.SendErrors))

	return nil
}

// relayLoop sends each new sink frame once, at most FPS times per second.
// Frames published between ticks are skipped.
func (s *Streamer) relayLoop(sink *Sink) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.config.FPS))
	defer ticker.Stop()

	var lastSeq uint64

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		snap, ok := sink.Latest()
		if !ok || snap.Seq == lastSeq {
			continue
		}
		if lastSeq > 0 && snap.Seq > lastSeq+1 {
			atomic.AddUint64(&s.skipCount, snap.Seq-lastSeq-1)
		}
		lastSeq = snap.Seq

		captured := snap.Stats.Timestamp
		if captured.IsZero() {
			captured = time.Now()
		}

		if err := s.sendFrame(snap.Frame, s.tsGen.At(captured)); err != nil {
			count := atomic.AddUint64(&s.sendErrors, 1)
			if count%30 == 1 {
				s.logger.Warn("Failed to send RTP frame", zap.Error(err), zap.Uint64("errors", count))
			}
			continue
		}
		atomic.AddUint64(&s.frameCount, 1)
	}
}

// sendFrame packetizes and sends one JPEG
func (s *Streamer) sendFrame(jpegData []byte, timestamp uint32) error {
	packets, err := s.packetizer.PacketizeJPEG(jpegData, timestamp)
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	dest := s.destination()
	for i, packet := range packets {
		if _, err := s.conn.WriteToUDP(packet, dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}

	return nil
}

func (s *Streamer) setDestination(addr *net.UDPAddr) {
	s.destMu.Lock()
	s.destAddr = addr
	s.destMu.Unlock()
}

func (s *Streamer) destination() *net.UDPAddr {
	s.destMu.RLock()
	defer s.destMu.RUnlock()
	return s.destAddr
}

// UpdateDestination points the stream at a new receiver
func (s *Streamer) UpdateDestination(host string, port int) error {
	destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve new destination: %w", err)
	}

	s.setDestination(destAddr)
	s.logger.Info("Updated destination address", zap.String("new_dest", destAddr.String()))

	return nil
}

// GetDestination returns current destination address
func (s *Streamer) GetDestination() string {
	if d := s.destination(); d != nil {
		return d.String()
	}
	return ""
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() StreamerStats {
	rtpStats := s.packetizer.GetStats()

	return StreamerStats{
		FramesSent:     atomic.LoadUint64(&s.frameCount),
		FramesSkipped:  atomic.LoadUint64(&s.skipCount),
		SendErrors:     atomic.LoadUint64(&s.sendErrors),
		RTPPacketsSent: rtpStats.PacketsSent,
		BytesSent:      rtpStats.BytesSent,
	}
}

// StreamerStats holds streamer statistics
type StreamerStats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesSkipped  uint64 `json:"frames_skipped"`
	SendErrors     uint64 `json:"send_errors"`
	RTPPacketsSent uint64 `json:"rtp_packets"`
	BytesSent      uint64 `json:"bytes_sent"`
}

// IsRunning returns whether the streamer is running
func (s *Streamer) IsRunning() bool {
	return s.isRunning.Load()
}

// MonitorStats logs throughput every interval until the streamer stops
func (s *Streamer) MonitorStats(interval time.Duration) {
	if !s.isRunning.Load() {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastStats := s.GetStats()
		lastTime := time.Now()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				currentStats := s.GetStats()
				now := time.Now()
				elapsed := now.Sub(lastTime).Seconds()

				frameRate := float64(currentStats.FramesSent-lastStats.FramesSent) / elapsed
				bitrate := float64(currentStats.BytesSent-lastStats.BytesSent) * 8 / elapsed / 1000

				s.logger.Info("MJPEG-RTP streaming stats",
					zap.Float64("fps", frameRate),
					zap.Float64("bitrate_kbps", bitrate),
					zap.Uint64("total_frames", currentStats.FramesSent),
					zap.Uint64("skipped_frames", currentStats.FramesSkipped),
					zap.Uint64("errors", currentStats.SendErrors),
					zap.Uint64("rtp_packets", currentStats.RTPPacketsSent))

				lastStats = currentStats
				lastTime = now
			}
		}
	}()
}
