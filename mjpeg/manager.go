package mjpeg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/config"
)

// Relay runs one Streamer per configured RTP destination, all fed from the
// same sink
type Relay struct {
	config    config.RTPConfig
	sink      *Sink
	logger    *zap.Logger
	streamers map[string]*Streamer
	mu        sync.RWMutex
}

// NewRelay creates a relay for the destinations in cfg
func NewRelay(cfg config.RTPConfig, sink *Sink, logger *zap.Logger) *Relay {
	return &Relay{
		config:    cfg,
		sink:      sink,
		logger:    logger.With(zap.String("component", "rtp_relay")),
		streamers: make(map[string]*Streamer),
	}
}

// Start starts a streamer for every destination. A destination that fails
// to start is logged and skipped.
func (r *Relay) Start(ctx context.Context) error {
	if !r.config.Enabled {
		r.logger.Info("MJPEG-RTP relay disabled in config")
		return nil
	}

	for i, dest := range r.config.Destinations {
		name := dest.Name
		if name == "" {
			name = fmt.Sprintf("dest%d", i+1)
		}
		if err := r.startDestination(ctx, name, dest); err != nil {
			r.logger.Error("Failed to start RTP destination", zap.String("destination", name), zap.Error(err))
		}
	}

	r.logger.Info("MJPEG-RTP relay started", zap.Int("active_destinations", len(r.Names())))
	return nil
}

func (r *Relay) startDestination(ctx context.Context, name string, dest config.RTPDestination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streamers[name]; exists {
		return fmt.Errorf("destination %s already started", name)
	}

	streamer, err := NewStreamer(&StreamerConfig{
		Name:     name,
		DestHost: dest.Host,
		DestPort: dest.Port,
		MTU:      r.config.MTU,
		FPS:      r.config.FPS,
		SSRC:     dest.SSRC,
	}, r.logger.With(zap.String("destination", name)))
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	if err := streamer.Start(ctx, r.sink); err != nil {
		return fmt.Errorf("failed to start streamer: %w", err)
	}

	if r.config.StatsIntervalSeconds > 0 {
		streamer.MonitorStats(time.Duration(r.config.StatsIntervalSeconds) * time.Second)
	}

	r.streamers[name] = streamer
	return nil
}

// Stop stops every streamer
func (r *Relay) Stop() error {
	r.mu.Lock()
	streamers := make([]*Streamer, 0, len(r.streamers))
	for _, s := range r.streamers {
		streamers = append(streamers, s)
	}
	r.streamers = make(map[string]*Streamer)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streamers {
		wg.Add(1)
		go func(s *Streamer) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	if len(streamers) > 0 {
		r.logger.Info("MJPEG-RTP relay stopped")
	}
	return nil
}

// Streamer returns the streamer for a destination
func (r *Relay) Streamer(name string) (*Streamer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.streamers[name]
	if !exists {
		return nil, fmt.Errorf("destination %s not found", name)
	}
	return s, nil
}

// Names returns the active destination names
func (r *Relay) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.streamers))
	for name := range r.streamers {
		names = append(names, name)
	}
	return names
}

// IsRunning reports whether any destination is active
func (r *Relay) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streamers) > 0
}

// GetStats returns statistics for all destinations
func (r *Relay) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	destinations := make(map[string]interface{})
	for name, s := range r.streamers {
		destinations[name] = map[string]interface{}{
			"destination": s.GetDestination(),
			"stats":       s.GetStats(),
		}
	}

	return map[string]interface{}{
		"enabled":             r.config.Enabled,
		"active_destinations": len(r.streamers),
		"destinations":        destinations,
	}
}
