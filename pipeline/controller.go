// Package pipeline runs the capture, detect and publish loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/annotate"
	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
	"hive-vision-streamer/detector"
	"hive-vision-streamer/source"
)

// ErrDetectorFailed is returned by Run when inference keeps failing
var ErrDetectorFailed = errors.New("detector failed repeatedly")

// FrameSink receives every processed frame
type FrameSink interface {
	Publish(frame []byte, stats FrameStats)
}

// Notifier relays stats without blocking the caller
type Notifier interface {
	Notify(stats FrameStats)
}

// Renderer annotates and encodes a frame
type Renderer interface {
	Render(img *image.RGBA, detections []detector.Detection, overlay []string) ([]byte, error)
}

// Playlist chooses the file to play after the current one ends
type Playlist interface {
	Next(after string) (string, error)
	Path(name string) string
	Contains(d source.Descriptor) bool
}

// Options holds the controller's timing and policy settings
type Options struct {
	Mode                   config.ModeConfig
	NotifyStride           int
	ReconnectBackoff       time.Duration
	IdlePoll               time.Duration
	EOSPause               time.Duration
	MaxConsecutiveFailures int
	FrameLogInterval       int
}

// OptionsFromConfig builds Options for the active mode
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:                   cfg.ActiveMode(),
		NotifyStride:           cfg.Notify.Stride,
		ReconnectBackoff:       time.Duration(cfg.Timeouts.ReconnectBackoffMS) * time.Millisecond,
		IdlePoll:               time.Duration(cfg.Timeouts.IdlePollMS) * time.Millisecond,
		EOSPause:               time.Duration(cfg.Timeouts.EOSPauseMS) * time.Millisecond,
		MaxConsecutiveFailures: cfg.Detector.MaxConsecutiveFailures,
		FrameLogInterval:       cfg.Logging.FrameLogInterval,
	}
}

// Components are the collaborators driven by the controller. Notifier may be nil.
type Components struct {
	Handle   camera.Handle
	Detector detector.Detector
	Playlist Playlist
	Renderer Renderer
	Sink     FrameSink
	Notifier Notifier
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeSwitch
	outcomeEndOfStream
	outcomeReadError
)

// Controller owns the capture handle and the detector. It is the only
// writer of the current source, the phase and the counters; Request is the
// only writer of the pending slot.
type Controller struct {
	opts   Options
	comp   Components
	logger *zap.Logger

	pending atomic.Pointer[source.Descriptor]

	mu    sync.RWMutex
	state State

	now func() time.Time
}

// NewController creates a controller in the idle phase
func NewController(opts Options, comp Components, logger *zap.Logger) *Controller {
	if opts.Mode.FrameStride <= 0 {
		opts.Mode.FrameStride = 1
	}
	if opts.NotifyStride <= 0 {
		opts.NotifyStride = 1
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = 500 * time.Millisecond
	}
	if opts.EOSPause <= 0 {
		opts.EOSPause = 500 * time.Millisecond
	}

	c := &Controller{
		opts:   opts,
		comp:   comp,
		logger: logger.With(zap.String("component", "pipeline")),
		now:    time.Now,
	}
	c.state = State{
		Phase:     PhaseIdle,
		Mode:      opts.Mode,
		StartedAt: c.now(),
	}

	return c
}

// Request asks the controller to switch to d. The most recent request wins;
// it is adopted before the next frame read.
func (c *Controller) Request(d source.Descriptor) {
	c.pending.Store(&d)
	c.logger.Info("Source switch requested", zap.Stringer("source", d))
}

// Snapshot returns a copy of the current state
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	s := c.state
	c.mu.RUnlock()

	if p := c.pending.Load(); p != nil {
		d := *p
		s.PendingSource = &d
	}
	return s
}

func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

func (c *Controller) setPhase(p Phase) {
	c.update(func(s *State) { s.Phase = p })
}

// Run drives the state machine until ctx is cancelled. It returns nil on
// cancellation and ErrDetectorFailed when inference fails too many times
// in a row. The capture handle is always closed on return.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.comp.Handle.Close()
		c.setPhase(PhaseStopped)
		c.logger.Info("Pipeline stopped")
	}()

	var (
		current      source.Descriptor
		openAttempts int
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if p := c.pending.Swap(nil); p != nil {
			current = *p
			openAttempts = 0
			c.update(func(s *State) { s.CurrentSource = current })
			c.logger.Info("Adopted source", zap.Stringer("source", current), zap.Stringer("kind", current.Kind))
		}

		if current.IsZero() {
			c.setPhase(PhaseIdle)
			c.sleep(ctx, c.opts.IdlePoll)
			continue
		}

		c.setPhase(PhaseConnecting)
		if err := c.comp.Handle.Open(ctx, current); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			openAttempts++
			c.update(func(s *State) {
				s.Phase = PhaseFaulted
				s.OpenFailures++
			})
			c.logger.Warn("Failed to open source, retrying",
				zap.Stringer("source", current),
				zap.Int("attempt", openAttempts),
				zap.Duration("backoff", c.opts.ReconnectBackoff),
				zap.Error(err))
			c.sleep(ctx, c.opts.ReconnectBackoff)
			continue
		}
		if openAttempts > 0 {
			c.logger.Info("Source opened after retries",
				zap.Stringer("source", current),
				zap.Int("failed_attempts", openAttempts))
			openAttempts = 0
		}

		result, err := c.stream(ctx, current)
		c.comp.Handle.Close()
		if err != nil {
			return err
		}

		switch result {
		case outcomeStopped:
			return nil

		case outcomeSwitch:
			// The loop top adopts the pending source

		case outcomeReadError:
			c.setPhase(PhaseFaulted)
			c.sleep(ctx, c.opts.ReconnectBackoff)

		case outcomeEndOfStream:
			current = c.advance(ctx, current)
		}
	}
}

// advance picks the source to play after current reached its end
func (c *Controller) advance(ctx context.Context, current source.Descriptor) source.Descriptor {
	if c.comp.Playlist == nil || !c.comp.Playlist.Contains(current) {
		c.logger.Info("Source ended, reconnecting", zap.Stringer("source", current))
		c.sleep(ctx, c.opts.EOSPause)
		return current
	}

	c.setPhase(PhaseAdvancing)
	name, err := c.comp.Playlist.Next(current.Name())
	if err != nil {
		c.logger.Warn("Failed to advance playlist", zap.Error(err))
		c.sleep(ctx, c.opts.EOSPause)
		return current
	}

	next := source.File(c.comp.Playlist.Path(name))
	c.update(func(s *State) { s.CurrentSource = next })
	c.logger.Info("Advancing playlist",
		zap.String("from", current.Name()),
		zap.String("to", name))
	return next
}

// stream runs the per-frame loop on an open handle
func (c *Controller) stream(ctx context.Context, current source.Descriptor) (outcome, error) {
	c.setPhase(PhaseStreaming)

	var (
		sessionStart     = c.now()
		sessionProcessed uint64
		failures         int
	)

	for {
		if ctx.Err() != nil {
			return outcomeStopped, nil
		}
		if c.pending.Load() != nil {
			c.setPhase(PhaseRestarting)
			c.logger.Info("Restarting capture for new source", zap.Stringer("from", current))
			return outcomeSwitch, nil
		}

		frame, err := c.comp.Handle.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeStopped, nil
			}
			if errors.Is(err, camera.ErrEndOfStream) {
				return outcomeEndOfStream, nil
			}
			c.update(func(s *State) { s.ReadFailures++ })
			c.logger.Warn("Failed to read frame, reconnecting",
				zap.Stringer("source", current),
				zap.Error(err))
			return outcomeReadError, nil
		}

		// The stride counts captures across reconnects and switches
		var captured uint64
		c.update(func(s *State) {
			s.CapturedFrames++
			captured = s.CapturedFrames
		})
		if captured%uint64(c.opts.Mode.FrameStride) != 0 {
			continue
		}

		detections, err := c.comp.Detector.Detect(ctx, frame, c.opts.Mode)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeStopped, nil
			}
			failures++
			c.update(func(s *State) { s.InferenceFailures++ })
			c.logger.Warn("Inference failed, dropping frame",
				zap.Int("consecutive", failures),
				zap.Error(err))
			if c.opts.MaxConsecutiveFailures > 0 && failures >= c.opts.MaxConsecutiveFailures {
				return outcomeStopped, fmt.Errorf("%w: %d consecutive failures: %v", ErrDetectorFailed, failures, err)
			}
			continue
		}
		failures = 0

		bees, hornets := detector.Count(detections)
		now := c.now()
		fps := sessionFPS(sessionProcessed+1, sessionStart, now)

		jpegData, err := c.comp.Renderer.Render(frame.Image, detections, annotate.Overlay(fps, bees, hornets))
		if err != nil {
			// Nothing is counted for a frame that was never published
			c.update(func(s *State) { s.RenderFailures++ })
			c.logger.Warn("Failed to render frame", zap.Error(err))
			continue
		}

		sessionProcessed++
		stats := c.account(bees, hornets, fps, current, now)
		c.publish(jpegData, stats)
	}
}

func sessionFPS(processed uint64, start, now time.Time) float64 {
	if elapsed := now.Sub(start).Seconds(); elapsed > 0 {
		return float64(processed) / elapsed
	}
	return 0
}

// account updates the counters for a published frame and returns its stats
func (c *Controller) account(bees, hornets int, fps float64, current source.Descriptor, now time.Time) FrameStats {
	var stats FrameStats
	c.update(func(s *State) {
		s.FrameCounter++
		s.TotalBee += uint64(bees)
		s.TotalHornet += uint64(hornets)

		stats = FrameStats{
			FrameIndex:  s.FrameCounter,
			FPS:         fps,
			BeeCount:    bees,
			HornetCount: hornets,
			TotalBee:    s.TotalBee,
			TotalHornet: s.TotalHornet,
			Source:      current.String(),
			Timestamp:   now,
		}
	})

	return stats
}

func (c *Controller) publish(jpegData []byte, stats FrameStats) {
	c.comp.Sink.Publish(jpegData, stats)

	if c.comp.Notifier != nil && stats.FrameIndex%uint64(c.opts.NotifyStride) == 0 {
		c.comp.Notifier.Notify(stats)
	}

	if c.opts.FrameLogInterval > 0 && stats.FrameIndex%uint64(c.opts.FrameLogInterval) == 0 {
		c.logger.Debug("Frame processed",
			zap.Uint64("frame_index", stats.FrameIndex),
			zap.Float64("fps", stats.FPS),
			zap.Int("bees", stats.BeeCount),
			zap.Int("hornets", stats.HornetCount),
			zap.Uint64("total_bee", stats.TotalBee),
			zap.Uint64("total_hornet", stats.TotalHornet))
	}
}

// sleep waits for d or until ctx is done
func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
