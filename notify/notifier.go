// Package notify relays detection counts to external collectors without
// ever blocking the pipeline.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/pipeline"
)

// Payload is the body sent to collectors
type Payload struct {
	BeeCount    int `json:"bee_count"`
	HornetCount int `json:"hornet_count"`
}

// Sink delivers one payload. Send must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, p Payload) error
	Close() error
}

// Stats holds delivery counters
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	InFlight int    `json:"in_flight"`
}

// Notifier fans stats out to its sinks. Each Notify runs in its own
// goroutine with a deadline; at most maxInFlight run at once and the rest
// are dropped. Results are counted and otherwise ignored.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger

	sem    chan struct{}
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a notifier over sinks
func New(sinks []Sink, timeout time.Duration, maxInFlight int, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if maxInFlight <= 0 {
		maxInFlight = 4
	}

	return &Notifier{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "notifier")),
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Notify hands stats off for delivery and returns immediately
func (n *Notifier) Notify(stats pipeline.FrameStats) {
	if len(n.sinks) == 0 {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.dropped.Add(1)
		return
	}

	select {
	case n.sem <- struct{}{}:
	default:
		n.mu.Unlock()
		if count := n.dropped.Add(1); count%50 == 1 {
			n.logger.Debug("Collector busy, dropping notification", zap.Uint64("dropped", count))
		}
		return
	}

	n.wg.Add(1)
	n.mu.Unlock()

	payload := Payload{BeeCount: stats.BeeCount, HornetCount: stats.HornetCount}
	go func() {
		defer n.wg.Done()
		defer func() { <-n.sem }()
		n.deliver(payload, stats.FrameIndex)
	}()
}

func (n *Notifier) deliver(payload Payload, frameIndex uint64) {
	for _, sink := range n.sinks {
		if err := n.send(sink, payload); err != nil {
			n.failed.Add(1)
			n.logger.Debug("Notification failed",
				zap.String("sink", sink.Name()),
				zap.Uint64("frame_index", frameIndex),
				zap.Error(err))
			continue
		}
		n.sent.Add(1)
	}
}

// send gives each sink its own timeout
func (n *Notifier) send(sink Sink, payload Payload) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return sink.Send(ctx, payload)
}

// Stats returns delivery counters
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:     n.sent.Load(),
		Failed:   n.failed.Load(),
		Dropped:  n.dropped.Load(),
		InFlight: len(n.sem),
	}
}

// Close stops accepting notifications, waits for in-flight ones until ctx
// is done and closes the sinks
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, sink := range n.sinks {
		if cerr := sink.Close(); cerr != nil {
			n.logger.Warn("Failed to close sink", zap.String("sink", sink.Name()), zap.Error(cerr))
		}
	}

	stats := n.Stats()
	n.logger.Info("Notifier stopped",
		zap.Uint64("sent", stats.Sent),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("dropped", stats.Dropped))

	return err
}
