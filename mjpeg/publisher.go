package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Boundary separates the parts of the multipart stream
const Boundary = "frame"

// Publisher serves the sink as a multipart/x-mixed-replace stream. Every
// viewer polls the sink on its own ticker, so viewers never wait on each
// other or on the pipeline. Each part must be written within writeTimeout,
// a viewer that stops reading is dropped.
type Publisher struct {
	sink         *Sink
	pollInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	activeViewers atomic.Int64
	totalViewers  atomic.Uint64
	partsWritten  atomic.Uint64
}

// PublisherStats holds viewer counters
type PublisherStats struct {
	ActiveViewers int64  `json:"active_viewers"`
	TotalViewers  uint64 `json:"total_viewers"`
	PartsWritten  uint64 `json:"parts_written"`
}

// NewPublisher creates a publisher reading sink at most once per pollInterval
func NewPublisher(sink *Sink, pollInterval, writeTimeout time.Duration, logger *zap.Logger) *Publisher {
	if pollInterval <= 0 {
		pollInterval = 40 * time.Millisecond
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		sink:         sink,
		pollInterval: pollInterval,
		writeTimeout: writeTimeout,
		logger:       logger.With(zap.String("component", "mjpeg_publisher")),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ServeHTTP streams until the client goes away or the publisher is closed
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	viewerID := uuid.New().String()
	logger := p.logger.With(zap.String("viewer_id", viewerID), zap.String("remote", r.RemoteAddr))

	p.activeViewers.Add(1)
	p.totalViewers.Add(1)
	defer p.activeViewers.Add(-1)

	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")

	rc := http.NewResponseController(w)
	if err := p.extendDeadline(rc); err != nil {
		logger.Warn("Failed to set write deadline", zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	logger.Info("Viewer connected")

	sent, err := p.stream(r.Context(), w, rc, flusher)
	if err != nil {
		logger.Debug("Viewer write failed", zap.Error(err))
	}

	logger.Info("Viewer disconnected", zap.Uint64("parts", sent))
}

// extendDeadline gives the next part writeTimeout to reach the client.
// Writers without deadline support are left unbounded.
func (p *Publisher) extendDeadline(rc *http.ResponseController) error {
	err := rc.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (p *Publisher) stream(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher) (uint64, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastSeq, sent uint64

	for {
		if snap, ok := p.sink.Latest(); ok && snap.Seq != lastSeq {
			if err := p.extendDeadline(rc); err != nil {
				return sent, fmt.Errorf("failed to set write deadline: %w", err)
			}
			if err := writePart(w, snap.Frame); err != nil {
				return sent, err
			}
			if flusher != nil {
				flusher.Flush()
			}
			lastSeq = snap.Seq
			sent++
			p.partsWritten.Add(1)
		}

		select {
		case <-ctx.Done():
			return sent, nil
		case <-p.ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
}

// writePart writes one multipart chunk
func writePart(w http.ResponseWriter, frame []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n"

	if _, err := w.Write([]byte(header)); err != nil {
		return fmt.Errorf("failed to write part header: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("failed to write part trailer: %w", err)
	}
	return nil
}

// Stats returns viewer counters
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		ActiveViewers: p.activeViewers.Load(),
		TotalViewers:  p.totalViewers.Load(),
		PartsWritten:  p.partsWritten.Load(),
	}
}

// Close ends every viewer loop and waits for them to return until ctx is
// done. A viewer blocked in a write returns once its write deadline passes.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Viewers still active after close timeout",
			zap.Int64("active_viewers", p.activeViewers.Load()))
		return ctx.Err()
	}
}
