//go:build integration

// Package integration runs the capture, detection and publishing stages
// together against synthetic frames, so no camera or model is needed.
package integration

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"hive-vision-streamer/annotate"
	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
	"hive-vision-streamer/detector"
	"hive-vision-streamer/mjpeg"
	"hive-vision-streamer/notify"
	"hive-vision-streamer/pipeline"
	"hive-vision-streamer/source"
)

const (
	frameWidth  = 320
	frameHeight = 240
)

// syntheticHandle produces an endless stream of frames with a moving square
type syntheticHandle struct {
	interval time.Duration

	mu   sync.Mutex
	open bool
	seq  uint64
}

func (h *syntheticHandle) Open(ctx context.Context, src source.Descriptor) error {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()
	return nil
}

func (h *syntheticHandle) ReadFrame(ctx context.Context) (*camera.Frame, error) {
	if h.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.interval):
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return nil, camera.ErrNotOpen
	}
	h.seq++

	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	x := int(h.seq*4) % (frameWidth - 40)
	for py := 100; py < 140; py++ {
		for px := x; px < x+40; px++ {
			img.SetRGBA(px, py, color.RGBA{R: 220, G: 180, B: 20, A: 255})
		}
	}

	return &camera.Frame{Seq: h.seq, Timestamp: time.Now(), Image: img}, nil
}

func (h *syntheticHandle) Close() error {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
	return nil
}

// fixedDetector reports one bee and one hornet on every frame
type fixedDetector struct{}

func (fixedDetector) Detect(ctx context.Context, frame *camera.Frame, mode config.ModeConfig) ([]detector.Detection, error) {
	return []detector.Detection{
		{ClassID: detector.ClassBee, Confidence: 0.9, Box: detector.Box{X: 20, Y: 20, W: 30, H: 30}},
		{ClassID: detector.ClassHornet, Confidence: 0.8, Box: detector.Box{X: 200, Y: 150, W: 50, H: 40}},
	}, nil
}

func (fixedDetector) Close() error { return nil }

// harness is a running pipeline feeding a sink
type harness struct {
	controller *pipeline.Controller
	sink       *mjpeg.Sink
	cancel     context.CancelFunc
	done       chan struct{}
}

func startHarness(t *testing.T, interval time.Duration, notifier *notify.Notifier) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	sink := mjpeg.NewSink()

	comp := pipeline.Components{
		Handle:   &syntheticHandle{interval: interval},
		Detector: fixedDetector{},
		Renderer: annotate.NewAnnotator(80),
		Sink:     sink,
	}
	if notifier != nil {
		comp.Notifier = notifier
	}

	c := pipeline.NewController(pipeline.Options{
		Mode:         config.DemoPreset(),
		NotifyStride: 1,
		IdlePoll:     10 * time.Millisecond,
	}, comp, logger)
	c.Request(source.Camera(0))

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{controller: c, sink: sink, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("Pipeline stopped with error: %v", err)
		}
	}()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
