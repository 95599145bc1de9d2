package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
)

const maxWorkerMessage = 16 * 1024 * 1024

// workerRequest is sent to the inference worker for every frame
type workerRequest struct {
	Seq           uint64  `msgpack:"seq"`
	Image         []byte  `msgpack:"image"` // JPEG
	Width         int     `msgpack:"width"`
	Height        int     `msgpack:"height"`
	ImageSize     int     `msgpack:"imgsz"`
	Confidence    float64 `msgpack:"conf"`
	IOU           float64 `msgpack:"iou"`
	MaxDetections int     `msgpack:"max_det"`
}

// workerResponse carries boxes in pixel coordinates of the sent image
type workerResponse struct {
	Seq         uint64      `msgpack:"seq"`
	Detections  []Detection `msgpack:"detections"`
	Error       string      `msgpack:"error"`
	InferenceMS float64     `msgpack:"inference_ms"`
}

// ProcessConfig configures the worker subprocess
type ProcessConfig struct {
	Command     []string
	Timeout     time.Duration
	JPEGQuality int
}

// ProcessDetector delegates inference to a long-lived worker process that
// speaks length-prefixed msgpack (4 bytes big-endian + payload) over
// stdin/stdout. The worker is restarted lazily after a crash or timeout.
type ProcessDetector struct {
	config ProcessConfig
	logger *zap.Logger

	// command builds the worker process; replaced in tests
	command func(name string, args ...string) *exec.Cmd

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	seq    uint64
	wg     sync.WaitGroup

	restarts uint64
}

type roundTripResult struct {
	resp workerResponse
	err  error
}

// NewProcessDetector creates a detector. The worker is started by Start or
// lazily on the first Detect.
func NewProcessDetector(cfg ProcessConfig, logger *zap.Logger) (*ProcessDetector, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}

	return &ProcessDetector{
		config:  cfg,
		logger:  logger.With(zap.String("component", "process_detector")),
		command: exec.Command,
	}, nil
}

// Start launches the worker if it is not running
func (d *ProcessDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil
	}
	return d.start()
}

// Restarts reports how many times the worker was relaunched after a failure
func (d *ProcessDetector) Restarts() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

func (d *ProcessDetector) start() error {
	cmd := d.command(d.config.Command[0], d.config.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start inference worker: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Debug("worker_stderr", zap.String("line", scanner.Text()))
		}
	}()

	d.logger.Info("Inference worker started",
		zap.Strings("command", d.config.Command),
		zap.Int("pid", cmd.Process.Pid))

	return nil
}

func (d *ProcessDetector) stop() {
	if d.cmd == nil {
		return
	}

	d.stdin.Close()
	d.cmd.Process.Kill()
	d.cmd.Wait()
	d.wg.Wait()

	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
}

// Detect sends one frame to the worker and waits for its answer
func (d *ProcessDetector) Detect(ctx context.Context, frame *camera.Frame, mode config.ModeConfig) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		if d.seq > 0 {
			d.restarts++
			d.logger.Warn("Restarting inference worker", zap.Uint64("restarts", d.restarts))
		}
		if err := d.start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInference, err)
		}
	}

	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.Image, &jpeg.Options{Quality: d.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("%w: failed to encode frame: %v", ErrInference, err)
	}

	d.seq++
	bounds := frame.Image.Bounds()
	payload, err := msgpack.Marshal(&workerRequest{
		Seq:           d.seq,
		Image:         img.Bytes(),
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		ImageSize:     mode.ImageSize,
		Confidence:    mode.ConfidenceThreshold,
		IOU:           mode.IOUThreshold,
		MaxDetections: mode.MaxDetections,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal msgpack request: %v", ErrInference, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	done := make(chan roundTripResult, 1)
	stdin, stdout := d.stdin, d.stdout
	go func() {
		resp, err := roundTrip(stdin, stdout, payload)
		done <- roundTripResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			d.stop()
			return nil, fmt.Errorf("%w: %v", ErrInference, r.err)
		}
		if r.resp.Error != "" {
			return nil, fmt.Errorf("%w: worker: %s", ErrInference, r.resp.Error)
		}
		if r.resp.Seq != d.seq {
			d.stop()
			return nil, fmt.Errorf("%w: response seq %d, want %d", ErrInference, r.resp.Seq, d.seq)
		}
		return r.resp.Detections, nil

	case <-ctx.Done():
		// The protocol is out of step now; drop the worker
		d.stop()
		<-done
		return nil, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
	}
}

// roundTrip writes one length-prefixed request and reads one response
func roundTrip(w io.Writer, r io.Reader, payload []byte) (workerResponse, error) {
	var resp workerResponse

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))
	if _, err := w.Write(lengthPrefix); err != nil {
		return resp, fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return resp, fmt.Errorf("failed to write msgpack data: %w", err)
	}

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return resp, fmt.Errorf("failed to read length prefix: %w", err)
	}
	msgLength := binary.BigEndian.Uint32(lengthBuf)
	if msgLength > maxWorkerMessage {
		return resp, fmt.Errorf("response too large: %d bytes", msgLength)
	}

	data := make([]byte, msgLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return resp, fmt.Errorf("failed to read msgpack data: %w", err)
	}

	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}

	return resp, nil
}

// Close stops the worker
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	return nil
}
