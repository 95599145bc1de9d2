package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/source"
)

const maxJPEGFrameSize = 4 * 1024 * 1024

// GStreamerConfig holds settings for the gst-launch capture backend
type GStreamerConfig struct {
	Binary     string
	Width      int
	Height     int
	FPS        int
	Quality    int    // JPEG quality 1-100
	FlipMethod string // Optional flip/rotation
}

// GStreamer captures frames through a gst-launch-1.0 subprocess that writes
// JPEG images to stdout.
type GStreamer struct {
	config *GStreamerConfig
	logger *zap.Logger

	// command builds the subprocess; replaced in tests
	command func(ctx context.Context, name string, args ...string) *exec.Cmd

	cmd     *exec.Cmd
	stdout  io.ReadCloser
	reader  *bufio.Reader
	cancel  context.CancelFunc
	waited  bool
	waitErr error
	wg      sync.WaitGroup

	src        source.Descriptor
	frameCount uint64

	bufferPool sync.Pool
}

// NewGStreamer creates a GStreamer capture backend
func NewGStreamer(config *GStreamerConfig, logger *zap.Logger) *GStreamer {
	if config.Binary == "" {
		config.Binary = "gst-launch-1.0"
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 85
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}

	g := &GStreamer{
		config:  config,
		logger:  logger,
		command: exec.CommandContext,
	}

	g.bufferPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, 0, 200*1024) // 200KB typical JPEG size
		},
	}

	return g
}

// Open starts a pipeline for src. Any previous pipeline is closed first.
func (g *GStreamer) Open(ctx context.Context, src source.Descriptor) error {
	g.Close()

	if src.IsZero() {
		return fmt.Errorf("%w: no source", ErrOpen)
	}
	if src.Kind == source.KindFile {
		if _, err := os.Stat(src.Path); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrOpen, src.Path, err)
		}
	}

	args := append([]string{"-q"}, g.pipelineArgs(src)...)

	procCtx, cancel := context.WithCancel(ctx)
	cmd := g.command(procCtx, g.config.Binary, args...)
	// Interrupt first so the pipeline can flush, kill if it lingers
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 3 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to get stdout pipe: %v", ErrOpen, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to get stderr pipe: %v", ErrOpen, err)
	}

	g.logger.Info("Starting GStreamer capture pipeline",
		zap.Stringer("source", src),
		zap.String("pipeline", strings.Join(args, " ")))

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: failed to start GStreamer: %v", ErrOpen, err)
	}

	g.cmd = cmd
	g.stdout = stdout
	g.reader = bufio.NewReaderSize(stdout, 64*1024)
	g.cancel = cancel
	g.waited = false
	g.waitErr = nil
	g.src = src

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			g.logger.Debug("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	return nil
}

// pipelineArgs builds the gst-launch element list for a source
func (g *GStreamer) pipelineArgs(src source.Descriptor) []string {
	var args []string

	switch src.Kind {
	case source.KindCamera:
		args = append(args, "v4l2src", fmt.Sprintf("device=/dev/video%d", src.Index),
			"!", "videoconvert", "!", "videoscale", "!", "videorate",
			"!", fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", g.config.Width, g.config.Height, g.config.FPS))
	case source.KindFile:
		args = append(args, "filesrc", "location="+quoteProperty(src.Path),
			"!", "decodebin", "!", "videoconvert", "!", "videoscale",
			"!", fmt.Sprintf("video/x-raw,width=%d,height=%d", g.config.Width, g.config.Height))
	default:
		if strings.Contains(src.Path, "://") {
			args = append(args, "uridecodebin", "uri="+quoteProperty(src.Path))
		} else {
			args = append(args, "filesrc", "location="+quoteProperty(src.Path), "!", "decodebin")
		}
		args = append(args, "!", "videoconvert", "!", "videoscale",
			"!", fmt.Sprintf("video/x-raw,width=%d,height=%d", g.config.Width, g.config.Height))
	}

	if g.config.FlipMethod != "" {
		if flip := g.getFlipElement(g.config.FlipMethod); flip != nil {
			args = append(args, "!")
			args = append(args, flip...)
		}
	}

	// Files are decoded in order; live sources keep only the newest buffer
	if src.Kind == source.KindFile {
		args = append(args, "!", "queue", "max-size-buffers=2")
	} else {
		args = append(args, "!", "queue", "max-size-buffers=1", "max-size-time=0", "max-size-bytes=0", "leaky=downstream")
	}

	args = append(args, "!", "videoconvert",
		"!", "jpegenc", fmt.Sprintf("quality=%d", g.config.Quality),
		"!", "fdsink", "fd=1")

	return args
}

// getFlipElement returns GStreamer flip element
func (g *GStreamer) getFlipElement(method string) []string {
	switch method {
	case "vertical-flip":
		return []string{"videoflip", "video-direction=5"}
	case "horizontal-flip":
		return []string{"videoflip", "video-direction=4"}
	case "rotate-180":
		return []string{"videoflip", "video-direction=2"}
	case "rotate-90":
		return []string{"videoflip", "video-direction=1"}
	case "rotate-270":
		return []string{"videoflip", "video-direction=3"}
	default:
		g.logger.Warn("Unknown flip method", zap.String("method", method))
		return nil
	}
}

func quoteProperty(v string) string {
	if !strings.ContainsAny(v, " \t\"'!") {
		return v
	}
	return strconv.Quote(v)
}

// ReadFrame blocks until the next JPEG image arrives. A clean pipeline exit
// is reported as ErrEndOfStream.
func (g *GStreamer) ReadFrame(ctx context.Context) (*Frame, error) {
	if g.reader == nil {
		return nil, ErrNotOpen
	}

	data, err := readJPEGFrame(g.reader, &g.bufferPool)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			werr := g.wait()
			if werr == nil && ctx.Err() == nil {
				g.logger.Info("GStreamer pipeline finished", zap.Stringer("source", g.src))
				return nil, ErrEndOfStream
			}
			return nil, fmt.Errorf("%w: pipeline exited: %v", ErrRead, werr)
		}
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode JPEG: %v", ErrRead, err)
	}

	g.frameCount++
	if g.frameCount%100 == 0 {
		g.logger.Debug("GStreamer frames captured",
			zap.Uint64("count", g.frameCount),
			zap.Int("frame_size", len(data)))
	}

	return &Frame{
		Seq:       g.frameCount,
		Timestamp: time.Now(),
		Image:     ToRGBA(img),
	}, nil
}

func (g *GStreamer) wait() error {
	if !g.waited {
		g.waitErr = g.cmd.Wait()
		g.waited = true
	}
	return g.waitErr
}

// Close stops the pipeline. It is safe to call repeatedly.
func (g *GStreamer) Close() error {
	if g.cmd == nil {
		return nil
	}

	g.logger.Info("Stopping GStreamer capture", zap.Stringer("source", g.src))

	g.cancel()
	// Unblock a pipeline stuck writing to a full pipe
	g.stdout.Close()
	err := g.wait()
	g.wg.Wait()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		g.logger.Warn("GStreamer wait error", zap.Error(err))
	}

	g.cmd = nil
	g.stdout = nil
	g.reader = nil
	g.cancel = nil
	g.src = source.Descriptor{}

	return nil
}

// readJPEGFrame reads a single JPEG frame from the stream
// JPEG frames are delimited by SOI (0xFFD8) and EOI (0xFFD9) markers
func readJPEGFrame(reader *bufio.Reader, pool *sync.Pool) ([]byte, error) {
	// Find Start Of Image marker (0xFF 0xD8)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}

		next, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if next != 0xD8 {
			if next == 0xFF {
				reader.UnreadByte()
			}
			continue
		}

		frame := pool.Get().([]byte)
		frame = frame[:0]
		frame = append(frame, 0xFF, 0xD8)

		// Read until End Of Image marker (0xFF 0xD9)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				pool.Put(frame)
				if err == io.EOF {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, err
			}

			frame = append(frame, b)

			if frame[len(frame)-2] == 0xFF && frame[len(frame)-1] == 0xD9 {
				result := make([]byte, len(frame))
				copy(result, frame)
				pool.Put(frame)
				return result, nil
			}

			if len(frame) > maxJPEGFrameSize {
				pool.Put(frame)
				return nil, fmt.Errorf("frame too large: %d bytes", len(frame))
			}
		}
	}
}
