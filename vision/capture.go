// Package vision holds the OpenCV backed capture and detection backends.
package vision

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"hive-vision-streamer/camera"
	"hive-vision-streamer/source"
)

// Capture reads frames through OpenCV's VideoCapture
type Capture struct {
	logger *zap.Logger
	width  int
	height int

	vc         *gocv.VideoCapture
	mat        gocv.Mat
	src        source.Descriptor
	frameCount uint64
}

// NewCapture creates an OpenCV capture. width and height are requested
// from cameras and ignored for files.
func NewCapture(width, height int, logger *zap.Logger) *Capture {
	return &Capture{
		logger: logger,
		width:  width,
		height: height,
	}
}

// Open opens src, closing any previous source
func (c *Capture) Open(ctx context.Context, src source.Descriptor) error {
	c.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	var target interface{}
	switch src.Kind {
	case source.KindCamera:
		target = src.Index
	case source.KindFile:
		if _, err := os.Stat(src.Path); err != nil {
			return fmt.Errorf("%w: %s: %v", camera.ErrOpen, src.Path, err)
		}
		target = src.Path
	case source.KindURL:
		target = src.Path
	default:
		return fmt.Errorf("%w: no source", camera.ErrOpen)
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", camera.ErrOpen, src, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("%w: %s", camera.ErrOpen, src)
	}

	// Keep latency low on live sources
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if src.Kind == source.KindCamera && c.width > 0 && c.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	}

	c.vc = vc
	c.mat = gocv.NewMat()
	c.src = src

	c.logger.Info("Opened capture",
		zap.Stringer("source", src),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)))

	return nil
}

// ReadFrame returns the next frame. A file that has played to its last
// frame reports ErrEndOfStream.
func (c *Capture) ReadFrame(ctx context.Context) (*camera.Frame, error) {
	if c.vc == nil {
		return nil, camera.ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		if c.src.Kind == source.KindFile {
			pos := c.vc.Get(gocv.VideoCapturePosFrames)
			total := c.vc.Get(gocv.VideoCaptureFrameCount)
			if total <= 0 || pos >= total {
				return nil, camera.ErrEndOfStream
			}
		}
		return nil, fmt.Errorf("%w: %s", camera.ErrRead, c.src)
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to convert frame: %v", camera.ErrRead, err)
	}

	c.frameCount++
	return &camera.Frame{
		Seq:       c.frameCount,
		Timestamp: time.Now(),
		Image:     camera.ToRGBA(img),
	}, nil
}

// Close releases the device. It is safe to call repeatedly.
func (c *Capture) Close() error {
	if c.vc == nil {
		return nil
	}

	err := c.vc.Close()
	c.mat.Close()
	c.vc = nil
	c.src = source.Descriptor{}

	c.logger.Debug("Closed capture")
	return err
}
