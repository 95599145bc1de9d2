package camera

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"time"

	"hive-vision-streamer/source"
)

var (
	// ErrOpen means the source could not be reached at all
	ErrOpen = errors.New("failed to open source")
	// ErrRead is a transient mid-stream failure
	ErrRead = errors.New("failed to read frame")
	// ErrEndOfStream signals a clean end of data. It is not a failure.
	ErrEndOfStream = errors.New("end of stream")
	// ErrNotOpen is returned by ReadFrame before Open or after Close
	ErrNotOpen = errors.New("capture not open")
)

// Frame is one decoded capture
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Handle owns at most one open connection to a frame source. Close must be
// idempotent and must not prevent a later Open.
type Handle interface {
	Open(ctx context.Context, src source.Descriptor) error
	ReadFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// ToRGBA returns img as *image.RGBA, converting when needed
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
