package vision

import (
	"context"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Prober finds working camera indices by opening each one and reading a frame
type Prober struct {
	count  int
	logger *zap.Logger
}

// NewProber creates a prober that checks indices 0..count-1
func NewProber(count int, logger *zap.Logger) *Prober {
	return &Prober{count: count, logger: logger}
}

// Probe returns the indices that delivered a frame, in ascending order
func (p *Prober) Probe(ctx context.Context) []int {
	cameras := []int{}

	for i := 0; i < p.count; i++ {
		if ctx.Err() != nil {
			break
		}
		if p.check(i) {
			cameras = append(cameras, i)
		}
	}

	p.logger.Debug("Camera probe finished", zap.Ints("cameras", cameras))
	return cameras
}

func (p *Prober) check(index int) bool {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return false
	}
	defer vc.Close()

	if !vc.IsOpened() {
		return false
	}

	mat := gocv.NewMat()
	defer mat.Close()

	return vc.Read(&mat) && !mat.Empty()
}
