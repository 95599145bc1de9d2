package detector

import (
	"sort"

	"hive-vision-streamer/config"
)

// Transform maps model input coordinates back onto the captured frame
type Transform struct {
	ScaleX float32
	ScaleY float32
	PadX   float32
	PadY   float32
	Width  float32
	Height float32
}

// StretchTransform describes a plain resize of a w x h frame to size x size
func StretchTransform(w, h, size int) Transform {
	return Transform{
		ScaleX: float32(size) / float32(w),
		ScaleY: float32(size) / float32(h),
		Width:  float32(w),
		Height: float32(h),
	}
}

// LetterboxTransform describes an aspect-preserving resize padded to size x size
func LetterboxTransform(w, h, size int) Transform {
	scale := float32(size) / float32(w)
	if s := float32(size) / float32(h); s < scale {
		scale = s
	}
	return Transform{
		ScaleX: scale,
		ScaleY: scale,
		PadX:   (float32(size) - float32(w)*scale) / 2,
		PadY:   (float32(size) - float32(h)*scale) / 2,
		Width:  float32(w),
		Height: float32(h),
	}
}

// DecodeYOLO turns a YOLOv8-style output tensor laid out as
// [4+numClasses][numBoxes] (cx, cy, w, h, class scores) into detections,
// applying the confidence threshold, per-class NMS and the detection cap.
func DecodeYOLO(data []float32, numClasses, numBoxes int, tf Transform, mode config.ModeConfig) []Detection {
	rows := 4 + numClasses
	if numClasses <= 0 || numBoxes <= 0 || len(data) < rows*numBoxes {
		return nil
	}

	conf := float32(mode.ConfidenceThreshold)
	candidates := make([]Detection, 0, 64)

	for i := 0; i < numBoxes; i++ {
		bestClass, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := data[(4+c)*numBoxes+i]; s > bestScore {
				bestClass, bestScore = c, s
			}
		}
		if bestClass < 0 || bestScore < conf {
			continue
		}

		cx := data[i]
		cy := data[numBoxes+i]
		w := data[2*numBoxes+i]
		h := data[3*numBoxes+i]

		x1 := (cx - w/2 - tf.PadX) / tf.ScaleX
		y1 := (cy - h/2 - tf.PadY) / tf.ScaleY
		x2 := (cx + w/2 - tf.PadX) / tf.ScaleX
		y2 := (cy + h/2 - tf.PadY) / tf.ScaleY

		x1, y1 = clamp(x1, tf.Width), clamp(y1, tf.Height)
		x2, y2 = clamp(x2, tf.Width), clamp(y2, tf.Height)
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		candidates = append(candidates, Detection{
			ClassID:    bestClass,
			Confidence: bestScore,
			Box:        Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1},
		})
	}

	return NonMaxSuppression(candidates, mode.IOUThreshold, mode.MaxDetections)
}

func clamp(v, upper float32) float32 {
	if v < 0 {
		return 0
	}
	if upper > 0 && v > upper {
		return upper
	}
	return v
}

// NonMaxSuppression keeps the highest scoring boxes, dropping any box whose
// IoU with a kept box of the same class exceeds iouThreshold. At most
// maxDetections results are returned, highest confidence first.
func NonMaxSuppression(dets []Detection, iouThreshold float64, maxDetections int) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && float64(IoU(k.Box, d.Box)) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}

	return kept
}

// IoU returns the intersection over union of two boxes
func IoU(a, b Box) float32 {
	x1 := max32(a.X, b.X)
	y1 := max32(a.Y, b.Y)
	x2 := min32(a.X+a.W, b.X+b.W)
	y2 := min32(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
