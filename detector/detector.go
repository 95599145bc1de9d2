// Package detector defines the inference port used by the pipeline and the
// backends that implement it.
package detector

import (
	"context"
	"errors"
	"fmt"

	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
)

// ErrInference is returned when the model fails on a frame
var ErrInference = errors.New("inference failed")

// Class ids of the hive model
const (
	ClassHornet = 0
	ClassBee    = 1
)

// ClassName returns the label of a class id
func ClassName(id int) string {
	switch id {
	case ClassHornet:
		return "hornet"
	case ClassBee:
		return "bee"
	default:
		return fmt.Sprintf("class%d", id)
	}
}

// Box is a rectangle in pixel coordinates of the captured frame
type Box struct {
	X float32 `json:"x" msgpack:"x"`
	Y float32 `json:"y" msgpack:"y"`
	W float32 `json:"w" msgpack:"w"`
	H float32 `json:"h" msgpack:"h"`
}

// Detection is one object found in a frame
type Detection struct {
	ClassID    int     `json:"class_id" msgpack:"class_id"`
	Confidence float32 `json:"confidence" msgpack:"confidence"`
	Box        Box     `json:"box" msgpack:"box"`
}

// Detector runs the model on one frame. Implementations are not safe for
// concurrent use; the pipeline controller is the only caller.
type Detector interface {
	Detect(ctx context.Context, frame *camera.Frame, mode config.ModeConfig) ([]Detection, error)
	Close() error
}

// Count partitions detections into bee and hornet counts
func Count(detections []Detection) (bees, hornets int) {
	for _, d := range detections {
		switch d.ClassID {
		case ClassBee:
			bees++
		case ClassHornet:
			hornets++
		}
	}
	return bees, hornets
}
