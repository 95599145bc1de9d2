package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
	"hive-vision-streamer/detector"
)

// DNNDetector runs a YOLOv8 ONNX export through OpenCV's dnn module
type DNNDetector struct {
	mu         sync.Mutex
	net        gocv.Net
	numClasses int
	logger     *zap.Logger
}

// NewDNNDetector loads the model at path
func NewDNNDetector(path string, numClasses int, logger *zap.Logger) (*DNNDetector, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", path)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		logger.Warn("Failed to set DNN backend", zap.Error(err))
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		logger.Warn("Failed to set DNN target", zap.Error(err))
	}

	logger.Info("Loaded detection model", zap.String("path", path), zap.Int("classes", numClasses))

	return &DNNDetector{
		net:        net,
		numClasses: numClasses,
		logger:     logger,
	}, nil
}

// Detect runs one forward pass at the mode's input size
func (d *DNNDetector) Detect(ctx context.Context, frame *camera.Frame, mode config.ModeConfig) ([]detector.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to convert frame: %v", detector.ErrInference, err)
	}
	defer img.Close()

	size := mode.ImageSize
	// The Mat holds BGR; the model expects RGB
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	// YOLOv8 output is [1, 4+classes, boxes]
	dims := out.Size()
	if len(dims) != 3 || dims[1] != 4+d.numClasses {
		return nil, fmt.Errorf("%w: unexpected output shape %v", detector.ErrInference, dims)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrInference, err)
	}

	bounds := frame.Image.Bounds()
	tf := detector.StretchTransform(bounds.Dx(), bounds.Dy(), size)

	return detector.DecodeYOLO(data, d.numClasses, dims[2], tf, mode), nil
}

// Close frees the network
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
