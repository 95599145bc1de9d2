package detector

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"

	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
)

// TestHelperWorker stands in for the inference worker. WORKER_MODE selects
// its behaviour: ok, error, hang or crash.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}

	mode := os.Getenv("WORKER_MODE")
	for {
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(os.Stdin, lengthBuf); err != nil {
			os.Exit(0)
		}
		data := make([]byte, binary.BigEndian.Uint32(lengthBuf))
		if _, err := io.ReadFull(os.Stdin, data); err != nil {
			os.Exit(1)
		}

		var req workerRequest
		if err := msgpack.Unmarshal(data, &req); err != nil {
			os.Exit(1)
		}

		resp := workerResponse{Seq: req.Seq}
		switch mode {
		case "hang":
			time.Sleep(time.Hour)
		case "crash":
			os.Exit(2)
		case "error":
			resp.Error = "model not loaded"
		default:
			resp.Detections = []Detection{
				{ClassID: ClassBee, Confidence: 0.8, Box: Box{X: 1, Y: 2, W: float32(req.Width), H: float32(req.Height)}},
			}
			if req.ImageSize == 640 {
				resp.Detections = append(resp.Detections, Detection{ClassID: ClassHornet, Confidence: 0.6})
			}
		}

		out, _ := msgpack.Marshal(&resp)
		binary.BigEndian.PutUint32(lengthBuf, uint32(len(out)))
		os.Stdout.Write(lengthBuf)
		os.Stdout.Write(out)
	}
}

func helperWorker(mode string) func(name string, args ...string) *exec.Cmd {
	return func(name string, args ...string) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperWorker", "--", name)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_WORKER=1", "WORKER_MODE="+mode)
		return cmd
	}
}

func newTestProcessDetector(t *testing.T, mode string, timeout time.Duration) *ProcessDetector {
	d, err := NewProcessDetector(ProcessConfig{Command: []string{"hive-worker"}, Timeout: timeout}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewProcessDetector failed: %v", err)
	}
	d.command = helperWorker(mode)
	t.Cleanup(func() { d.Close() })
	return d
}

func testFrame() *camera.Frame {
	return &camera.Frame{Seq: 1, Timestamp: time.Now(), Image: image.NewRGBA(image.Rect(0, 0, 64, 48))}
}

func TestProcessDetectorDetect(t *testing.T) {
	d := newTestProcessDetector(t, "ok", 5*time.Second)
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dets, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].ClassID != ClassBee || dets[0].Box.W != 64 || dets[0].Box.H != 48 {
		t.Errorf("unexpected detection %+v", dets[0])
	}

	// Mode parameters travel with every request
	dets, err = d.Detect(context.Background(), testFrame(), config.DemoPreset())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 2 {
		t.Errorf("got %d detections in demo mode, want 2", len(dets))
	}
}

func TestProcessDetectorWorkerError(t *testing.T) {
	d := newTestProcessDetector(t, "error", 5*time.Second)

	_, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset())
	if !errors.Is(err, ErrInference) {
		t.Fatalf("Detect error = %v, want ErrInference", err)
	}

	// A reported error keeps the worker alive
	if d.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", d.Restarts())
	}
}

func TestProcessDetectorTimeout(t *testing.T) {
	d := newTestProcessDetector(t, "hang", 200*time.Millisecond)

	start := time.Now()
	_, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset())
	if !errors.Is(err, ErrInference) {
		t.Fatalf("Detect error = %v, want ErrInference", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Detect took %v after timeout", elapsed)
	}

	// The hung worker is replaced on the next call
	d.command = helperWorker("ok")
	if _, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset()); err != nil {
		t.Fatalf("Detect after restart failed: %v", err)
	}
	if d.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", d.Restarts())
	}
}

func TestProcessDetectorCrash(t *testing.T) {
	d := newTestProcessDetector(t, "crash", 5*time.Second)

	if _, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset()); !errors.Is(err, ErrInference) {
		t.Fatalf("Detect error = %v, want ErrInference", err)
	}

	d.command = helperWorker("ok")
	if _, err := d.Detect(context.Background(), testFrame(), config.ProductionPreset()); err != nil {
		t.Fatalf("Detect after crash failed: %v", err)
	}
}

func TestProcessDetectorEmptyCommand(t *testing.T) {
	if _, err := NewProcessDetector(ProcessConfig{}, zaptest.NewLogger(t)); err == nil {
		t.Error("expected error for empty command")
	}
}
