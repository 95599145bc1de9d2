package mjpeg

import (
	"context"
	"sort"
	"testing"

	"go.uber.org/zap/zaptest"

	"hive-vision-streamer/config"
	"hive-vision-streamer/pipeline"
)

func TestRelayDisabled(t *testing.T) {
	r := NewRelay(config.RTPConfig{Enabled: false, Destinations: []config.RTPDestination{{Host: "127.0.0.1", Port: 5000}}}, NewSink(), zaptest.NewLogger(t))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.IsRunning() {
		t.Error("relay should not run when disabled")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestRelayStartsDestinations(t *testing.T) {
	receiverA, portA := newReceiver(t)
	receiverB, portB := newReceiver(t)
	sink := NewSink()

	cfg := config.RTPConfig{
		Enabled: true,
		FPS:     50,
		Destinations: []config.RTPDestination{
			{Name: "monitor", Host: "127.0.0.1", Port: portA, SSRC: 1},
			{Host: "127.0.0.1", Port: portB, SSRC: 2},
			{Name: "broken", Host: "", Port: 0},
		},
	}

	r := NewRelay(cfg, sink, zaptest.NewLogger(t))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	names := r.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "dest2" || names[1] != "monitor" {
		t.Fatalf("Names() = %v, want [dest2 monitor]", names)
	}

	if _, err := r.Streamer("monitor"); err != nil {
		t.Errorf("Streamer(monitor) failed: %v", err)
	}
	if _, err := r.Streamer("broken"); err == nil {
		t.Error("Streamer(broken) should fail")
	}

	// Every destination receives the same published frame
	sink.Publish(createTestJPEG(t, 64, 48, false), pipeline.FrameStats{FrameIndex: 1})
	receiveFrame(t, receiverA)
	receiveFrame(t, receiverB)

	stats := r.GetStats()
	if stats["active_destinations"] != 2 {
		t.Errorf("active_destinations = %v", stats["active_destinations"])
	}
}

func TestRelayStopIdempotent(t *testing.T) {
	_, port := newReceiver(t)
	r := NewRelay(config.RTPConfig{Enabled: true, Destinations: []config.RTPDestination{{Host: "127.0.0.1", Port: port}}}, NewSink(), zaptest.NewLogger(t))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !r.IsRunning() {
		t.Fatal("relay not running")
	}

	for i := 0; i < 2; i++ {
		if err := r.Stop(); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}
	if r.IsRunning() {
		t.Error("relay still running after Stop")
	}
}
