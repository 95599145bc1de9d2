package web

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"hive-vision-streamer/config"
	"hive-vision-streamer/mjpeg"
	"hive-vision-streamer/pipeline"
	"hive-vision-streamer/source"
)

type fakeController struct {
	mu       sync.Mutex
	requests []source.Descriptor
	state    pipeline.State
}

func (f *fakeController) Request(d source.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, d)
}

func (f *fakeController) Snapshot() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) last() (source.Descriptor, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return source.Descriptor{}, 0
	}
	return f.requests[len(f.requests)-1], len(f.requests)
}

type fakeProber struct{ cameras []int }

func (f *fakeProber) Probe(ctx context.Context) []int { return f.cameras }

type fixture struct {
	cfg        *config.Config
	controller *fakeController
	sink       *mjpeg.Sink
	mediaDir   string
	server     *Server
	http       *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config), cameras []int) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.Default()
	cfg.Stream.PollIntervalMS = 5
	if mutate != nil {
		mutate(cfg)
	}

	mediaDir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.avi", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(mediaDir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	f := &fixture{
		cfg:        cfg,
		controller: &fakeController{state: pipeline.State{Phase: pipeline.PhaseStreaming}},
		sink:       mjpeg.NewSink(),
		mediaDir:   mediaDir,
	}

	publisher := mjpeg.NewPublisher(f.sink, 5*time.Millisecond, time.Second, logger)
	t.Cleanup(func() { publisher.Close(context.Background()) })

	f.server = NewServer(cfg, Deps{
		Controller: f.controller,
		Prober:     &fakeProber{cameras: cameras},
		Media:      source.NewPlaylist(mediaDir, logger),
		Sink:       f.sink,
		Feed:       publisher,
		Version:    "test",
	}, logger)

	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, bearer string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var out map[string]interface{}
	json.Unmarshal(data, &out)
	return resp, out
}

func TestSetSource(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		want       source.Descriptor
	}{
		{name: "camera string", body: `{"source":"0"}`, wantStatus: 200, want: source.Camera(0)},
		{name: "camera integer", body: `{"source":2}`, wantStatus: 200, want: source.Camera(2)},
		{name: "media file", body: `{"source":"b.mp4"}`, wantStatus: 200, want: source.File(filepath.Join(f.mediaDir, "b.mp4"))},
		{name: "url", body: `{"source":"rtsp://10.0.0.5/live"}`, wantStatus: 200, want: source.URL("rtsp://10.0.0.5/live")},
		{name: "escaping path is opaque", body: `{"source":"../b.mp4"}`, wantStatus: 200, want: source.URL("../b.mp4")},
		{name: "empty string", body: `{"source":""}`, wantStatus: 400},
		{name: "negative index", body: `{"source":-1}`, wantStatus: 400},
		{name: "missing field", body: `{}`, wantStatus: 400},
		{name: "null", body: `{"source":null}`, wantStatus: 400},
		{name: "object", body: `{"source":{"a":1}}`, wantStatus: 400},
		{name: "bad json", body: `{"source":`, wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, before := f.controller.last()

			resp, out := f.do(t, http.MethodPost, "/set_source", tt.body, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, out)
			}

			got, after := f.controller.last()
			if tt.wantStatus != 200 {
				if out["error"] == nil || out["status"] != float64(tt.wantStatus) {
					t.Errorf("error body = %v", out)
				}
				if after != before {
					t.Error("rejected request reached the controller")
				}
				return
			}

			if got != tt.want {
				t.Errorf("requested %+v, want %+v", got, tt.want)
			}
			if out["status"] != "ok" || out["source"] != tt.want.String() {
				t.Errorf("response = %v", out)
			}
		})
	}
}

func TestSetSourceMethod(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp, out := f.do(t, http.MethodGet, "/set_source", "", "")
	if resp.StatusCode != http.StatusMethodNotAllowed || out["status"] != float64(405) {
		t.Errorf("GET /set_source = %d %v", resp.StatusCode, out)
	}
}

func TestScanDevices(t *testing.T) {
	tests := []struct {
		name        string
		cameras     []int
		wantCameras []interface{}
	}{
		{name: "cameras found", cameras: []int{0, 2}, wantCameras: []interface{}{float64(0), float64(2)}},
		{name: "no cameras", cameras: nil, wantCameras: []interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, tt.cameras)

			resp, out := f.do(t, http.MethodGet, "/scan_devices", "", "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}

			cameras, ok := out["cameras"].([]interface{})
			if !ok || len(cameras) != len(tt.wantCameras) {
				t.Fatalf("cameras = %v, want %v", out["cameras"], tt.wantCameras)
			}
			for i := range cameras {
				if cameras[i] != tt.wantCameras[i] {
					t.Errorf("cameras[%d] = %v, want %v", i, cameras[i], tt.wantCameras[i])
				}
			}

			files, _ := out["files"].([]interface{})
			if len(files) != 2 || files[0] != "a.avi" || files[1] != "b.mp4" {
				t.Errorf("files = %v, want [a.avi b.mp4]", out["files"])
			}
		})
	}
}

func TestControlEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Token = "s3cret"
		c.Notify.MQTT.Password = "hunter2"
	}, []int{0})

	for _, path := range []string{"/scan_devices", "/api/config"} {
		if resp, _ := f.do(t, http.MethodGet, path, "", ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}
	if resp, _ := f.do(t, http.MethodPost, "/set_source", `{"source":"0"}`, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("POST /set_source without token = %d, want 401", resp.StatusCode)
	}
	if _, n := f.controller.last(); n != 0 {
		t.Error("unauthorized request reached the controller")
	}

	resp, out := f.do(t, http.MethodGet, "/api/config", "", "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/config = %d", resp.StatusCode)
	}
	auth, _ := out["auth"].(map[string]interface{})
	if auth["token"] != "********" {
		t.Errorf("config leaks auth token: %v", auth["token"])
	}

	// Read-only endpoints stay open
	for _, path := range []string{"/api/status", "/api/stats", "/health"} {
		if resp, _ := f.do(t, http.MethodGet, path, "", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestStreamTokenFlow(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Auth.Token = "s3cret" }, nil)

	resp, out := f.do(t, http.MethodPost, "/api/token", "", "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/token = %d %v", resp.StatusCode, out)
	}
	token, _ := out["token"].(string)
	if token == "" || out["expires_at"] == nil {
		t.Fatalf("token response = %v", out)
	}

	f.sink.Publish([]byte{0xFF, 0xD8, 0xFF, 0xD9}, pipeline.FrameStats{FrameIndex: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/video_feed?token="+token, nil)
	feed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video_feed failed: %v", err)
	}
	defer feed.Body.Close()
	if feed.StatusCode != http.StatusOK {
		t.Fatalf("GET /video_feed with stream token = %d", feed.StatusCode)
	}

	if resp, _ := f.do(t, http.MethodGet, "/video_feed", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /video_feed without token = %d, want 401", resp.StatusCode)
	}
}

func TestAPITokenDisabled(t *testing.T) {
	f := newFixture(t, nil, nil)

	if resp, _ := f.do(t, http.MethodPost, "/api/token", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /api/token without auth = %d, want 404", resp.StatusCode)
	}
}

func TestVideoFeedThroughMiddleware(t *testing.T) {
	f := newFixture(t, nil, nil)
	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	f.sink.Publish(frame, pipeline.FrameStats{FrameIndex: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/video_feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video_feed failed: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	if err != nil {
		t.Fatalf("NextPart failed: %v", err)
	}
	got, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("reading part failed: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("part = %x, want %x", got, frame)
	}
}

func TestAPIStatsAndStatus(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, out := f.do(t, http.MethodGet, "/api/stats", "", "")
	if out["available"] != false {
		t.Errorf("stats before first frame = %v", out)
	}

	f.sink.Publish([]byte{0xFF, 0xD8}, pipeline.FrameStats{FrameIndex: 20, BeeCount: 3, HornetCount: 1, TotalBee: 9})
	_, out = f.do(t, http.MethodGet, "/api/stats", "", "")
	stats, _ := out["stats"].(map[string]interface{})
	if out["available"] != true || stats["bee_count"] != float64(3) || stats["total_bee"] != float64(9) {
		t.Errorf("stats = %v", out)
	}

	f.server.AddStatus("notifier", func() interface{} { return map[string]int{"sent": 4} })
	_, out = f.do(t, http.MethodGet, "/api/status", "", "")
	pipe, _ := out["pipeline"].(map[string]interface{})
	if pipe["phase"] != "streaming" {
		t.Errorf("pipeline = %v", out["pipeline"])
	}
	if out["version"] != "test" || out["notifier"] == nil || out["websocket"] == nil {
		t.Errorf("status = %v", out)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp, out := f.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, out)
	}

	f.controller.mu.Lock()
	f.controller.state.Phase = pipeline.PhaseStopped
	f.controller.mu.Unlock()

	resp, out = f.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable || out["phase"] != "stopped" {
		t.Errorf("health after stop = %d %v", resp.StatusCode, out)
	}
}

func TestHome(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp, _ := f.do(t, http.MethodGet, "/", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d", resp.StatusCode)
	}
	resp, out := f.do(t, http.MethodGet, "/nope", "", "")
	if resp.StatusCode != http.StatusNotFound || out["error"] == nil {
		t.Errorf("GET /nope = %d %v", resp.StatusCode, out)
	}
}
