package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/config"
	"hive-vision-streamer/mjpeg"
	"hive-vision-streamer/pipeline"
	"hive-vision-streamer/source"
)

const maxControlBody = 4096

// SourceController accepts source change requests
type SourceController interface {
	Request(d source.Descriptor)
	Snapshot() pipeline.State
}

// DeviceProber finds usable camera indices
type DeviceProber interface {
	Probe(ctx context.Context) []int
}

// MediaLister lists playable files
type MediaLister interface {
	Dir() string
	List() ([]string, error)
}

// SnapshotSource exposes the latest published frame
type SnapshotSource interface {
	Latest() (mjpeg.Snapshot, bool)
}

// StatusFunc reports the state of one component for /api/status
type StatusFunc func() interface{}

// Handlers manages HTTP request handlers
type Handlers struct {
	config     *config.Config
	logger     *zap.Logger
	controller SourceController
	prober     DeviceProber
	media      MediaLister
	sink       SnapshotSource
	auth       *Auth
	version    string
	startedAt  time.Time

	mu     sync.RWMutex
	status map[string]StatusFunc
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, controller SourceController, prober DeviceProber, media MediaLister, sink SnapshotSource, auth *Auth, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:     cfg,
		logger:     logger,
		controller: controller,
		prober:     prober,
		media:      media,
		sink:       sink,
		auth:       auth,
		startedAt:  time.Now(),
		status:     make(map[string]StatusFunc),
	}
}

// AddStatus registers a component reported by /api/status
func (h *Handlers) AddStatus(name string, fn StatusFunc) {
	h.mu.Lock()
	h.status[name] = fn
	h.mu.Unlock()
}

// HandleHome lists the endpoints
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeErrorResponse(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Hive vision streamer %s\n\n", h.version)
	fmt.Fprintln(w, "GET  /video_feed    annotated MJPEG stream")
	fmt.Fprintln(w, "POST /set_source    {\"source\": \"0\" | \"clip.mp4\" | \"rtsp://...\"}")
	fmt.Fprintln(w, "GET  /scan_devices  cameras and video files")
	fmt.Fprintln(w, "GET  /ws            live detection updates")
	fmt.Fprintln(w, "GET  /api/status    pipeline status")
}

type setSourceRequest struct {
	Source json.RawMessage `json:"source"`
}

// HandleSetSource resolves the requested source and hands it to the
// controller. The switch happens asynchronously; the last request wins.
func (h *Handlers) HandleSetSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req setSourceRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(&req); err != nil {
		writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	d, err := source.ResolveJSON(req.Source, h.media.Dir())
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.controller.Request(d)
	h.logger.Info("Source change requested",
		zap.Stringer("source", d),
		zap.Stringer("kind", d.Kind),
		zap.String("remote_addr", r.RemoteAddr))

	h.writeJSONResponse(w, map[string]interface{}{
		"status": "ok",
		"source": d.String(),
	})
}

// HandleScanDevices reports usable cameras and the media playlist
func (h *Handlers) HandleScanDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := h.media.List()
	if err != nil {
		h.logger.Error("Failed to list media files", zap.Error(err))
		writeErrorResponse(w, "Failed to list media files", http.StatusInternalServerError)
		return
	}

	cameras := h.prober.Probe(r.Context())
	if cameras == nil {
		cameras = []int{}
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"cameras": cameras,
		"files":   files,
	})
}

// HandleAPIStatus returns the pipeline snapshot and component stats
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"pipeline":       h.controller.Snapshot(),
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.status))
	for name := range h.status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status[name] = h.status[name]()
	}
	h.mu.RUnlock()

	h.writeJSONResponse(w, status)
}

// HandleAPIStats returns the stats of the latest published frame
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.sink.Latest()
	h.writeJSONResponse(w, map[string]interface{}{
		"available": ok,
		"sequence":  snap.Seq,
		"stats":     snap.Stats,
	})
}

// HandleAPIConfig returns the configuration without secrets
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config.Redacted())
}

// HandleAPIToken issues a short-lived stream token
func (h *Handlers) HandleAPIToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.auth.Enabled() {
		writeErrorResponse(w, "Authentication is disabled", http.StatusNotFound)
		return
	}

	token, expires, err := h.auth.GenerateStreamToken()
	if err != nil {
		h.logger.Error("Failed to issue stream token", zap.Error(err))
		writeErrorResponse(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.controller.Snapshot()

	status := "ok"
	code := http.StatusOK
	if state.Phase == pipeline.PhaseStopped {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"phase":     state.Phase,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		writeErrorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(body, '\n'))
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
