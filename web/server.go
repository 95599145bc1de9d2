package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"hive-vision-streamer/config"
)

// Deps are the components the web server exposes
type Deps struct {
	Controller SourceController
	Prober     DeviceProber
	Media      MediaLister
	Sink       SnapshotSource
	// Feed serves /video_feed
	Feed http.Handler
	// RTC serves WebRTC signaling on /rtc; nil disables it
	RTC     http.Handler
	Version string
}

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	handlers *Handlers
	hub      *Hub
	auth     *Auth
	deps     Deps
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "web"))
	auth := NewAuth(cfg.Auth.Token, time.Duration(cfg.Auth.StreamTokenTTLMinutes)*time.Minute)

	handlers := NewHandlers(cfg, deps.Controller, deps.Prober, deps.Media, deps.Sink, auth, logger)
	handlers.version = deps.Version

	hub := NewHub(deps.Sink,
		time.Duration(cfg.Stream.PollIntervalMS)*time.Millisecond,
		cfg.WebRTC.SendBufferSize,
		cfg.Server.AllowedOrigins,
		logger)
	handlers.AddStatus("websocket", func() interface{} { return hub.Stats() })

	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: handlers,
		hub:      hub,
		auth:     auth,
		deps:     deps,
	}
}

// AddStatus registers a component reported by /api/status
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.handlers.AddStatus(name, fn)
}

// Handler builds the routed and wrapped handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlers.HandleHome)

	// Stream endpoints take the bearer token or a stream JWT
	mux.Handle("/video_feed", s.auth.RequireStream(s.deps.Feed))
	mux.Handle("/ws", s.auth.RequireStream(s.hub))
	if s.deps.RTC != nil {
		mux.Handle("/rtc", s.auth.RequireStream(s.deps.RTC))
	}

	// Control endpoints
	mux.Handle("/set_source", s.auth.RequireToken(http.HandlerFunc(s.handlers.HandleSetSource)))
	mux.Handle("/scan_devices", s.auth.RequireToken(http.HandlerFunc(s.handlers.HandleScanDevices)))
	mux.Handle("/api/config", s.auth.RequireToken(http.HandlerFunc(s.handlers.HandleAPIConfig)))
	mux.Handle("/api/token", s.auth.RequireToken(http.HandlerFunc(s.handlers.HandleAPIToken)))

	// Read-only API
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/stats", s.handlers.HandleAPIStats)
	mux.HandleFunc("/health", s.handlers.HandleHealth)

	return s.addMiddleware(mux)
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// MJPEG and websocket responses are unbounded
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.hub.Start(ctx)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", listener.Addr().String()),
		zap.Bool("auth", s.auth.Enabled()),
		zap.Bool("webrtc", s.deps.RTC != nil))

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// addMiddleware adds CORS and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r)

		level := zap.InfoLevel
		if r.URL.Path == "/health" || r.URL.Path == "/api/stats" {
			level = zap.DebugLevel
		}
		if ce := s.logger.Check(level, "HTTP request"); ce != nil {
			ce.Write(
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", lw.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && origin == allowed {
			return origin
		}
	}
	return ""
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush lets the MJPEG publisher push parts through the wrapper
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Hijack lets websocket upgrades through the wrapper
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Stop stops the hub and shuts the server down. Long-lived stream handlers
// must be released by their owners first.
func (s *Server) Stop() error {
	s.logger.Info("Stopping web server")

	s.hub.Stop()

	if s.httpServer == nil {
		return nil
	}

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		s.httpServer.Close()
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
