package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hive-vision-streamer/annotate"
	"hive-vision-streamer/camera"
	"hive-vision-streamer/config"
	"hive-vision-streamer/detector"
	"hive-vision-streamer/mjpeg"
	"hive-vision-streamer/notify"
	"hive-vision-streamer/pipeline"
	"hive-vision-streamer/source"
	"hive-vision-streamer/vision"
	"hive-vision-streamer/web"
	"hive-vision-streamer/webrtc"
)

const (
	AppName    = "Hive Vision Streamer"
	AppVersion = "1.0.0"

	// The hive model knows hornets and bees
	modelClasses = 2
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	handle     camera.Handle
	detector   detector.Detector
	playlist   *source.Playlist
	sink       *mjpeg.Sink
	publisher  *mjpeg.Publisher
	relay      *mjpeg.Relay
	notifier   *notify.Notifier
	controller *pipeline.Controller
	rtcServer  *webrtc.Server
	webServer  *web.Server

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

func main() {
	// Parse command line flags
	var (
		configPath = flag.String("config", "", "Path to configuration file (TOML or YAML)")
		envFile    = flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		mode       = flag.String("mode", "", "Detection preset (production, demo)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Bee and hornet detection over a camera, file or network stream")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  HIVE_MODE, HIVE_WEB_PORT, HIVE_SOURCE, HIVE_MEDIA_DIR, HIVE_MODEL_PATH,")
		fmt.Println("  HIVE_COLLECTOR_URL, HIVE_AUTH_TOKEN, HIVE_LOG_LEVEL override the config file")
		os.Exit(0)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Printf("Failed to resolve config path: %v\n", err)
			os.Exit(1)
		}
		path = p
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	active := cfg.ActiveMode()
	logger.Info("Starting Hive Vision Streamer",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("config", path))

	logger.Info("Configuration loaded",
		zap.String("mode", cfg.Mode),
		zap.Int("imgsz", active.ImageSize),
		zap.Float64("conf", active.ConfidenceThreshold),
		zap.Float64("iou", active.IOUThreshold),
		zap.Int("stride", active.FrameStride),
		zap.Int("max_det", active.MaxDetections),
		zap.String("capture_backend", cfg.Capture.Backend),
		zap.String("detector_backend", cfg.Detector.Backend),
		zap.Int("web_port", cfg.Server.WebPort))

	// Create application
	app := NewApplication(cfg, logger)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Start application
	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal or a fatal pipeline error
	exitCode := 0
	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-app.Errors():
		logger.Error("Pipeline failed", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		exitCode = 1
	}

	logger.Info("Shutdown complete")
	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Errors delivers the error that ended the pipeline, if any
func (a *Application) Errors() <-chan error {
	return a.errCh
}

// Start builds and starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	if err := a.initializeSource(); err != nil {
		return fmt.Errorf("failed to initialize source: %w", err)
	}

	if err := a.initializeInference(); err != nil {
		return fmt.Errorf("failed to initialize inference: %w", err)
	}

	a.initializeOutputs()

	if err := a.initializeNotifier(); err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	a.initializeController()
	a.initializeWebServer()

	if err := a.startComponents(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_address", a.webServer.Addr().String()),
		zap.String("media_dir", a.playlist.Dir()),
		zap.Bool("webrtc", a.rtcServer != nil),
		zap.Int("rtp_destinations", len(a.config.RTP.Destinations)))

	return nil
}

// initializeSource prepares the media directory and the capture backend
func (a *Application) initializeSource() error {
	dir := a.config.Source.MediaDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create media dir %s: %w", dir, err)
	}
	a.playlist = source.NewPlaylist(dir, a.logger)

	switch a.config.Capture.Backend {
	case config.BackendGStreamer:
		a.handle = camera.NewGStreamer(&camera.GStreamerConfig{
			Width:      a.config.Capture.Width,
			Height:     a.config.Capture.Height,
			FPS:        a.config.Capture.FPS,
			Quality:    a.config.Capture.Quality,
			FlipMethod: a.config.Capture.FlipMethod,
		}, a.logger)
	default:
		a.handle = vision.NewCapture(a.config.Capture.Width, a.config.Capture.Height,
			a.logger.With(zap.String("component", "capture")))
	}

	a.logger.Info("Capture backend ready", zap.String("backend", a.config.Capture.Backend))
	return nil
}

// initializeInference loads the detector backend
func (a *Application) initializeInference() error {
	switch a.config.Detector.Backend {
	case config.BackendProcess:
		d, err := detector.NewProcessDetector(detector.ProcessConfig{
			Command:     a.config.Detector.WorkerCommand,
			Timeout:     time.Duration(a.config.Detector.WorkerTimeoutMS) * time.Millisecond,
			JPEGQuality: a.config.Stream.JPEGQuality,
		}, a.logger)
		if err != nil {
			return err
		}
		if err := d.Start(); err != nil {
			// Retried on the first frame
			a.logger.Warn("Inference worker did not start", zap.Error(err))
		}
		a.detector = d
	default:
		d, err := vision.NewDNNDetector(a.config.Detector.ModelPath, modelClasses,
			a.logger.With(zap.String("component", "dnn_detector")))
		if err != nil {
			return err
		}
		a.detector = d
	}

	a.logger.Info("Detector ready", zap.String("backend", a.config.Detector.Backend))
	return nil
}

// initializeOutputs creates the frame sink and everything reading from it
func (a *Application) initializeOutputs() {
	a.sink = mjpeg.NewSink()
	a.publisher = mjpeg.NewPublisher(a.sink,
		time.Duration(a.config.Stream.PollIntervalMS)*time.Millisecond,
		time.Duration(a.config.Stream.WriteTimeoutMS)*time.Millisecond,
		a.logger)

	if a.config.RTP.Enabled {
		a.relay = mjpeg.NewRelay(a.config.RTP, a.sink, a.logger)
	}

	if a.config.WebRTC.Enabled {
		a.rtcServer = webrtc.NewServer(&a.config.WebRTC, a.config.Server.AllowedOrigins, a.sink, a.logger)
	}
}

// initializeNotifier wires the collector and MQTT sinks
func (a *Application) initializeNotifier() error {
	var sinks []notify.Sink

	if url := a.config.Notify.CollectorURL; url != "" {
		sinks = append(sinks, notify.NewHTTPSink(url))
	}

	if a.config.Notify.MQTT.Enabled {
		m := notify.NewMQTTSink(a.config.Notify.MQTT, a.logger)
		if err := m.Connect(); err != nil {
			// paho keeps retrying in the background
			a.logger.Warn("MQTT broker unreachable, will keep retrying",
				zap.String("broker", a.config.Notify.MQTT.Broker), zap.Error(err))
		}
		sinks = append(sinks, m)
	}

	a.notifier = notify.New(sinks,
		time.Duration(a.config.Notify.TimeoutMS)*time.Millisecond,
		a.config.Notify.MaxInFlight,
		a.logger)

	a.logger.Info("Notifier ready", zap.Int("sinks", len(sinks)))
	return nil
}

// initializeController creates the pipeline and queues the initial source
func (a *Application) initializeController() {
	a.controller = pipeline.NewController(pipeline.OptionsFromConfig(a.config), pipeline.Components{
		Handle:   a.handle,
		Detector: a.detector,
		Playlist: a.playlist,
		Renderer: annotate.NewAnnotator(a.config.Stream.JPEGQuality),
		Sink:     a.sink,
		Notifier: a.notifier,
	}, a.logger)

	initial := a.config.Source.Initial
	if initial == "" {
		a.logger.Info("No initial source, waiting for /set_source")
		return
	}

	d, err := source.Resolve(initial, a.playlist.Dir())
	if err != nil {
		a.logger.Warn("Ignoring invalid initial source", zap.String("source", initial), zap.Error(err))
		return
	}
	a.controller.Request(d)
}

// initializeWebServer creates the main web server
func (a *Application) initializeWebServer() {
	deps := web.Deps{
		Controller: a.controller,
		Prober:     vision.NewProber(a.config.Capture.ProbeCount, a.logger.With(zap.String("component", "prober"))),
		Media:      a.playlist,
		Sink:       a.sink,
		Feed:       a.publisher,
		Version:    AppVersion,
	}
	if a.rtcServer != nil {
		deps.RTC = a.rtcServer.Handler()
	}

	a.webServer = web.NewServer(a.config, deps, a.logger)
	a.webServer.AddStatus("mjpeg", func() interface{} { return a.publisher.Stats() })
	a.webServer.AddStatus("notifier", func() interface{} { return a.notifier.Stats() })
	if a.relay != nil {
		a.webServer.AddStatus("rtp", func() interface{} { return a.relay.GetStats() })
	}
	if a.rtcServer != nil {
		a.webServer.AddStatus("webrtc", func() interface{} { return a.rtcServer.GetStats() })
	}
}

// startComponents starts the outputs, the web server and the pipeline
func (a *Application) startComponents(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start RTP relay: %w", err)
		}
	}

	if a.rtcServer != nil {
		if err := a.rtcServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start WebRTC server: %w", err)
		}
	}

	if err := a.webServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	a.wg.Add(1)
	go a.runPipeline(ctx)

	return nil
}

// runPipeline runs the controller and reports a fatal detector failure
func (a *Application) runPipeline(ctx context.Context) {
	defer a.wg.Done()

	err := a.controller.Run(ctx)
	if err == nil {
		return
	}

	if errors.Is(err, pipeline.ErrDetectorFailed) {
		a.logger.Error("Detector failed repeatedly, stopping", zap.Error(err))
	}
	select {
	case a.errCh <- err:
	default:
	}
}

// Stop gracefully stops all application components. MJPEG clients are
// released before the web server shuts down so Shutdown does not wait on them.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.cancel != nil {
		a.cancel()
	}

	// Wait for the pipeline to release the capture handle
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("Pipeline stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached waiting for pipeline")
	}

	var errs []error

	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mjpeg publisher: %w", err))
		}
	}

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("web server: %w", err))
		}
	}

	if a.rtcServer != nil {
		if err := a.rtcServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("webrtc server: %w", err))
		}
	}

	if a.relay != nil {
		if err := a.relay.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("rtp relay: %w", err))
		}
	}

	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("Notifier did not drain", zap.Error(err))
		}
	}

	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detector: %w", err))
		}
	}

	return errors.Join(errs...)
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file in cfg.Dir
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errOutputs := []string{"stderr"}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(cfg.Dir, fmt.Sprintf("hive-vision-%s.log", ts))

		keep := cfg.MaxLogFiles
		if keep <= 0 {
			keep = 20
		}
		files, _ := filepath.Glob(filepath.Join(cfg.Dir, "hive-vision-*.log"))
		if len(files) >= keep {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-keep+1] {
				_ = os.Remove(f)
			}
		}

		outputs = append(outputs, logFile)
		errOutputs = append(errOutputs, logFile)
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errOutputs,
	}

	return zcfg.Build()
}
