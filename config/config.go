package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Mode preset names
const (
	ModeProduction = "production"
	ModeDemo       = "demo"
)

// Capture and detector backends
const (
	BackendOpenCV    = "opencv"
	BackendGStreamer = "gstreamer"
	BackendProcess   = "process"
)

// Config represents the application configuration
type Config struct {
	Mode     string         `toml:"mode" yaml:"mode" json:"mode"`
	Modes    ModesConfig    `toml:"modes" yaml:"modes" json:"modes"`
	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	Source   SourceConfig   `toml:"source" yaml:"source" json:"source"`
	Capture  CaptureConfig  `toml:"capture" yaml:"capture" json:"capture"`
	Detector DetectorConfig `toml:"detector" yaml:"detector" json:"detector"`
	Stream   StreamConfig   `toml:"stream" yaml:"stream" json:"stream"`
	Notify   NotifyConfig   `toml:"notify" yaml:"notify" json:"notify"`
	RTP      RTPConfig      `toml:"rtp" yaml:"rtp" json:"rtp"`
	WebRTC   WebRTCConfig   `toml:"webrtc" yaml:"webrtc" json:"webrtc"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth" json:"auth"`
	Timeouts TimeoutConfig  `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging" json:"logging"`
}

// ModeConfig holds the detection options of one preset. Values are static
// for the life of a pipeline run.
type ModeConfig struct {
	ImageSize           int     `toml:"image_size" yaml:"image_size" json:"image_size"`
	ConfidenceThreshold float64 `toml:"confidence_threshold" yaml:"confidence_threshold" json:"confidence_threshold"`
	IOUThreshold        float64 `toml:"iou_threshold" yaml:"iou_threshold" json:"iou_threshold"`
	FrameStride         int     `toml:"frame_stride" yaml:"frame_stride" json:"frame_stride"`
	MaxDetections       int     `toml:"max_detections" yaml:"max_detections" json:"max_detections"`
}

// ModesConfig holds both presets
type ModesConfig struct {
	Production ModeConfig `toml:"production" yaml:"production" json:"production"`
	Demo       ModeConfig `toml:"demo" yaml:"demo" json:"demo"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// SourceConfig describes where frames come from
type SourceConfig struct {
	MediaDir string `toml:"media_dir" yaml:"media_dir" json:"media_dir"`
	// Initial source adopted at startup; empty leaves the pipeline idle.
	Initial string `toml:"initial" yaml:"initial" json:"initial"`
}

// CaptureConfig holds capture backend settings
type CaptureConfig struct {
	Backend    string `toml:"backend" yaml:"backend" json:"backend"`
	ProbeCount int    `toml:"probe_count" yaml:"probe_count" json:"probe_count"`
	// Used by the gstreamer backend only
	Width      int    `toml:"width" yaml:"width" json:"width"`
	Height     int    `toml:"height" yaml:"height" json:"height"`
	FPS        int    `toml:"fps" yaml:"fps" json:"fps"`
	Quality    int    `toml:"quality" yaml:"quality" json:"quality"`
	FlipMethod string `toml:"flip_method" yaml:"flip_method" json:"flip_method"`
}

// DetectorConfig holds inference settings
type DetectorConfig struct {
	Backend                string   `toml:"backend" yaml:"backend" json:"backend"`
	ModelPath              string   `toml:"model_path" yaml:"model_path" json:"model_path"`
	WorkerCommand          []string `toml:"worker_command" yaml:"worker_command" json:"worker_command"`
	WorkerTimeoutMS        int      `toml:"worker_timeout_ms" yaml:"worker_timeout_ms" json:"worker_timeout_ms"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures" yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// StreamConfig holds MJPEG publisher settings
type StreamConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`
	WriteTimeoutMS int `toml:"write_timeout_ms" yaml:"write_timeout_ms" json:"write_timeout_ms"`
	JPEGQuality    int `toml:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// NotifyConfig holds the stats relay settings
type NotifyConfig struct {
	CollectorURL string     `toml:"collector_url" yaml:"collector_url" json:"collector_url"`
	Stride       int        `toml:"stride" yaml:"stride" json:"stride"`
	TimeoutMS    int        `toml:"timeout_ms" yaml:"timeout_ms" json:"timeout_ms"`
	MaxInFlight  int        `toml:"max_in_flight" yaml:"max_in_flight" json:"max_in_flight"`
	MQTT         MQTTConfig `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
}

// MQTTConfig holds MQTT telemetry settings
type MQTTConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Broker   string `toml:"broker" yaml:"broker" json:"broker"`
	Topic    string `toml:"topic" yaml:"topic" json:"topic"`
	ClientID string `toml:"client_id" yaml:"client_id" json:"client_id"`
	Username string `toml:"username" yaml:"username" json:"username"`
	Password string `toml:"password" yaml:"password" json:"password"`
}

// RTPConfig holds MJPEG-RTP relay settings
type RTPConfig struct {
	Enabled              bool             `toml:"enabled" yaml:"enabled" json:"enabled"`
	MTU                  int              `toml:"mtu" yaml:"mtu" json:"mtu"`
	FPS                  int              `toml:"fps" yaml:"fps" json:"fps"`
	StatsIntervalSeconds int              `toml:"stats_interval_seconds" yaml:"stats_interval_seconds" json:"stats_interval_seconds"`
	Destinations         []RTPDestination `toml:"destinations" yaml:"destinations" json:"destinations"`
}

// RTPDestination is a single UDP receiver
type RTPDestination struct {
	Name string `toml:"name" yaml:"name" json:"name"`
	Host string `toml:"host" yaml:"host" json:"host"`
	Port int    `toml:"port" yaml:"port" json:"port"`
	SSRC uint32 `toml:"ssrc" yaml:"ssrc" json:"ssrc"`
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	STUNServers     []string `toml:"stun_servers" yaml:"stun_servers" json:"stun_servers"`
	MaxClients      int      `toml:"max_clients" yaml:"max_clients" json:"max_clients"`
	SendBufferSize  int      `toml:"send_buffer_size" yaml:"send_buffer_size" json:"send_buffer_size"`
	StatsIntervalMS int      `toml:"stats_interval_ms" yaml:"stats_interval_ms" json:"stats_interval_ms"`
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	Token                 string `toml:"token" yaml:"token" json:"token"`
	StreamTokenTTLMinutes int    `toml:"stream_token_ttl_minutes" yaml:"stream_token_ttl_minutes" json:"stream_token_ttl_minutes"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ReconnectBackoffMS  int `toml:"reconnect_backoff_ms" yaml:"reconnect_backoff_ms" json:"reconnect_backoff_ms"`
	IdlePollMS          int `toml:"idle_poll_ms" yaml:"idle_poll_ms" json:"idle_poll_ms"`
	EOSPauseMS          int `toml:"eos_pause_ms" yaml:"eos_pause_ms" json:"eos_pause_ms"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" yaml:"level" json:"level"`
	Dir              string `toml:"dir" yaml:"dir" json:"dir"`
	MaxLogFiles      int    `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
	FrameLogInterval int    `toml:"frame_log_interval" yaml:"frame_log_interval" json:"frame_log_interval"`
}

// ProductionPreset favors a large stride and strict confidence to keep CPU low.
func ProductionPreset() ModeConfig {
	return ModeConfig{
		ImageSize:           320,
		ConfidenceThreshold: 0.35,
		IOUThreshold:        0.5,
		FrameStride:         10,
		MaxDetections:       10,
	}
}

// DemoPreset favors visual smoothness.
func DemoPreset() ModeConfig {
	return ModeConfig{
		ImageSize:           640,
		ConfidenceThreshold: 0.25,
		IOUThreshold:        0.45,
		FrameStride:         2,
		MaxDetections:       30,
	}
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Mode: ModeProduction,
		Modes: ModesConfig{
			Production: ProductionPreset(),
			Demo:       DemoPreset(),
		},
		Server: ServerConfig{
			WebPort:        8000,
			BindIP:         "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Source: SourceConfig{
			MediaDir: defaultDir(xdg.DataHome, "videos"),
		},
		Capture: CaptureConfig{
			Backend:    BackendOpenCV,
			ProbeCount: 5,
			Width:      640,
			Height:     480,
			FPS:        30,
			Quality:    85,
		},
		Detector: DetectorConfig{
			Backend:                BackendOpenCV,
			ModelPath:              "models/best.onnx",
			WorkerTimeoutMS:        2000,
			MaxConsecutiveFailures: 30,
		},
		Stream: StreamConfig{
			PollIntervalMS: 40,
			WriteTimeoutMS: 5000,
			JPEGQuality:    80,
		},
		Notify: NotifyConfig{
			Stride:      5,
			TimeoutMS:   100,
			MaxInFlight: 4,
			MQTT: MQTTConfig{
				Broker:   "localhost:1883",
				Topic:    "hive/detections",
				ClientID: "hive-vision",
			},
		},
		RTP: RTPConfig{
			MTU:                  1400,
			FPS:                  10,
			StatsIntervalSeconds: 30,
		},
		WebRTC: WebRTCConfig{
			STUNServers:     []string{"stun:stun.l.google.com:19302"},
			MaxClients:      4,
			SendBufferSize:  256,
			StatsIntervalMS: 500,
		},
		Auth: AuthConfig{
			StreamTokenTTLMinutes: 60,
		},
		Timeouts: TimeoutConfig{
			ReconnectBackoffMS:  1000,
			IdlePollMS:          500,
			EOSPauseMS:          500,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              defaultDir(xdg.StateHome, "logs"),
			MaxLogFiles:      20,
			FrameLogInterval: 50,
		},
	}
}

func defaultDir(base, name string) string {
	return filepath.Join(base, "hive-vision", name)
}

// DefaultConfigPath returns the XDG location of the config file
func DefaultConfigPath() (string, error) {
	return xdg.ConfigFile("hive-vision/config.toml")
}

// LoadConfig loads configuration from a TOML or YAML file. Missing files
// leave the defaults in place. Environment overrides are applied last.
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, err
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	applyEnv(config, os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func decodeFile(path string, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

func applyEnv(config *Config, getenv func(string) string) {
	if v := getenv("HIVE_MODE"); v != "" {
		config.Mode = v
	}
	if v := getenv("HIVE_MEDIA_DIR"); v != "" {
		config.Source.MediaDir = v
	}
	if v := getenv("HIVE_SOURCE"); v != "" {
		config.Source.Initial = v
	}
	if v := getenv("HIVE_MODEL_PATH"); v != "" {
		config.Detector.ModelPath = v
	}
	if v := getenv("HIVE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := getenv("HIVE_COLLECTOR_URL"); v != "" {
		config.Notify.CollectorURL = v
	}
	if v := getenv("HIVE_AUTH_TOKEN"); v != "" {
		config.Auth.Token = v
	}
	if v := getenv("HIVE_MQTT_BROKER"); v != "" {
		config.Notify.MQTT.Broker = v
		config.Notify.MQTT.Enabled = true
	}
	if v := getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.WebPort = port
		}
	}
}

// ActiveMode returns the preset selected by Mode
func (c *Config) ActiveMode() ModeConfig {
	if c.Mode == ModeDemo {
		return c.Modes.Demo
	}
	return c.Modes.Production
}

// Validate checks the settings the pipeline depends on
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeDemo:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	for name, m := range map[string]ModeConfig{ModeProduction: c.Modes.Production, ModeDemo: c.Modes.Demo} {
		if m.ImageSize <= 0 || m.FrameStride <= 0 || m.MaxDetections <= 0 {
			return fmt.Errorf("mode %s: image_size, frame_stride and max_detections must be positive", name)
		}
		if m.ConfidenceThreshold < 0 || m.ConfidenceThreshold > 1 || m.IOUThreshold < 0 || m.IOUThreshold > 1 {
			return fmt.Errorf("mode %s: thresholds must be within [0,1]", name)
		}
	}

	switch c.Capture.Backend {
	case BackendOpenCV, BackendGStreamer:
	default:
		return fmt.Errorf("unknown capture backend %q", c.Capture.Backend)
	}

	switch c.Detector.Backend {
	case BackendOpenCV:
	case BackendProcess:
		if len(c.Detector.WorkerCommand) == 0 {
			return fmt.Errorf("detector backend %q requires worker_command", BackendProcess)
		}
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}

	if c.Stream.PollIntervalMS <= 0 {
		return fmt.Errorf("stream poll_interval_ms must be positive")
	}
	if c.Stream.WriteTimeoutMS <= 0 {
		return fmt.Errorf("stream write_timeout_ms must be positive")
	}
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		return fmt.Errorf("invalid web_port %d", c.Server.WebPort)
	}

	return nil
}

// Redacted returns a copy safe to expose over the API
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.Token != "" {
		out.Auth.Token = "********"
	}
	if out.Notify.MQTT.Password != "" {
		out.Notify.MQTT.Password = "********"
	}
	return out
}

// SaveConfig saves the current configuration to a TOML file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
