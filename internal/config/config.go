// Package config loads the camera pipeline configuration shared by every
// binary: defaults, overlaid by a YAML file, overlaid by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one camera.
type Config struct {
	CameraID  string          `yaml:"camera_id"` // region name, MQTT topic segment
	Region    RegionConfig    `yaml:"region"`
	Flags     map[string]bool `yaml:"flags"` // initial flags set by the owner
	Owner     OwnerConfig     `yaml:"owner"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detector  DetectorConfig  `yaml:"detector"`
	Recording RecordingConfig `yaml:"recording"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Streamer  StreamerConfig  `yaml:"streamer"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RegionConfig sizes the shared region.
type RegionConfig struct {
	Dir       string `yaml:"dir"`
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
	MaxDepth  int    `yaml:"max_depth"`
	MaxBoxes  int    `yaml:"max_boxes"`
}

// OwnerConfig drives the process that creates and destroys the region.
type OwnerConfig struct {
	StartupDelay time.Duration `yaml:"startup_delay"` // pause before setting initial flags
	ExitGrace    time.Duration `yaml:"exit_grace"`    // wait for attached processes on shutdown
	StatsEvery   time.Duration `yaml:"stats_every"`   // periodic status log
	AttachWait   time.Duration `yaml:"attach_wait"`   // how long stages wait for the region
}

// CaptureConfig selects and paces the media source.
type CaptureConfig struct {
	Source      string  `yaml:"source"` // "pattern", a v4l2 index/device, a URL or a file
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FPS         float64 `yaml:"fps"`
	PixelFormat string  `yaml:"pixel_format"` // rawvideo format requested from ffmpeg
	FFmpeg      string  `yaml:"ffmpeg"`       // ffmpeg binary
	PipePath    string  `yaml:"pipe_path"`    // FIFO used when the pipe flag is set
}

// DetectorConfig points at the inference service.
type DetectorConfig struct {
	URL       string        `yaml:"url"`
	Threshold float64       `yaml:"threshold"`
	Rate      float64       `yaml:"rate"`
	Timeout   time.Duration `yaml:"timeout"`
	Quality   int           `yaml:"jpeg_quality"`
}

// RecordingConfig drives the recorder control loop.
type RecordingConfig struct {
	Path         string        `yaml:"path"`
	FPS          float64       `yaml:"fps"`           // control loop and output rate
	Tail         time.Duration `yaml:"tail"`          // keep recording after the last detection
	History      int           `yaml:"history"`       // consecutive positive cycles needed to start
	QueueSize    int           `yaml:"queue_size"`    // read and write queue capacity
	DrainTimeout time.Duration `yaml:"drain_timeout"` // bound on flushing the write queue
	SettleDelay  time.Duration `yaml:"settle_delay"`  // pause before closing the writer
	Quality      int           `yaml:"jpeg_quality"`
}

// ViewerConfig configures the HTTP live view.
type ViewerConfig struct {
	Addr    string  `yaml:"addr"`
	FPS     float64 `yaml:"fps"`
	Quality int     `yaml:"jpeg_quality"`
}

// StreamerConfig configures the WebRTC pull streamer.
type StreamerConfig struct {
	Addr       string   `yaml:"addr"`
	STUN       []string `yaml:"stun"`
	MaxClients int      `yaml:"max_clients"`
	ChunkSize  int      `yaml:"chunk_size"`
	Quality    int      `yaml:"jpeg_quality"`
}

// MQTTConfig configures the operator control plane. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// CatalogConfig locates the recordings database. An empty path disables it.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig maps stage names to their Prometheus listen address.
type MetricsConfig struct {
	Addrs map[string]string `yaml:"addrs"`
}

// LoggingConfig sets level, colour and per-stage log files.
type LoggingConfig struct {
	Level string            `yaml:"level"`
	Color bool              `yaml:"color"`
	Files map[string]string `yaml:"files"` // stage name -> log file, stderr when absent
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		CameraID: "camera0",
		Region: RegionConfig{
			Dir:       "/dev/shm",
			MaxWidth:  1280,
			MaxHeight: 720,
			MaxDepth:  3,
			MaxBoxes:  32,
		},
		Flags: map[string]bool{
			"run":     true,
			"capture": true,
			"yolo":    true,
			"record":  true,
			"mark":    true,
		},
		Owner: OwnerConfig{
			StartupDelay: time.Second,
			ExitGrace:    3 * time.Second,
			StatsEvery:   10 * time.Second,
			AttachWait:   30 * time.Second,
		},
		Capture: CaptureConfig{
			Source:      "0",
			Width:       1280,
			Height:      720,
			FPS:         25,
			PixelFormat: "rgb24",
			FFmpeg:      "ffmpeg",
			PipePath:    "/tmp/camera0.pipe",
		},
		Detector: DetectorConfig{
			URL:       "http://localhost:8000/detect",
			Threshold: 0.5,
			Rate:      5,
			Timeout:   5 * time.Second,
			Quality:   85,
		},
		Recording: RecordingConfig{
			Path:         "./recordings",
			FPS:          8,
			Tail:         10 * time.Second,
			History:      1,
			QueueSize:    1000,
			DrainTimeout: 30 * time.Second,
			SettleDelay:  time.Second,
			Quality:      85,
		},
		Viewer: ViewerConfig{
			Addr:    ":8080",
			FPS:     10,
			Quality: 75,
		},
		Streamer: StreamerConfig{
			Addr:       ":8081",
			STUN:       []string{"stun:stun.l.google.com:19302"},
			MaxClients: 10,
			ChunkSize:  16 * 1024,
			Quality:    75,
		},
		MQTT: MQTTConfig{
			ClientID:    "shmcam",
			TopicPrefix: "automatedhome/camera",
			QoS:         1,
		},
		Catalog: CatalogConfig{Path: "./recordings/catalog.db"},
		Metrics: MetricsConfig{Addrs: map[string]string{}},
		Logging: LoggingConfig{
			Level: "info",
			Color: true,
			Files: map[string]string{},
		},
	}
}

// Load overlays the YAML file at path onto the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values every stage relies on.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.CameraID == "" {
		errs = append(errs, errors.New("camera_id is required"))
	}
	r := cfg.Region
	if r.MaxWidth <= 0 || r.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("region size %dx%d must be positive", r.MaxWidth, r.MaxHeight))
	}
	if r.MaxDepth != 1 && r.MaxDepth != 3 {
		errs = append(errs, fmt.Errorf("region.max_depth must be 1 or 3, got %d", r.MaxDepth))
	}
	if r.MaxBoxes <= 0 {
		errs = append(errs, errors.New("region.max_boxes must be positive"))
	}
	if cfg.Recording.FPS <= 0 {
		errs = append(errs, errors.New("recording.fps must be positive"))
	}
	if cfg.Recording.History <= 0 {
		errs = append(errs, errors.New("recording.history must be positive"))
	}
	if cfg.Recording.QueueSize <= 0 {
		errs = append(errs, errors.New("recording.queue_size must be positive"))
	}
	if cfg.Capture.FPS <= 0 {
		errs = append(errs, errors.New("capture.fps must be positive"))
	}
	if cfg.Detector.Threshold < 0 || cfg.Detector.Threshold > 1 {
		errs = append(errs, fmt.Errorf("detector.threshold %.2f out of [0,1]", cfg.Detector.Threshold))
	}
	return errors.Join(errs...)
}

// Common holds the flags every binary accepts.
type Common struct {
	ConfigPath string
	CameraID   string
	LogLevel   string
	LogColor   bool
	LogFile    string
	Metrics    string
}

// RegisterCommon registers the shared command-line flags on fs.
func RegisterCommon(fs *flag.FlagSet, c *Common) {
	fs.StringVar(&c.ConfigPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.CameraID, "camera", "", "Camera id (region name), overrides camera_id")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", true, "Enable colored log output")
	fs.StringVar(&c.LogFile, "log-file", "", "Log file, overrides logging.files for this stage")
	fs.StringVar(&c.Metrics, "metrics", "", "Metrics address, overrides metrics.addrs for this stage")
}

// Stage is the resolved per-binary view of the configuration.
type Stage struct {
	*Config
	Name        string
	LogLevel    string
	LogColor    bool
	LogFile     string
	MetricsAddr string
}

// Resolve loads the configuration named by c and applies the flag overrides
// for the named stage.
func Resolve(stage string, c Common) (*Stage, error) {
	cfg, err := Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.CameraID != "" {
		cfg.CameraID = c.CameraID
	}
	s := &Stage{
		Config:      cfg,
		Name:        stage,
		LogLevel:    cfg.Logging.Level,
		LogColor:    cfg.Logging.Color && c.LogColor,
		LogFile:     cfg.Logging.Files[stage],
		MetricsAddr: cfg.Metrics.Addrs[stage],
	}
	if c.LogLevel != "" {
		s.LogLevel = c.LogLevel
	}
	if c.LogFile != "" {
		s.LogFile = c.LogFile
	}
	if c.Metrics != "" {
		s.MetricsAddr = c.Metrics
	}
	return s, nil
}
