// Package config holds the timberline configuration surface. Values are
// read through viper from timberline.yaml, TIMBERLINE_* environment variables
// and command-line flags, in that order of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete timberline configuration
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Model       ModelConfig       `mapstructure:"model" yaml:"model"`
	NMS         NMSConfig         `mapstructure:"nms" yaml:"nms"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Tracker     TrackerConfig     `mapstructure:"tracker" yaml:"tracker"`
	Interaction InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	Input       InputConfig       `mapstructure:"input" yaml:"input"`
	Status      StatusConfig      `mapstructure:"status" yaml:"status"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
}

// LogConfig controls structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is where timberline.log is written; empty means stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// CaptureConfig controls the frame producer
type CaptureConfig struct {
	// Source selects the frame source. Options: "directory"
	Source string `mapstructure:"source" yaml:"source"`
	// Dir is the directory replayed (or watched) by the directory source
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Watch publishes only newly written files instead of looping over the directory
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// IntervalMs is the delay between two grabs
	IntervalMs int `mapstructure:"interval_ms" yaml:"interval_ms"`
	// MonitorWidth and MonitorHeight describe the captured surface
	MonitorWidth  int `mapstructure:"monitor_width" yaml:"monitor_width"`
	MonitorHeight int `mapstructure:"monitor_height" yaml:"monitor_height"`
}

// ModelConfig controls the detector backend
type ModelConfig struct {
	// Provider selects the detector variant. Options: "onnx", "remote"
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Path is the ONNX model file
	Path string `mapstructure:"path" yaml:"path"`
	// LibraryPath overrides the onnxruntime shared library location
	LibraryPath string `mapstructure:"library_path" yaml:"library_path"`
	// InputSize is the square model input edge in pixels
	InputSize int `mapstructure:"input_size" yaml:"input_size"`
	// InputName and OutputName are the graph tensor names
	InputName  string `mapstructure:"input_name" yaml:"input_name"`
	OutputName string `mapstructure:"output_name" yaml:"output_name"`
	// Labels maps class ids to names
	Labels []string `mapstructure:"labels" yaml:"labels"`
	// Coords declares the box coordinate scale. Options: "pixels", "normalized", "auto"
	Coords string `mapstructure:"coords" yaml:"coords"`
	// Layout declares the output tensor layout. Options: "channels_first", "anchors_first"
	Layout string `mapstructure:"layout" yaml:"layout"`
	// IntraOpThreads bounds onnxruntime threads per session (0 = runtime default)
	IntraOpThreads int `mapstructure:"intra_op_threads" yaml:"intra_op_threads"`
	// RemoteAddr is host:port of the remote inference service
	RemoteAddr string `mapstructure:"remote_addr" yaml:"remote_addr"`
	// RemoteTimeoutMs bounds one remote inference round trip
	RemoteTimeoutMs int `mapstructure:"remote_timeout_ms" yaml:"remote_timeout_ms"`
}

// NMSConfig controls box merging
type NMSConfig struct {
	ConfThreshold float64 `mapstructure:"conf_threshold" yaml:"conf_threshold"`
	IoUThreshold  float64 `mapstructure:"iou_threshold" yaml:"iou_threshold"`
	// ClassAware restricts suppression to boxes of the same class
	ClassAware bool `mapstructure:"class_aware" yaml:"class_aware"`
}

// PipelineConfig controls the detection worker pool
type PipelineConfig struct {
	// Workers is the number of concurrent detection workers
	Workers int `mapstructure:"workers" yaml:"workers"`
	// IdleMs is the sleep when no fresh frame is available
	IdleMs int `mapstructure:"idle_ms" yaml:"idle_ms"`
	// PausedMs is the sleep while the pipeline is paused
	PausedMs int `mapstructure:"paused_ms" yaml:"paused_ms"`
}

// ScoreWeights weights the terms of the target score
type ScoreWeights struct {
	Confidence float64 `mapstructure:"confidence" yaml:"confidence"`
	Width      float64 `mapstructure:"width" yaml:"width"`
	Centrality float64 `mapstructure:"centrality" yaml:"centrality"`
}

// TrackerConfig controls target selection and tracking
type TrackerConfig struct {
	// Priority lists class labels from most to least preferred
	Priority []string `mapstructure:"priority" yaml:"priority"`
	// CenterZoneLeft and CenterZoneRight are fractions of the frame width
	CenterZoneLeft  float64 `mapstructure:"center_zone_left" yaml:"center_zone_left"`
	CenterZoneRight float64 `mapstructure:"center_zone_right" yaml:"center_zone_right"`
	// MinTargetWidth drops candidates narrower than this many pixels
	MinTargetWidth int `mapstructure:"min_target_width" yaml:"min_target_width"`
	// MaxWidthFraction drops candidates wider than fraction*frame width, per label
	MaxWidthFraction map[string]float64 `mapstructure:"max_width_fraction" yaml:"max_width_fraction"`
	// Weights maps label to score weights; "default" applies to unlisted labels
	Weights map[string]ScoreWeights `mapstructure:"weights" yaml:"weights"`
	// RotationThreshold is the allowed horizontal deviation in pixels
	RotationThreshold float64 `mapstructure:"rotation_threshold" yaml:"rotation_threshold"`
	// RotationScale converts pixel deviation to rotation magnitude
	RotationScale float64 `mapstructure:"rotation_scale" yaml:"rotation_scale"`
	// RotationJitter is the bound of the uniform jitter added to every rotation
	RotationJitter float64 `mapstructure:"rotation_jitter" yaml:"rotation_jitter"`
	// PersistenceIoU is the overlap needed to treat a detection as the same target
	PersistenceIoU float64 `mapstructure:"persistence_iou" yaml:"persistence_iou"`
	// SoftLockMs keeps a target without a match for this long
	SoftLockMs int `mapstructure:"soft_lock_ms" yaml:"soft_lock_ms"`
	// MaxTrackingTimeMs abandons a target tracked for longer than this
	MaxTrackingTimeMs int `mapstructure:"max_tracking_time_ms" yaml:"max_tracking_time_ms"`
	// TickIntervalMs is the control loop period
	TickIntervalMs int `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
}

// InteractionConfig controls the approach-and-use sequence
type InteractionConfig struct {
	MaxWalkTimeMs  int    `mapstructure:"max_walk_time_ms" yaml:"max_walk_time_ms"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	CooldownMs     int    `mapstructure:"cooldown_ms" yaml:"cooldown_ms"`
	ForwardKey     string `mapstructure:"forward_key" yaml:"forward_key"`
	InteractKey    string `mapstructure:"interact_key" yaml:"interact_key"`
	// IconX and IconY locate the availability icon pixel in frame coordinates
	IconX int `mapstructure:"icon_x" yaml:"icon_x"`
	IconY int `mapstructure:"icon_y" yaml:"icon_y"`
	// IconColor is the expected RGB value of the icon pixel
	IconColor []int `mapstructure:"icon_color" yaml:"icon_color"`
	// IconTolerance is the allowed per-channel difference
	IconTolerance int `mapstructure:"icon_tolerance" yaml:"icon_tolerance"`
	// PressMinMs and PressMaxMs bound the randomized key hold of a press
	PressMinMs int `mapstructure:"press_min_ms" yaml:"press_min_ms"`
	PressMaxMs int `mapstructure:"press_max_ms" yaml:"press_max_ms"`
}

// InputConfig selects where actuation commands go
type InputConfig struct {
	// Kind is one of "log" (dry run) or "mqtt"
	Kind string `mapstructure:"kind" yaml:"kind"`
}

// StatusConfig controls the HTTP status server
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// MQTTConfig controls the MQTT connection used by the event emitter and MQTT input
type MQTTConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker           string `mapstructure:"broker" yaml:"broker"`
	ClientID         string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix      string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS              int    `mapstructure:"qos" yaml:"qos"`
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			Dir:   "",
		},
		Capture: CaptureConfig{
			Source:        "directory",
			Dir:           "captures",
			Watch:         false,
			IntervalMs:    33,
			MonitorWidth:  2560,
			MonitorHeight: 1600,
		},
		Model: ModelConfig{
			Provider:        "onnx",
			Path:            "models/best.onnx",
			InputSize:       640,
			InputName:       "images",
			OutputName:      "output0",
			Labels:          []string{"tree", "trunk"},
			Coords:          "pixels",
			Layout:          "channels_first",
			IntraOpThreads:  0,
			RemoteAddr:      "127.0.0.1:7070",
			RemoteTimeoutMs: 2000,
		},
		NMS: NMSConfig{
			ConfThreshold: 0.5,
			IoUThreshold:  0.45,
			ClassAware:    false,
		},
		Pipeline: PipelineConfig{
			Workers:  2,
			IdleMs:   10,
			PausedMs: 100,
		},
		Tracker: TrackerConfig{
			Priority:        []string{"trunk", "tree"},
			CenterZoneLeft:  0.35,
			CenterZoneRight: 0.65,
			MinTargetWidth:  20,
			MaxWidthFraction: map[string]float64{
				"tree":  0.6,
				"trunk": 0.8,
			},
			Weights: map[string]ScoreWeights{
				"default": {Confidence: 100, Width: 1, Centrality: 200},
			},
			RotationThreshold: 30,
			RotationScale:     0.5,
			RotationJitter:    3,
			PersistenceIoU:    0.7,
			SoftLockMs:        500,
			MaxTrackingTimeMs: 5000,
			TickIntervalMs:    50,
		},
		Interaction: InteractionConfig{
			MaxWalkTimeMs:  4000,
			PollIntervalMs: 50,
			CooldownMs:     1500,
			ForwardKey:     "w",
			InteractKey:    "e",
			IconX:          1280,
			IconY:          1100,
			IconColor:      []int{255, 255, 255},
			IconTolerance:  20,
			PressMinMs:     40,
			PressMaxMs:     120,
		},
		Input: InputConfig{
			Kind: "log",
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		MQTT: MQTTConfig{
			Enabled:          false,
			Broker:           "tcp://localhost:1883",
			ClientID:         "timberline",
			TopicPrefix:      "timberline",
			QoS:              0,
			ConnectTimeoutMs: 5000,
		},
	}
}

// CaptureInterval returns the grab interval as a time.Duration
func (c *CaptureConfig) CaptureInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// RemoteTimeout returns the remote round-trip bound as a time.Duration
func (c *ModelConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutMs) * time.Millisecond
}

// Idle returns the no-fresh-frame sleep as a time.Duration
func (c *PipelineConfig) Idle() time.Duration {
	return time.Duration(c.IdleMs) * time.Millisecond
}

// Paused returns the paused sleep as a time.Duration
func (c *PipelineConfig) Paused() time.Duration {
	return time.Duration(c.PausedMs) * time.Millisecond
}

// SoftLock returns the soft lock window as a time.Duration
func (c *TrackerConfig) SoftLock() time.Duration {
	return time.Duration(c.SoftLockMs) * time.Millisecond
}

// MaxTrackingTime returns the tracking budget as a time.Duration
func (c *TrackerConfig) MaxTrackingTime() time.Duration {
	return time.Duration(c.MaxTrackingTimeMs) * time.Millisecond
}

// TickInterval returns the control loop period as a time.Duration
func (c *TrackerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// MaxWalkTime returns the walk budget as a time.Duration
func (c *InteractionConfig) MaxWalkTime() time.Duration {
	return time.Duration(c.MaxWalkTimeMs) * time.Millisecond
}

// PollInterval returns the icon poll period as a time.Duration
func (c *InteractionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Cooldown returns the post-interaction wait as a time.Duration
func (c *InteractionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// ConnectTimeout returns the broker connect bound as a time.Duration
func (c *MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Log defaults
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.dir", defaults.Log.Dir)

	// Capture defaults
	viper.SetDefault("capture.source", defaults.Capture.Source)
	viper.SetDefault("capture.dir", defaults.Capture.Dir)
	viper.SetDefault("capture.watch", defaults.Capture.Watch)
	viper.SetDefault("capture.interval_ms", defaults.Capture.IntervalMs)
	viper.SetDefault("capture.monitor_width", defaults.Capture.MonitorWidth)
	viper.SetDefault("capture.monitor_height", defaults.Capture.MonitorHeight)

	// Model defaults
	viper.SetDefault("model.provider", defaults.Model.Provider)
	viper.SetDefault("model.path", defaults.Model.Path)
	viper.SetDefault("model.library_path", defaults.Model.LibraryPath)
	viper.SetDefault("model.input_size", defaults.Model.InputSize)
	viper.SetDefault("model.input_name", defaults.Model.InputName)
	viper.SetDefault("model.output_name", defaults.Model.OutputName)
	viper.SetDefault("model.labels", defaults.Model.Labels)
	viper.SetDefault("model.coords", defaults.Model.Coords)
	viper.SetDefault("model.layout", defaults.Model.Layout)
	viper.SetDefault("model.intra_op_threads", defaults.Model.IntraOpThreads)
	viper.SetDefault("model.remote_addr", defaults.Model.RemoteAddr)
	viper.SetDefault("model.remote_timeout_ms", defaults.Model.RemoteTimeoutMs)

	// NMS defaults
	viper.SetDefault("nms.conf_threshold", defaults.NMS.ConfThreshold)
	viper.SetDefault("nms.iou_threshold", defaults.NMS.IoUThreshold)
	viper.SetDefault("nms.class_aware", defaults.NMS.ClassAware)

	// Pipeline defaults
	viper.SetDefault("pipeline.workers", defaults.Pipeline.Workers)
	viper.SetDefault("pipeline.idle_ms", defaults.Pipeline.IdleMs)
	viper.SetDefault("pipeline.paused_ms", defaults.Pipeline.PausedMs)

	// Tracker defaults
	viper.SetDefault("tracker.priority", defaults.Tracker.Priority)
	viper.SetDefault("tracker.center_zone_left", defaults.Tracker.CenterZoneLeft)
	viper.SetDefault("tracker.center_zone_right", defaults.Tracker.CenterZoneRight)
	viper.SetDefault("tracker.min_target_width", defaults.Tracker.MinTargetWidth)
	viper.SetDefault("tracker.max_width_fraction", defaults.Tracker.MaxWidthFraction)
	viper.SetDefault("tracker.weights", map[string]any{
		"default": map[string]any{
			"confidence": defaults.Tracker.Weights["default"].Confidence,
			"width":      defaults.Tracker.Weights["default"].Width,
			"centrality": defaults.Tracker.Weights["default"].Centrality,
		},
	})
	viper.SetDefault("tracker.rotation_threshold", defaults.Tracker.RotationThreshold)
	viper.SetDefault("tracker.rotation_scale", defaults.Tracker.RotationScale)
	viper.SetDefault("tracker.rotation_jitter", defaults.Tracker.RotationJitter)
	viper.SetDefault("tracker.persistence_iou", defaults.Tracker.PersistenceIoU)
	viper.SetDefault("tracker.soft_lock_ms", defaults.Tracker.SoftLockMs)
	viper.SetDefault("tracker.max_tracking_time_ms", defaults.Tracker.MaxTrackingTimeMs)
	viper.SetDefault("tracker.tick_interval_ms", defaults.Tracker.TickIntervalMs)

	// Interaction defaults
	viper.SetDefault("interaction.max_walk_time_ms", defaults.Interaction.MaxWalkTimeMs)
	viper.SetDefault("interaction.poll_interval_ms", defaults.Interaction.PollIntervalMs)
	viper.SetDefault("interaction.cooldown_ms", defaults.Interaction.CooldownMs)
	viper.SetDefault("interaction.forward_key", defaults.Interaction.ForwardKey)
	viper.SetDefault("interaction.interact_key", defaults.Interaction.InteractKey)
	viper.SetDefault("interaction.icon_x", defaults.Interaction.IconX)
	viper.SetDefault("interaction.icon_y", defaults.Interaction.IconY)
	viper.SetDefault("interaction.icon_color", defaults.Interaction.IconColor)
	viper.SetDefault("interaction.icon_tolerance", defaults.Interaction.IconTolerance)
	viper.SetDefault("interaction.press_min_ms", defaults.Interaction.PressMinMs)
	viper.SetDefault("interaction.press_max_ms", defaults.Interaction.PressMaxMs)

	// Input defaults
	viper.SetDefault("input.kind", defaults.Input.Kind)

	// Status defaults
	viper.SetDefault("status.enabled", defaults.Status.Enabled)
	viper.SetDefault("status.addr", defaults.Status.Addr)

	// MQTT defaults
	viper.SetDefault("mqtt.enabled", defaults.MQTT.Enabled)
	viper.SetDefault("mqtt.broker", defaults.MQTT.Broker)
	viper.SetDefault("mqtt.client_id", defaults.MQTT.ClientID)
	viper.SetDefault("mqtt.topic_prefix", defaults.MQTT.TopicPrefix)
	viper.SetDefault("mqtt.qos", defaults.MQTT.QoS)
	viper.SetDefault("mqtt.connect_timeout_ms", defaults.MQTT.ConnectTimeoutMs)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.normalizeLabels()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "timberline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timberline"
	}
	return filepath.Join(home, ".config", "timberline")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "timberline.yaml")
}

// normalizeLabels lowercases every class label. viper lowercases map keys
// but not list values, so labels are compared in lower case throughout.
func (c *Config) normalizeLabels() {
	lower := func(labels []string) {
		for i, l := range labels {
			labels[i] = strings.ToLower(strings.TrimSpace(l))
		}
	}
	lower(c.Model.Labels)
	lower(c.Tracker.Priority)

	if c.Tracker.MaxWidthFraction != nil {
		fracs := make(map[string]float64, len(c.Tracker.MaxWidthFraction))
		for l, f := range c.Tracker.MaxWidthFraction {
			fracs[strings.ToLower(l)] = f
		}
		c.Tracker.MaxWidthFraction = fracs
	}
	if c.Tracker.Weights != nil {
		weights := make(map[string]ScoreWeights, len(c.Tracker.Weights))
		for l, w := range c.Tracker.Weights {
			weights[strings.ToLower(l)] = w
		}
		c.Tracker.Weights = weights
	}
}

// WeightsFor returns the score weights for label, falling back to "default".
func (c *TrackerConfig) WeightsFor(label string) ScoreWeights {
	if w, ok := c.Weights[label]; ok {
		return w
	}
	return c.Weights["default"]
}
