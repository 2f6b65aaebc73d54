package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Device drivers.
const (
	DriverSim        = "sim"
	DriverRemoteGPIO = "remote_gpio"
)

// MaxBracketCount is the largest supported burst length.
const MaxBracketCount = 9

// DeviceConfig selects and opens the camera.
type DeviceConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`                   // "sim" or "remote_gpio"
	ID            string `yaml:"id" toml:"id"`                           // device to open; empty = first enumerated
	OpenTimeoutMs int    `yaml:"open_timeout_ms" toml:"open_timeout_ms"` // lock + open budget
	Resolution    string `yaml:"resolution" toml:"resolution"`           // "WxH"; empty = largest supported
}

// HDRConfig holds the bracketing preferences.
type HDRConfig struct {
	Enabled      *bool   `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	BracketCount int     `yaml:"bracket_count" toml:"bracket_count"` // frames per burst (1-9)
	ExposureStep int     `yaml:"exposure_step" toml:"exposure_step"` // 1 = 1 stop, 2 = 2/3 stop, 3 = 1/3 stop
	StepUp       float64 `yaml:"step_up" toml:"step_up"`             // explicit override, > 1
	StepDown     float64 `yaml:"step_down" toml:"step_down"`         // explicit override, in (0,1)

	SaveIntermediate bool   `yaml:"save_intermediate" toml:"save_intermediate"`
	Align            bool   `yaml:"align" toml:"align"`
	Algorithm        string `yaml:"algorithm" toml:"algorithm"` // passed to the merge backend
	Tonemap          string `yaml:"tonemap" toml:"tonemap"`     // passed to the merge backend
}

// CaptureConfig bounds a single photo sequence.
type CaptureConfig struct {
	SequenceTimeoutMs int `yaml:"sequence_timeout_ms" toml:"sequence_timeout_ms"`
}

// OutputConfig is where photos are written.
type OutputConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// MergeConfig describes the external merge tool.
// An empty command disables merging (frames are still saved).
type MergeConfig struct {
	Command   string   `yaml:"command" toml:"command"`
	Args      []string `yaml:"args" toml:"args"`
	TimeoutMs int      `yaml:"timeout_ms" toml:"timeout_ms"`
}

// JournalConfig locates the capture history database.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"` // empty = no journal
}

// RemoteGPIOConfig describes a DSLR driven through its remote release connector.
type RemoteGPIOConfig struct {
	FocusPin          int    `yaml:"focus_pin" toml:"focus_pin"`                   // GPIO pin for FOCUS line
	ShutterPin        int    `yaml:"shutter_pin" toml:"shutter_pin"`               // GPIO pin for SHUTTER line
	FocusDelayMs      int    `yaml:"focus_delay_ms" toml:"focus_delay_ms"`         // autofocus delay (ms)
	PostShotDelayMs   int    `yaml:"post_shot_delay_ms" toml:"post_shot_delay_ms"` // delay after each shot (ms)
	TetherDir         string `yaml:"tether_dir" toml:"tether_dir"`                 // where the tether tool drops images
	SettleMs          int    `yaml:"settle_ms" toml:"settle_ms"`                   // wait after last write before reading
	MeteredExposureMs int    `yaml:"metered_exposure_ms" toml:"metered_exposure_ms"`
	MinExposureMs     int    `yaml:"min_exposure_ms" toml:"min_exposure_ms"`
	MaxExposureMs     int    `yaml:"max_exposure_ms" toml:"max_exposure_ms"`
	ISO               int    `yaml:"iso" toml:"iso"`
	Resolution        string `yaml:"resolution" toml:"resolution"`
	// Note: GND is physically connected to Raspberry Pi ground
}

// SimConfig tunes the simulated camera.
type SimConfig struct {
	ShuffleSeed     int64 `yaml:"shuffle_seed" toml:"shuffle_seed"` // 0 = completions in request order
	AF              bool  `yaml:"af" toml:"af"`
	AE              bool  `yaml:"ae" toml:"ae"`
	FrameIntervalMs int   `yaml:"frame_interval_ms" toml:"frame_interval_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level" toml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio" toml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	LogFormat  string `yaml:"log_format" toml:"log_format"`   // "json" or "console"
}

// Config aggregates all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device" toml:"device"`
	HDR        HDRConfig        `yaml:"hdr" toml:"hdr"`
	Capture    CaptureConfig    `yaml:"capture" toml:"capture"`
	Output     OutputConfig     `yaml:"output" toml:"output"`
	Merge      MergeConfig      `yaml:"merge" toml:"merge"`
	Journal    JournalConfig    `yaml:"journal" toml:"journal"`
	RemoteGPIO RemoteGPIOConfig `yaml:"remote_gpio" toml:"remote_gpio"`
	Sim        SimConfig        `yaml:"sim" toml:"sim"`
	Defaults   DefaultsConfig   `yaml:"defaults" toml:"defaults"`
}

// ValidateConfigPath checks that path is a .yaml or .toml file directly inside
// a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	switch filepath.Ext(clean) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .toml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML or TOML file (chosen by extension) and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and the simulated device.
func Default() *Config {
	cfg := &Config{Device: DeviceConfig{Driver: DriverSim}}
	_ = cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() error {
	// Basic validation
	switch cfg.Device.Driver {
	case DriverSim, DriverRemoteGPIO:
	case "":
		return errors.New("device.driver is required")
	default:
		return fmt.Errorf("unsupported device.driver: %s", cfg.Device.Driver)
	}
	if cfg.Device.OpenTimeoutMs <= 0 {
		cfg.Device.OpenTimeoutMs = 2500 // lock + open budget
	}
	if cfg.Device.Resolution != "" {
		if err := validateResolution(cfg.Device.Resolution); err != nil {
			return fmt.Errorf("device.resolution: %w", err)
		}
	}

	if cfg.HDR.Enabled == nil {
		on := true
		cfg.HDR.Enabled = &on
	}
	if cfg.HDR.BracketCount == 0 {
		cfg.HDR.BracketCount = 3
	}
	if cfg.HDR.BracketCount < 1 || cfg.HDR.BracketCount > MaxBracketCount {
		return fmt.Errorf("hdr.bracket_count must be between 1 and %d, got %d", MaxBracketCount, cfg.HDR.BracketCount)
	}
	if cfg.HDR.ExposureStep == 0 {
		cfg.HDR.ExposureStep = 1
	}
	if cfg.HDR.ExposureStep < 1 || cfg.HDR.ExposureStep > 3 {
		return fmt.Errorf("hdr.exposure_step must be 1, 2 or 3, got %d", cfg.HDR.ExposureStep)
	}
	if cfg.HDR.StepUp != 0 && cfg.HDR.StepUp <= 1 {
		return fmt.Errorf("hdr.step_up must be > 1, got %g", cfg.HDR.StepUp)
	}
	if cfg.HDR.StepDown != 0 && (cfg.HDR.StepDown <= 0 || cfg.HDR.StepDown >= 1) {
		return fmt.Errorf("hdr.step_down must be between 0 and 1 (exclusive), got %g", cfg.HDR.StepDown)
	}

	if cfg.Capture.SequenceTimeoutMs <= 0 {
		cfg.Capture.SequenceTimeoutMs = 30000
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "photos"
	}
	if cfg.Merge.TimeoutMs <= 0 {
		cfg.Merge.TimeoutMs = 120000
	}

	if cfg.Device.Driver == DriverRemoteGPIO {
		if cfg.RemoteGPIO.FocusPin <= 0 || cfg.RemoteGPIO.ShutterPin <= 0 {
			return errors.New("remote_gpio.focus_pin and remote_gpio.shutter_pin are required")
		}
		if cfg.RemoteGPIO.FocusPin == cfg.RemoteGPIO.ShutterPin {
			return fmt.Errorf("remote_gpio focus and shutter pins must differ, both are %d", cfg.RemoteGPIO.FocusPin)
		}
		if cfg.RemoteGPIO.TetherDir == "" {
			return errors.New("remote_gpio.tether_dir is required")
		}
	}
	// Default values for remote release delays
	if cfg.RemoteGPIO.FocusDelayMs <= 0 {
		cfg.RemoteGPIO.FocusDelayMs = 500 // 500ms for autofocus
	}
	if cfg.RemoteGPIO.PostShotDelayMs <= 0 {
		cfg.RemoteGPIO.PostShotDelayMs = 300
	}
	if cfg.RemoteGPIO.SettleMs <= 0 {
		cfg.RemoteGPIO.SettleMs = 250
	}
	if cfg.RemoteGPIO.MinExposureMs <= 0 {
		cfg.RemoteGPIO.MinExposureMs = 1
	}
	if cfg.RemoteGPIO.MaxExposureMs <= 0 {
		cfg.RemoteGPIO.MaxExposureMs = 30000
	}
	if cfg.RemoteGPIO.MinExposureMs > cfg.RemoteGPIO.MaxExposureMs {
		return fmt.Errorf("remote_gpio.min_exposure_ms (%d) must be <= max_exposure_ms (%d)",
			cfg.RemoteGPIO.MinExposureMs, cfg.RemoteGPIO.MaxExposureMs)
	}
	if cfg.RemoteGPIO.MeteredExposureMs <= 0 {
		cfg.RemoteGPIO.MeteredExposureMs = 100
	}
	if cfg.RemoteGPIO.ISO <= 0 {
		cfg.RemoteGPIO.ISO = 200
	}
	if cfg.RemoteGPIO.Resolution == "" {
		cfg.RemoteGPIO.Resolution = "4288x2848"
	}
	if err := validateResolution(cfg.RemoteGPIO.Resolution); err != nil {
		return fmt.Errorf("remote_gpio.resolution: %w", err)
	}

	if cfg.Sim.FrameIntervalMs <= 0 {
		cfg.Sim.FrameIntervalMs = 5
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	switch cfg.Defaults.LogFormat {
	case "":
		cfg.Defaults.LogFormat = "json"
	case "json", "console":
	default:
		return fmt.Errorf("defaults.log_format must be json or console, got %q", cfg.Defaults.LogFormat)
	}
	return nil
}

func validateResolution(s string) error {
	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil {
		return fmt.Errorf("invalid resolution %q: %w", s, err)
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid resolution %q", s)
	}
	return nil
}

// Settings is the read-only capture configuration handed to a session.
type Settings struct {
	HDR          bool
	BracketCount int
	ExposureStep int
	// StepUp and StepDown are zero unless explicitly configured.
	StepUp           float64
	StepDown         float64
	SaveIntermediate bool
	Align            bool
	Algorithm        string
	Tonemap          string
}

// Settings derives the capture settings.
func (c *Config) Settings() Settings {
	return Settings{
		HDR:              c.HDREnabled(),
		BracketCount:     c.HDR.BracketCount,
		ExposureStep:     c.HDR.ExposureStep,
		StepUp:           c.HDR.StepUp,
		StepDown:         c.HDR.StepDown,
		SaveIntermediate: c.HDREnabled() && c.HDR.SaveIntermediate,
		Align:            c.HDR.Align,
		Algorithm:        c.HDR.Algorithm,
		Tonemap:          c.HDR.Tonemap,
	}
}

// HDREnabled reports whether photos are bracketed. Defaults to true.
func (c *Config) HDREnabled() bool {
	return c.HDR.Enabled == nil || *c.HDR.Enabled
}

// OpenTimeout returns the budget for acquiring and opening the device.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Device.OpenTimeoutMs) * time.Millisecond
}

// SequenceTimeout bounds one photo sequence, metering included.
func (c *Config) SequenceTimeout() time.Duration {
	return time.Duration(c.Capture.SequenceTimeoutMs) * time.Millisecond
}

// MergeTimeout bounds one merge backend call.
func (c *Config) MergeTimeout() time.Duration {
	return time.Duration(c.Merge.TimeoutMs) * time.Millisecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.RemoteGPIO.FocusDelayMs) * time.Millisecond
}

// PostShotDelay returns the delay after each shot.
func (c *Config) PostShotDelay() time.Duration {
	return time.Duration(c.RemoteGPIO.PostShotDelayMs) * time.Millisecond
}

// TetherSettle returns how long a tethered file must be quiet before it is read.
func (c *Config) TetherSettle() time.Duration {
	return time.Duration(c.RemoteGPIO.SettleMs) * time.Millisecond
}

// FrameInterval is the simulated device's preview frame period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Sim.FrameIntervalMs) * time.Millisecond
}
