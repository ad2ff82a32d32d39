// Package config loads scrollshot settings from a YAML file, applies
// defaults and environment overrides, and validates the result.
//
//	db_path: var/scrollshot.db
//	devtools:
//	  ports: [9222, 9223]
//	  launch: true
//	capture:
//	  budget: 60s
//	  workers: 4
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scrollshot/align"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	DBPath    string          `yaml:"db_path" validate:"required"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	DevTools  DevToolsConfig  `yaml:"devtools"`
	Screen    ScreenConfig    `yaml:"screen"`
	Reference ReferenceConfig `yaml:"reference"`
	Align     align.Options   `yaml:"align"`
	Capture   CaptureConfig   `yaml:"capture"`
	Queue     QueueConfig     `yaml:"queue"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ArtifactConfig locates stored screenshots.
type ArtifactConfig struct {
	Root    string `yaml:"root" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// DevToolsConfig controls browser discovery and the command channel.
type DevToolsConfig struct {
	Host              string        `yaml:"host" validate:"required"`
	Ports             []int         `yaml:"ports" validate:"required,min=1,dive,min=1,max=65535"`
	DiscoverTimeout   time.Duration `yaml:"discover_timeout" validate:"gt=0"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout    time.Duration `yaml:"command_timeout" validate:"gt=0"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" validate:"gt=0"`
	Format            string        `yaml:"format" validate:"oneof=png jpeg webp"`
	DedicatedTabs     bool          `yaml:"dedicated_tabs"`
	Launch            bool          `yaml:"launch"`  // start a local Chrome when none answers
	Headful           bool          `yaml:"headful"` // for Launch
}

// ScreenConfig enables the OS-level fallback backend.
type ScreenConfig struct {
	Enabled bool `yaml:"enabled"`
	Display int  `yaml:"display" validate:"min=0"`
}

// ReferenceConfig tunes header detection.
type ReferenceConfig struct {
	LuminanceThreshold float64 `yaml:"luminance_threshold" validate:"gt=0,lte=255"`
	BandHeight         int     `yaml:"band_height" validate:"gt=0"`
	// Root confines local reference paths submitted to the API. Empty
	// means the API accepts only URLs and inline data.
	Root               string  `yaml:"root"`
}

// CaptureConfig bounds job execution.
type CaptureConfig struct {
	Budget  time.Duration `yaml:"budget" validate:"gt=0"`
	Workers int           `yaml:"workers" validate:"min=1,max=64"`
}

// QueueConfig configures the batch queue.
type QueueConfig struct {
	Name         string        `yaml:"name"`
	Visibility   time.Duration `yaml:"visibility" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=0"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"min=0"`
	Heartbeat    time.Duration `yaml:"heartbeat" validate:"gt=0"`
}

// HTTPConfig configures the API server. Basic auth is enforced when
// PasswordHash is set.
type HTTPConfig struct {
	Listen       string `yaml:"listen" validate:"required"`
	User         string `yaml:"user" validate:"required_with=PasswordHash"`
	PasswordHash string `yaml:"password_hash" validate:"omitempty,startswith=$2"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		DBPath:   "var/scrollshot.db",
		Artifacts: ArtifactConfig{
			Root:    "var/artifacts",
			BaseURL: "http://localhost:8090/artifacts",
		},
		DevTools: DevToolsConfig{
			Host:              "127.0.0.1",
			Ports:             []int{9222, 9223},
			DiscoverTimeout:   2 * time.Second,
			ConnectTimeout:    5 * time.Second,
			CommandTimeout:    10 * time.Second,
			NavigationTimeout: 8 * time.Second,
			Format:            "png",
		},
		Reference: ReferenceConfig{
			LuminanceThreshold: 80,
			BandHeight:         60,
		},
		Align: align.DefaultOptions(),
		Capture: CaptureConfig{
			Budget:  60 * time.Second,
			Workers: 1,
		},
		Queue: QueueConfig{
			Visibility:   90 * time.Second,
			PollInterval: time.Second,
			MaxAttempts:  3,
			Heartbeat:    15 * time.Second,
		},
		HTTP: HTTPConfig{Listen: ":8090"},
	}
}

// Load reads path over the defaults, then applies environment overrides
// and validates. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyDefaults refills zero values a partial file may leave behind.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if len(c.DevTools.Ports) == 0 {
		c.DevTools.Ports = d.DevTools.Ports
	}
	if c.DevTools.Host == "" {
		c.DevTools.Host = d.DevTools.Host
	}
	if c.DevTools.Format == "" {
		c.DevTools.Format = d.DevTools.Format
	}
	if c.DevTools.DiscoverTimeout <= 0 {
		c.DevTools.DiscoverTimeout = d.DevTools.DiscoverTimeout
	}
	if c.DevTools.ConnectTimeout <= 0 {
		c.DevTools.ConnectTimeout = d.DevTools.ConnectTimeout
	}
	if c.DevTools.CommandTimeout <= 0 {
		c.DevTools.CommandTimeout = d.DevTools.CommandTimeout
	}
	if c.DevTools.NavigationTimeout <= 0 {
		c.DevTools.NavigationTimeout = d.DevTools.NavigationTimeout
	}
	if c.Capture.Budget <= 0 {
		c.Capture.Budget = d.Capture.Budget
	}
	if c.Capture.Workers <= 0 {
		c.Capture.Workers = d.Capture.Workers
	}
	if c.Queue.Visibility <= 0 {
		c.Queue.Visibility = d.Queue.Visibility
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = d.Queue.PollInterval
	}
	if c.Queue.Heartbeat <= 0 {
		c.Queue.Heartbeat = d.Queue.Heartbeat
	}
	if c.Reference.LuminanceThreshold <= 0 {
		c.Reference.LuminanceThreshold = d.Reference.LuminanceThreshold
	}
	if c.Reference.BandHeight <= 0 {
		c.Reference.BandHeight = d.Reference.BandHeight
	}
}

// applyEnv lets deployments override the settings that differ per host.
func (c *Config) applyEnv() error {
	c.LogLevel = strings.ToLower(env("LOG_LEVEL", c.LogLevel))
	c.DBPath = env("SCROLLSHOT_DB", c.DBPath)
	c.Artifacts.Root = env("SCROLLSHOT_ARTIFACT_ROOT", c.Artifacts.Root)
	c.Artifacts.BaseURL = env("SCROLLSHOT_BASE_URL", c.Artifacts.BaseURL)
	c.DevTools.Host = env("SCROLLSHOT_DEVTOOLS_HOST", c.DevTools.Host)
	c.Reference.Root = env("SCROLLSHOT_REFERENCE_ROOT", c.Reference.Root)
	c.HTTP.Listen = env("SCROLLSHOT_LISTEN", c.HTTP.Listen)
	c.HTTP.User = env("SCROLLSHOT_AUTH_USER", c.HTTP.User)
	c.HTTP.PasswordHash = env("SCROLLSHOT_AUTH_HASH", c.HTTP.PasswordHash)

	if v := os.Getenv("SCROLLSHOT_PORTS"); v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("config: SCROLLSHOT_PORTS: %w", err)
		}
		c.DevTools.Ports = ports
	}
	return nil
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ParsePorts parses a comma-separated port list such as "9222,9223".
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", s)
	}
	return ports, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
