// Package config loads survey planner settings from defaults, an optional
// YAML file, a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joelkehle/survey-planner/internal/store"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Planner    PlannerConfig    `yaml:"planner"`
	Store      StoreConfig      `yaml:"store"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
	Export     ExportConfig     `yaml:"export"`
	DevPlanner DevPlannerConfig `yaml:"dev_planner"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PlannerConfig locates the remote planner. FastBaseURL defaults to BaseURL.
type PlannerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MountPrefix string        `yaml:"mount_prefix"`
	FastBaseURL string        `yaml:"fast_base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	AutoFix     bool          `yaml:"auto_fix"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MirrorConfig struct {
	// Path is the snapshot file; empty keeps the mirror in memory only.
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ExportConfig struct {
	ChromePath string `yaml:"chrome_path"`
}

// DevPlannerConfig configures the bundled development planner.
type DevPlannerConfig struct {
	Addr        string `yaml:"addr"`
	Prefix      string `yaml:"prefix"`
	MaxAttempts int    `yaml:"max_attempts"`
	// Drafter is "template" or "anthropic".
	Drafter         string `yaml:"drafter"`
	AnthropicModel  string `yaml:"anthropic_model"`
	AnthropicAPIKey string `yaml:"-"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Planner: PlannerConfig{
			BaseURL:     "http://localhost:8090",
			MountPrefix: "/api",
			Timeout:     30 * time.Second,
			AutoFix:     true,
		},
		Store:     StoreConfig{Driver: store.DriverMemory},
		Mirror:    MirrorConfig{Capacity: 512},
		Telemetry: TelemetryConfig{ServiceName: "surveyd"},
		Log:       LogConfig{Level: "info"},
		DevPlanner: DevPlannerConfig{
			Addr:        ":8090",
			Prefix:      "/api",
			MaxAttempts: 3,
			Drafter:     "template",
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("SURVEYD_ADDR", &c.Server.Addr)
	str("PLANNER_BASE_URL", &c.Planner.BaseURL)
	if v, ok := lookup("PLANNER_MOUNT_PREFIX"); ok {
		c.Planner.MountPrefix = strings.TrimSpace(v)
	}
	str("FAST_BASE_URL", &c.Planner.FastBaseURL)
	if v, ok := lookup("REQUEST_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT: %w", err))
		} else {
			c.Planner.Timeout = d
		}
	}
	if v, ok := lookup("PLANNER_AUTO_FIX"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PLANNER_AUTO_FIX: %w", err))
		} else {
			c.Planner.AutoFix = b
		}
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("MIRROR_PATH", &c.Mirror.Path)
	num("MIRROR_CAPACITY", &c.Mirror.Capacity)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	str("LOG_LEVEL", &c.Log.Level)
	str("CHROME_PATH", &c.Export.ChromePath)
	str("DEV_PLANNER_ADDR", &c.DevPlanner.Addr)
	str("DEV_PLANNER_PREFIX", &c.DevPlanner.Prefix)
	num("DEV_PLANNER_MAX_ATTEMPTS", &c.DevPlanner.MaxAttempts)
	str("DEV_PLANNER_DRAFTER", &c.DevPlanner.Drafter)
	str("ANTHROPIC_MODEL", &c.DevPlanner.AnthropicModel)
	str("ANTHROPIC_API_KEY", &c.DevPlanner.AnthropicAPIKey)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Planner.BaseURL) == "" {
		return fmt.Errorf("planner.base_url is required")
	}
	if c.Planner.Timeout <= 0 {
		return fmt.Errorf("planner.timeout must be positive")
	}
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Mirror.Capacity <= 0 {
		return fmt.Errorf("mirror.capacity must be positive")
	}
	if c.DevPlanner.MaxAttempts <= 0 {
		return fmt.Errorf("dev_planner.max_attempts must be positive")
	}
	switch c.DevPlanner.Drafter {
	case "template", "anthropic":
	default:
		return fmt.Errorf("unknown dev_planner.drafter %q", c.DevPlanner.Drafter)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// FastURL is the base URL for fast generation.
func (c *Config) FastURL() string {
	if c.Planner.FastBaseURL != "" {
		return c.Planner.FastBaseURL
	}
	return c.Planner.BaseURL
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
