package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"sdhost/internal/version"
)

const (
	defaultPort         = 8080
	defaultDataDir      = "data"
	defaultModelsDir    = "models"
	defaultEngineDir    = "engine"
	defaultOutputsDir   = "outputs"
	defaultDevice       = "cpu"
	defaultHistory      = "file"
	defaultMaxRedirects = 10
	defaultProbeTimeout = 10
)

var (
	validDevices  = []string{"cpu", "cuda", "vulkan"}
	validBackends = []string{"file", "sqlite", "memory"}
)

// Config describes runtime configuration for the service.
type Config struct {
	Port           int            `yaml:"port" toml:"port"`
	DataDir        string         `yaml:"data_dir" toml:"data_dir"`
	ModelsDir      string         `yaml:"models_dir" toml:"models_dir"`
	EngineDir      string         `yaml:"engine_dir" toml:"engine_dir"`
	OutputsDir     string         `yaml:"outputs_dir" toml:"outputs_dir"`
	Device         string         `yaml:"device" toml:"device"`
	HistoryBackend string         `yaml:"history_backend" toml:"history_backend"`
	FFmpegPath     string         `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	Download       DownloadConfig `yaml:"download" toml:"download"`
	Mirrors        MirrorsConfig  `yaml:"mirrors" toml:"mirrors"`
}

// DownloadConfig tunes the HTTP transfers.
type DownloadConfig struct {
	// BandwidthLimit is a human readable rate such as "5 MB"; empty means unlimited.
	BandwidthLimit string `yaml:"bandwidth_limit" toml:"bandwidth_limit"`
	MaxRedirects   int    `yaml:"max_redirects" toml:"max_redirects"`
	UserAgent      string `yaml:"user_agent" toml:"user_agent"`

	bandwidthBytes int64
}

// BandwidthBytes is BandwidthLimit in bytes per second, 0 when unlimited.
func (d DownloadConfig) BandwidthBytes() int64 { return d.bandwidthBytes }

// MirrorsConfig selects default mirrors and the probe policy.
type MirrorsConfig struct {
	WeightsDefault      string `yaml:"weights_default" toml:"weights_default"`
	EngineDefault       string `yaml:"engine_default" toml:"engine_default"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds" toml:"probe_timeout_seconds"`
	// ProbeSchedule is a five-field cron spec; empty disables scheduled probes.
	ProbeSchedule string `yaml:"probe_schedule" toml:"probe_schedule"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:           defaultPort,
		DataDir:        defaultDataDir,
		ModelsDir:      defaultModelsDir,
		EngineDir:      defaultEngineDir,
		OutputsDir:     defaultOutputsDir,
		Device:         defaultDevice,
		HistoryBackend: defaultHistory,
		Download: DownloadConfig{
			MaxRedirects: defaultMaxRedirects,
			UserAgent:    version.UserAgent(),
		},
		Mirrors: MirrorsConfig{
			ProbeTimeoutSeconds: defaultProbeTimeout,
		},
	}
}

// Load reads a YAML or TOML config, picked by file extension. If the file
// does not exist or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml: %w", err)
		}
	case ".yml", ".yaml", "":
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	def := Default()
	// empty values fall back to defaults
	if c.Port == 0 {
		c.Port = def.Port
	}
	for _, p := range []struct {
		field *string
		value string
	}{
		{&c.DataDir, def.DataDir},
		{&c.ModelsDir, def.ModelsDir},
		{&c.EngineDir, def.EngineDir},
		{&c.OutputsDir, def.OutputsDir},
		{&c.Device, def.Device},
		{&c.HistoryBackend, def.HistoryBackend},
		{&c.Download.UserAgent, def.Download.UserAgent},
	} {
		if strings.TrimSpace(*p.field) == "" {
			*p.field = p.value
		}
	}
	if c.Mirrors.ProbeTimeoutSeconds == 0 {
		c.Mirrors.ProbeTimeoutSeconds = def.Mirrors.ProbeTimeoutSeconds
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	c.Device = strings.ToLower(c.Device)
	if !contains(validDevices, c.Device) {
		return fmt.Errorf("invalid device: %q (want one of %s)", c.Device, strings.Join(validDevices, ", "))
	}
	c.HistoryBackend = strings.ToLower(c.HistoryBackend)
	if !contains(validBackends, c.HistoryBackend) {
		return fmt.Errorf("invalid history_backend: %q (want one of %s)", c.HistoryBackend, strings.Join(validBackends, ", "))
	}
	if c.Download.MaxRedirects < 1 {
		return fmt.Errorf("invalid max_redirects: %d (must be >= 1)", c.Download.MaxRedirects)
	}
	if c.Mirrors.ProbeTimeoutSeconds < 1 {
		return fmt.Errorf("invalid probe_timeout_seconds: %d (must be >= 1)", c.Mirrors.ProbeTimeoutSeconds)
	}
	if limit := strings.TrimSpace(c.Download.BandwidthLimit); limit != "" {
		n, err := humanize.ParseBytes(limit)
		if err != nil {
			return fmt.Errorf("invalid bandwidth_limit: %w", err)
		}
		c.Download.bandwidthBytes = int64(n) //nolint:gosec // realistic limits fit in int64
	}
	if c.Mirrors.ProbeSchedule != "" {
		if _, err := ParseSchedule(c.Mirrors.ProbeSchedule); err != nil {
			return fmt.Errorf("invalid probe_schedule: %w", err)
		}
	}
	return nil
}

// ParseSchedule parses a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr) //nolint:wrapcheck
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
