// Package config loads pulsegate configuration.
//
// Precedence: defaults → YAML file → environment variables. The zone taxonomy
// and per-content governance policies live in the same document; the core
// packages never read files themselves, they consume the built values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Log     LogConfig               `yaml:"log"`
	Engine  EngineConfig            `yaml:"engine"`
	History HistoryConfig           `yaml:"history"`
	Auth    AuthConfig              `yaml:"auth"`
	Zones   []zones.Config          `yaml:"zones"`
	Content map[string]PolicyConfig `yaml:"content"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	MetricsPort     int      `yaml:"metrics_port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig tunes the session loop and vitals stabilization.
type EngineConfig struct {
	TickInterval      Duration `yaml:"tick_interval"`
	SampleQueueSize   int      `yaml:"sample_queue_size"`
	DwellSamples      int      `yaml:"dwell_samples"`
	DownwardMarginBPM int      `yaml:"downward_margin_bpm"`
	StaleAfter        Duration `yaml:"stale_after"`
	CoinRatePerSecond float64  `yaml:"coin_rate_per_second"`
}

// HistoryConfig contains session-history persistence settings.
// An empty path disables recording entirely.
type HistoryConfig struct {
	Path string `yaml:"path"`
	// Retention bounds how long transitions and summaries are kept.
	Retention Duration `yaml:"retention"`
	// SweepInterval is how often the retention worker prunes.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// PolicyConfig is the governance policy for one content item.
type PolicyConfig struct {
	Requirements []RequirementConfig `yaml:"requirements"`
	Challenge    *ChallengeConfig    `yaml:"challenge,omitempty"`
	GracePeriod  Duration            `yaml:"grace_period"`
}

// RequirementConfig is one policy clause.
type RequirementConfig struct {
	TargetZoneID string   `yaml:"target_zone_id"`
	Rule         string   `yaml:"rule"`
	Scope        []string `yaml:"scope,omitempty"`
}

// ChallengeConfig is an optional timed group requirement.
type ChallengeConfig struct {
	TargetZoneID  string   `yaml:"target_zone_id"`
	RequiredCount int      `yaml:"required_count"`
	Window        Duration `yaml:"window"`
	RearmOnLoad   bool     `yaml:"rearm_on_load"`
}

// Policy converts the config clause into the engine's policy type.
// Clause-level validation happens in the engine, which skips malformed
// clauses with a warning instead of failing the load.
func (p PolicyConfig) Policy() *governance.Policy {
	out := &governance.Policy{
		GracePeriod: time.Duration(p.GracePeriod),
	}
	for _, rc := range p.Requirements {
		out.Requirements = append(out.Requirements, governance.RequirementClause{
			TargetZoneID: rc.TargetZoneID,
			Rule:         governance.Rule(rc.Rule),
			Scope:        rc.Scope,
		})
	}
	if c := p.Challenge; c != nil {
		out.Challenge = &governance.ChallengeClause{
			TargetZoneID:  c.TargetZoneID,
			RequiredCount: c.RequiredCount,
			Window:        time.Duration(c.Window),
			RearmOnLoad:   c.RearmOnLoad,
		}
	}
	return out
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("PULSEGATE_CONFIG_PATH", "config/pulsegate.yaml")

	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
// The default zone taxonomy is a four-band family setup; deployments
// override it per household.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			MetricsPort:     9090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			TickInterval:      Duration(time.Second),
			SampleQueueSize:   256,
			DwellSamples:      3,
			DownwardMarginBPM: 3,
			StaleAfter:        Duration(10 * time.Second),
			CoinRatePerSecond: 0.25,
		},
		History: HistoryConfig{
			Retention:     Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Zones: []zones.Config{
			{ID: "rest", MinHeartRate: 0, Color: "#90a4ae"},
			{ID: "warm", MinHeartRate: 100, Color: "#4fc3f7"},
			{ID: "active", MinHeartRate: 125, Color: "#ffb74d"},
			{ID: "intense", MinHeartRate: 150, Color: "#e57373"},
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSEGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PULSEGATE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("PULSEGATE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PULSEGATE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PULSEGATE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("PULSEGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PULSEGATE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PULSEGATE_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.TickInterval = Duration(d)
		}
	}
	if v := os.Getenv("PULSEGATE_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StaleAfter = Duration(d)
		}
	}
	if v := os.Getenv("PULSEGATE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("PULSEGATE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
}

// getEnv returns the env var value or a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// validate checks configuration constraints at startup.
func (c *Config) validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	if time.Duration(c.Engine.TickInterval) <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Engine.SampleQueueSize <= 0 {
		errs = append(errs, errors.New("engine.sample_queue_size must be positive"))
	}
	if c.Engine.DwellSamples < 1 {
		errs = append(errs, errors.New("engine.dwell_samples must be at least 1"))
	}
	if c.Engine.CoinRatePerSecond < 0 {
		errs = append(errs, errors.New("engine.coin_rate_per_second must not be negative"))
	}
	if c.History.Path != "" {
		if time.Duration(c.History.Retention) <= 0 {
			errs = append(errs, errors.New("history.retention must be positive"))
		}
		if time.Duration(c.History.SweepInterval) <= 0 {
			errs = append(errs, errors.New("history.sweep_interval must be positive"))
		}
	}
	if len(c.Zones) == 0 {
		errs = append(errs, errors.New("zones must not be empty"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}
