// Package config loads the regulation engine's runtime configuration
// from YAML, with environment overrides for service credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "30s" / "72h" values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete engine configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	SignalsFile string `yaml:"signals_file"`
	JournalPath string `yaml:"journal_path"`

	CheckInterval Duration `yaml:"check_interval"`

	Retry RetryConfig `yaml:"retry"`

	Regulation RegulationConfig `yaml:"regulation"`

	Directory DirectoryConfig `yaml:"directory"`
	Bridge    BridgeConfig    `yaml:"bridge"`

	Log LogConfig `yaml:"log"`
}

// RetryConfig bounds retries on transient venue failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Delay       Duration `yaml:"delay"`
}

// RegulationConfig carries the tuning knobs of the three engines.
type RegulationConfig struct {
	// SLAdjustPercent is the break-even cushion: past-entry stops land
	// at entry plus/minus this percent.
	SLAdjustPercent float64 `yaml:"sl_adjust_percent"`
	// RRStepPercent is the price distance, in percent of entry, that
	// one 0.25 risk-reward step represents when milestones have to be
	// estimated for an orphan position.
	RRStepPercent    float64 `yaml:"rr_step_percent"`
	BreakEvenPercent float64 `yaml:"break_even_percent"`

	PriceTolerance       float64            `yaml:"price_tolerance"`
	InstrumentTolerances map[string]float64 `yaml:"instrument_tolerances"`

	HistoryLookback Duration `yaml:"history_lookback"`
	TickFreshness   Duration `yaml:"tick_freshness"`

	VolatileInstruments []string `yaml:"volatile_instruments"`
	VolatilityBuffer    float64  `yaml:"volatility_buffer"`
}

// ToleranceFor returns the price match tolerance for an instrument.
func (r RegulationConfig) ToleranceFor(instrument string) float64 {
	if tol, ok := r.InstrumentTolerances[instrument]; ok {
		return tol
	}
	return r.PriceTolerance
}

// Volatile reports whether an instrument gets the widened stop buffer.
func (r RegulationConfig) Volatile(instrument string) bool {
	for _, name := range r.VolatileInstruments {
		if name == instrument {
			return true
		}
	}
	return false
}

// DirectoryConfig points at the account directory service.
type DirectoryConfig struct {
	URL       string   `yaml:"url"`
	BackupURL string   `yaml:"backup_url"`
	Token     string   `yaml:"token"`
	Timeout   Duration `yaml:"timeout"`
}

// BridgeConfig points at the venue bridge service.
type BridgeConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates a YAML config file, then applies
// environment overrides for credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Credentials come from the environment when set, so tokens stay out
// of the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REGULATOR_DIRECTORY_URL"); v != "" {
		c.Directory.URL = v
	}
	if v := os.Getenv("REGULATOR_DIRECTORY_TOKEN"); v != "" {
		c.Directory.Token = v
	}
	if v := os.Getenv("REGULATOR_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("REGULATOR_BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SignalsFile == "" {
		return fmt.Errorf("signals_file is required")
	}
	if c.CheckInterval.Std() <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Regulation.SLAdjustPercent <= 0 {
		return fmt.Errorf("regulation.sl_adjust_percent must be positive")
	}
	if c.Regulation.RRStepPercent <= 0 {
		return fmt.Errorf("regulation.rr_step_percent must be positive")
	}
	if c.Regulation.PriceTolerance <= 0 {
		return fmt.Errorf("regulation.price_tolerance must be positive")
	}
	for name, tol := range c.Regulation.InstrumentTolerances {
		if tol <= 0 {
			return fmt.Errorf("regulation.instrument_tolerances[%s] must be positive", name)
		}
	}
	if c.Regulation.HistoryLookback.Std() <= 0 {
		return fmt.Errorf("regulation.history_lookback must be positive")
	}
	if c.Regulation.VolatilityBuffer < 1 {
		return fmt.Errorf("regulation.volatility_buffer must be at least 1")
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required")
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:       "./data",
		SignalsFile:   "./data/bouncestreamsignals.json",
		JournalPath:   "./data/regulator.db",
		CheckInterval: Duration(30 * time.Second),
		Retry: RetryConfig{
			MaxAttempts: 5,
			Delay:       Duration(3 * time.Second),
		},
		Regulation: RegulationConfig{
			SLAdjustPercent:  0.10,
			RRStepPercent:    0.25,
			BreakEvenPercent: 0.10,
			PriceTolerance:   1e-4,
			HistoryLookback:  Duration(72 * time.Hour),
			TickFreshness:    Duration(5 * time.Minute),
			VolatilityBuffer: 1.5,
		},
		Directory: DirectoryConfig{
			Timeout: Duration(30 * time.Second),
		},
		Bridge: BridgeConfig{
			Timeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
