package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the station configuration. Every field has a usable default,
// so an empty file (or no file at all) yields a working demo setup.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	Port        string `yaml:"port"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`

	Bus     BusConfig         `yaml:"bus"`
	Store   StoreConfig       `yaml:"store"`
	Record  RecordConfig      `yaml:"record"`
	Sources []SourceConfig    `yaml:"sources"`
	Alerts  []AlertRuleConfig `yaml:"alerts"`
	Sinks   SinksConfig       `yaml:"sinks"`
}

// BusConfig selects the delivery variant and its limits.
type BusConfig struct {
	// Mode is "direct" (dispatch on the publisher goroutine) or "tick"
	// (queued, drained periodically on one goroutine).
	Mode         string   `yaml:"mode"`
	TickInterval Duration `yaml:"tick_interval"`
	MaxPerTick   int      `yaml:"max_per_tick"`
	StreamBuffer int      `yaml:"stream_buffer"`
	MaxOverflows int      `yaml:"max_overflows"`
}

// StoreConfig configures the time-series store.
type StoreConfig struct {
	// Backend is "badger" (persistent) or "memory".
	Backend         string   `yaml:"backend"`
	FlushInterval   Duration `yaml:"flush_interval"`
	DownsampleBatch int      `yaml:"downsample_batch"`
	RetentionDays   int      `yaml:"retention_days"`
}

// RecordConfig controls which payload fields are recorded.
type RecordConfig struct {
	// Fields is an optional allow-list. Empty records every numeric field.
	Fields []string `yaml:"fields"`

	// ExcludeTopics lists topics whose payloads are never recorded.
	ExcludeTopics []string `yaml:"exclude_topics"`
}

// SourceConfig describes one producer instance.
type SourceConfig struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Interval     Duration       `yaml:"interval"`
	FetchTimeout Duration       `yaml:"fetch_timeout"`
	Demo         bool           `yaml:"demo"`
	Options      map[string]any `yaml:"options"`
}

// AlertRuleConfig is the raw, unvalidated form of an alert rule.
// Either Condition ("> 70") or Operator+Threshold must be set.
type AlertRuleConfig struct {
	ID        string   `yaml:"id"`
	Field     string   `yaml:"field"`
	Condition string   `yaml:"condition"`
	Operator  string   `yaml:"operator"`
	Threshold *float64 `yaml:"threshold"`
	Level     string   `yaml:"level"`
	Message   string   `yaml:"message"`
	Cooldown  Duration `yaml:"cooldown"`
}

// SinksConfig configures optional outbound consumers. A sink is enabled
// when its address is set.
type SinksConfig struct {
	Kafka  KafkaConfig  `yaml:"kafka"`
	Influx InfluxConfig `yaml:"influx"`
}

// KafkaConfig configures the Kafka payload sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// InfluxConfig configures the InfluxDB reading sink.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:     DefaultDataDir,
		Port:        DefaultPort,
		MaxMemoryMB: DefaultMaxMemoryMB,
		Bus: BusConfig{
			Mode:         DefaultBusMode,
			TickInterval: Duration(DefaultTickInterval),
			MaxPerTick:   DefaultMaxPerTick,
			StreamBuffer: DefaultStreamBuffer,
			MaxOverflows: DefaultMaxOverflows,
		},
		Store: StoreConfig{
			Backend:         "badger",
			FlushInterval:   Duration(DefaultFlushInterval),
			DownsampleBatch: DefaultDownsampleBatch,
			RetentionDays:   DefaultRetentionDays,
		},
		Record: RecordConfig{
			ExcludeTopics: []string{AlertTopic},
		},
	}
}

// Load reads a YAML config file on top of Default and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Bus.Mode {
	case "direct", "tick":
	default:
		return fmt.Errorf("bus.mode must be direct or tick, got %q", c.Bus.Mode)
	}
	switch c.Store.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("store.backend must be badger or memory, got %q", c.Store.Backend)
	}
	if c.Store.RetentionDays <= 0 {
		return errors.New("store.retention_days must be positive")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" || src.Type == "" {
			return fmt.Errorf("sources[%d]: id and type are required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}

// applyEnv applies TINYSTATION_* and PORT overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TINYSTATION_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	c.MaxMemoryMB = getEnvInt64("TINYSTATION_MAX_MEMORY_MB", c.MaxMemoryMB)
	c.Store.RetentionDays = int(getEnvInt64("TINYSTATION_RETENTION_DAYS", int64(c.Store.RetentionDays)))
	if v := os.Getenv("TINYSTATION_BUS_MODE"); v != "" {
		c.Bus.Mode = v
	}
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s") or a plain number of seconds (30, 2.5).
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Or returns d, or fallback when d is zero.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// OptString returns the option as a string, or fallback.
func (s SourceConfig) OptString(key, fallback string) string {
	if v, ok := s.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// OptFloat returns the option as a float64, or fallback.
func (s SourceConfig) OptFloat(key string, fallback float64) float64 {
	switch v := s.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return fallback
}

// OptInt returns the option as an int, or fallback.
func (s SourceConfig) OptInt(key string, fallback int) int {
	switch v := s.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// OptStrings returns the option as a string slice.
func (s SourceConfig) OptStrings(key string) []string {
	raw, ok := s.Options[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
