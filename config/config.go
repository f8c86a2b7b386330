// Package config loads procmesh runtime configuration from YAML or TOML
// files. Keys missing from a file keep their Default values.
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

	"github.com/BurntSushi/toml"
	"github.com/hupe1980/procmesh/logging"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// EngineConfig configures the process registry.
type EngineConfig struct {
	MaxProcesses    int      `yaml:"max_processes" toml:"max_processes"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// SchedulerConfig configures thinker step loops.
type SchedulerConfig struct {
	MaxOracleCalls         int    `yaml:"max_oracle_calls" toml:"max_oracle_calls"`
	FailurePolicy          string `yaml:"failure_policy" toml:"failure_policy"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures" toml:"max_consecutive_failures"`
	StartImmediately       bool   `yaml:"start_immediately" toml:"start_immediately"`
}

// DispatchConfig configures hubs and modules.
type DispatchConfig struct {
	Workers       int `yaml:"workers" toml:"workers"`
	MaxIDAttempts int `yaml:"max_id_attempts" toml:"max_id_attempts"`
}

// OracleConfig selects the model behind model-backed oracles and strategies.
type OracleConfig struct {
	// Provider is "openai", "anthropic" or "mock".
	Provider    string   `yaml:"provider" toml:"provider"`
	Model       string   `yaml:"model" toml:"model"`
	Temperature float64  `yaml:"temperature" toml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens" toml:"max_tokens"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	Persona     string   `yaml:"persona" toml:"persona"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`
}

// APIKey reads the configured key from the environment.
func (c OracleConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level" toml:"level"`
	Format    string `yaml:"format" toml:"format"`
	AddSource bool   `yaml:"add_source" toml:"add_source"`
}

// TraceConfig selects where trace events go.
type TraceConfig struct {
	// Backend is "none", "memory" or "sqlite".
	Backend string `yaml:"backend" toml:"backend"`
	// Path is the database file of the sqlite backend.
	Path string `yaml:"path" toml:"path"`
}

// Config is the complete runtime configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Oracle    OracleConfig    `yaml:"oracle" toml:"oracle"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Trace     TraceConfig     `yaml:"trace" toml:"trace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Scheduler: SchedulerConfig{
			MaxOracleCalls:         16,
			FailurePolicy:          "terminate",
			MaxConsecutiveFailures: 3,
		},
		Dispatch: DispatchConfig{
			MaxIDAttempts: 8,
		},
		Oracle: OracleConfig{
			Provider:    "mock",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     Duration{60 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Trace: TraceConfig{
			Backend: "memory",
		},
	}
}

// Format names a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// LoadFile reads path, choosing the decoder by extension.
func LoadFile(path string) (Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Load(bytes.NewReader(data), format)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Load decodes r over Default and validates the result. Unknown keys are
// errors.
func Load(r io.Reader, format Format) (Config, error) {
	cfg := Default()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatTOML:
		meta, err := toml.NewDecoder(r).Decode(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("decode toml: unknown keys %s", strings.Join(keys, ", "))
		}
	default:
		return Config{}, fmt.Errorf("unsupported format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.MaxProcesses < 0 {
		errs = append(errs, errors.New("engine.max_processes must not be negative"))
	}
	if c.Scheduler.MaxOracleCalls < 0 {
		errs = append(errs, errors.New("scheduler.max_oracle_calls must not be negative"))
	}
	switch c.Scheduler.FailurePolicy {
	case "", "terminate":
	case "continue":
		if c.Scheduler.MaxConsecutiveFailures < 1 {
			errs = append(errs, errors.New("scheduler.max_consecutive_failures must be positive with the continue policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("scheduler.failure_policy %q is not terminate or continue", c.Scheduler.FailurePolicy))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, errors.New("dispatch.workers must not be negative"))
	}
	switch c.Oracle.Provider {
	case "mock", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider %q is not mock, openai or anthropic", c.Oracle.Provider))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	switch c.Trace.Backend {
	case "none", "memory":
	case "sqlite":
		if c.Trace.Path == "" {
			errs = append(errs, errors.New("trace.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("trace.backend %q is not none, memory or sqlite", c.Trace.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
