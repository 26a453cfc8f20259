package locate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	Noise        NoiseModel      `yaml:"noise" json:"noise"`
	Optimizer    OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	InitialGuess InitialGuess    `yaml:"initialGuess" json:"initialGuess"`
	Dataset      DatasetConfig   `yaml:"dataset" json:"dataset"`
	MQTT         MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP         HTTPConfig      `yaml:"http,omitempty" json:"http,omitempty"`
	Render       RenderConfig    `yaml:"render,omitempty" json:"render,omitempty"`
	ReportCache  string          `yaml:"reportCache,omitempty" json:"reportCache,omitempty"`
}

// DatasetConfig says where the reference trees come from. Exactly one of Path,
// URL or Postgres.DSN is used, in that order of preference.
type DatasetConfig struct {
	Path     string         `yaml:"path,omitempty" json:"path,omitempty"`
	URL      string         `yaml:"url,omitempty" json:"url,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
}

// PostgresConfig holds a PostgreSQL source of reference trees.
type PostgresConfig struct {
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Table   string `yaml:"table,omitempty" json:"table,omitempty"`
	OrderBy string `yaml:"orderBy,omitempty" json:"orderBy,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker           string `yaml:"broker" json:"broker"`
	ObservationTopic string `yaml:"observationTopic" json:"observationTopic"`
	PublishPrefix    string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID         string `yaml:"clientId" json:"clientId"`
	Username         string `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// RenderConfig controls plot output.
type RenderConfig struct {
	Scale       float64 `yaml:"scale,omitempty" json:"scale,omitempty"` // pixels per meter
	Padding     int     `yaml:"padding,omitempty" json:"padding,omitempty"`
	MatchesOnly bool    `yaml:"matchesOnly,omitempty" json:"matchesOnly,omitempty"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Noise:     DefaultNoiseModel(),
		Optimizer: DefaultOptimizerConfig(),
		MQTT: MQTTConfig{
			ObservationTopic: "treefix/observations/+",
			PublishPrefix:    "treefix",
			ClientID:         "treefix",
		},
		HTTP:   HTTPConfig{Port: 8080},
		Render: RenderConfig{Scale: 8, Padding: 40},
	}
}

// Options returns the estimation options described by the config.
func (c *Config) Options() Options {
	return Options{
		Noise:        c.Noise,
		Optimizer:    c.Optimizer,
		InitialGuess: c.InitialGuess,
	}
}

// Validate checks every section that has range constraints.
func (c *Config) Validate() error {
	if err := c.Noise.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if _, err := NewMinimizer(c.Optimizer.Method); err != nil {
		return err
	}
	if c.Dataset.Postgres.DSN != "" {
		if _, err := buildTreeQuery(c.Dataset.Postgres.Table, c.Dataset.Postgres.OrderBy); err != nil {
			return err
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port out of range: %d", ErrInvalidConfig, c.HTTP.Port)
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
