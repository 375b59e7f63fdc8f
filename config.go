package sagaflow

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "sagaflow.yaml"

// Config represents the sagaflow runtime configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	// Recovery configuration
	Recovery RecoveryConfig `yaml:"recovery"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`
}

// RecoveryConfig contains recovery worker settings
type RecoveryConfig struct {
	// PollInterval between recovery sweeps
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxRetries bounds pending-command recovery attempts per saga
	MaxRetries int `yaml:"max_retries"`
}

// DatabaseConfig contains saga store connection settings
type DatabaseConfig struct {
	// Driver is the store driver (postgres, memory)
	Driver string `yaml:"driver"`

	// URL is the database connection string
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use
	Schema string `yaml:"schema"`

	// TableName for saga state rows
	TableName string `yaml:"table_name"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Recovery: RecoveryConfig{
			PollInterval: DefaultPollInterval,
			MaxRetries:   DefaultMaxRetries,
		},
		Database: DatabaseConfig{
			Driver:    "memory",
			Schema:    "sagaflow",
			TableName: "sagaflow_sagas",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	if c.Database.Driver == "" {
		errors = append(errors, "database.driver is required")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	}

	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		errors = append(errors, "database.url is required for postgres")
	}

	if c.Recovery.PollInterval < 0 {
		errors = append(errors, "recovery.poll_interval must not be negative")
	}

	if c.Recovery.MaxRetries < 0 {
		errors = append(errors, "recovery.max_retries must not be negative")
	}

	return errors
}
