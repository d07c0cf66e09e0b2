// Package config holds all kgraph configuration.
// Configuration is loaded from .kgraph/config.yaml with environment overrides,
// then captured as an immutable snapshot at startup. In-flight jobs keep the
// config they started with so the embedding dimension stays consistent.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all kgraph configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM extraction configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Ingestion pipeline configuration
	Ingest IngestConfig `yaml:"ingest"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:      "kgraph",
		Version:   "1.0.0",
		LLM:       DefaultLLMConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Ingest:    DefaultIngestConfig(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from workspace/.kgraph/config.yaml, falling back to
// defaults when the file does not exist, then applies environment overrides.
func Load(workspace string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".kgraph", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets credentials come from the environment so the
// config file never has to hold secrets.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = key
		}
		if cfg.Embedding.GenAIAPIKey == "" {
			cfg.Embedding.GenAIAPIKey = key
		}
	}
	if v := os.Getenv("KGRAPH_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	return nil
}

// Save writes the config back to workspace/.kgraph/config.yaml.
func (c Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".kgraph")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
