package config

import (
	"fmt"
	"time"
)

// EmbeddingConfig configures the embedding engine.
// Changing provider or dimension requires regenerating stored concept
// embeddings; the concept resolver refuses cross-dimension matches.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "ollama" or "genai"

	// Ollama configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Dimension of the active model's vectors.
	Dimension int `yaml:"dimension"`

	// Normalize embeddings to unit length before storage.
	Normalize bool `yaml:"normalize"`

	// Per-call timeout for embedding requests.
	Timeout time.Duration `yaml:"timeout"`

	// Published price per million tokens, used for cost estimates.
	CostPerMTok float64 `yaml:"cost_per_mtok"`

	// Requests per minute budget for the provider token bucket.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DefaultEmbeddingConfig returns sensible defaults (local Ollama).
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:          "ollama",
		OllamaEndpoint:    "http://localhost:11434",
		OllamaModel:       "nomic-embed-text",
		GenAIModel:        "gemini-embedding-001",
		Dimension:         768,
		Normalize:         true,
		Timeout:           10 * time.Second,
		CostPerMTok:       0.02,
		RequestsPerMinute: 300,
	}
}

// Validate checks the embedding configuration.
func (c EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", c.Provider)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Dimension)
	}
	return nil
}
