package config

import "time"

// LLMConfig configures the extraction model.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// Extraction profile
	Temperature  float32 `yaml:"temperature"`
	TopP         float32 `yaml:"top_p"`
	ThinkingMode bool    `yaml:"thinking_mode"`
	MaxTokens    int32   `yaml:"max_tokens"`

	// Per-call timeout for extraction requests.
	Timeout time.Duration `yaml:"timeout"`

	// Retry policy for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// Published prices per million tokens, used for cost estimates.
	CostPerMTokIn  float64 `yaml:"cost_per_mtok_in"`
	CostPerMTokOut float64 `yaml:"cost_per_mtok_out"`

	// Requests per minute budget for the provider token bucket.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DefaultLLMConfig returns sensible defaults for Gemini extraction.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:          "gemini",
		Model:             "gemini-2.5-flash",
		Temperature:       0.3,
		TopP:              0.95,
		MaxTokens:         8192,
		Timeout:           120 * time.Second,
		MaxRetries:        5,
		CostPerMTokIn:     0.30,
		CostPerMTokOut:    2.50,
		RequestsPerMinute: 60,
	}
}
