// Package embedding provides vector embedding generation for concept
// identity resolution. Supports multiple backends: Ollama (local) and
// Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"kgraph/internal/config"
	"kgraph/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// ActiveConfig describes the embedding setup a worker captured at startup.
// The resolver refuses to match vectors across differing dimensions, so
// this value is immutable for the lifetime of a job.
type ActiveConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Normalize bool   `json:"normalize"`
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimension, cfg.Timeout)
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s", cfg.GenAIModel)
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimension)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	if cfg.Normalize {
		engine = &normalizingEngine{inner: engine}
	}

	logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// Describe returns the active configuration for an engine created from cfg.
func Describe(cfg config.EmbeddingConfig) ActiveConfig {
	model := cfg.OllamaModel
	if cfg.Provider == "genai" {
		model = cfg.GenAIModel
	}
	return ActiveConfig{
		Provider:  cfg.Provider,
		Model:     model,
		Dimension: cfg.Dimension,
		Normalize: cfg.Normalize,
	}
}

// =============================================================================
// NORMALIZING WRAPPER
// =============================================================================

// normalizingEngine scales every vector to unit length, so cosine
// similarity reduces to a dot product in the vector store.
type normalizingEngine struct {
	inner Engine
}

func (n *normalizingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := n.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	Normalize(vec)
	return vec, nil
}

func (n *normalizingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := n.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for _, vec := range vecs {
		Normalize(vec)
	}
	return vecs, nil
}

func (n *normalizingEngine) Dimensions() int { return n.inner.Dimensions() }
func (n *normalizingEngine) Name() string    { return n.inner.Name() }

// Normalize scales vec to unit length in place. Zero vectors are left as-is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}

// =============================================================================
// RATE-LIMITED WRAPPER
// =============================================================================

// WithLimiter bounds engine calls by a shared provider token bucket.
// Hosted providers meter per request, so a batch costs one token.
func WithLimiter(e Engine, l *rate.Limiter) Engine {
	if l == nil {
		return e
	}
	return &limitedEngine{inner: e, limiter: l}
}

type limitedEngine struct {
	inner   Engine
	limiter *rate.Limiter
}

func (le *limitedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := le.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return le.inner.Embed(ctx, text)
}

func (le *limitedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := le.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return le.inner.EmbedBatch(ctx, texts)
}

func (le *limitedEngine) Dimensions() int { return le.inner.Dimensions() }
func (le *limitedEngine) Name() string    { return le.inner.Name() }

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector detected")
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
