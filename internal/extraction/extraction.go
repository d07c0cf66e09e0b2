// Package extraction turns raw chunk text into structured concepts,
// evidence instances, and concept relationships via an LLM provider.
package extraction

import "context"

// Concept is one idea extracted from a chunk. The id is provisional: the
// resolver may map it onto an existing graph node.
type Concept struct {
	ConceptID   string   `json:"concept_id"`
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	SearchTerms []string `json:"search_terms"`
}

// Instance ties a verbatim quote from the chunk to a concept.
type Instance struct {
	ConceptID string `json:"concept_id"`
	Quote     string `json:"quote"`
}

// Relationship is a typed, weighted edge between two extracted concepts.
type Relationship struct {
	FromConceptID string  `json:"from_concept_id"`
	ToConceptID   string  `json:"to_concept_id"`
	Type          string  `json:"type"`
	Confidence    float64 `json:"confidence"`
}

// Result is the full structured output for one chunk.
type Result struct {
	Concepts      []Concept      `json:"concepts"`
	Instances     []Instance     `json:"instances"`
	Relationships []Relationship `json:"relationships"`
}

// KnownConcept is the context handed to the extractor so it reuses ids
// for concepts the graph already holds.
type KnownConcept struct {
	ID          string
	Label       string
	SearchTerms []string
}

// Profile selects the model and sampling parameters for one extraction
// call. Captured once per job so every chunk runs with the same settings.
type Profile struct {
	Model        string
	ThinkingMode bool
	Temperature  float32
	TopP         float32
}

// Extractor is the downstream LLM boundary.
type Extractor interface {
	Extract(ctx context.Context, chunkText string, known []KnownConcept, profile Profile) (*Result, error)
}
