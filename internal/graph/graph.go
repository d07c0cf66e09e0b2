// Package graph persists the knowledge graph: Concept, Source, and
// Instance nodes plus typed concept edges, with vector-based concept
// identity resolution on top of SQLite.
package graph

import "time"

// Concept is a deduplicated idea node. Identity is resolved by vector
// similarity at ingest time, so two concepts in the same ontology with
// the same embedding dimension are always below the match threshold of
// each other unless an operator set the manual override flag.
type Concept struct {
	ID             string
	Ontology       string
	Label          string
	SearchTerms    []string
	Confidence     float64
	Embedding      []float32
	Dimension      int
	ManualOverride bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Source is one chunk of one ingested document. Sources are written
// before extraction starts for their chunk and never mutated after.
type Source struct {
	ID           string
	JobID        string
	DocumentName string
	ChunkIndex   int
	FullText     string
	WordCount    int
	Ontology     string
	CreatedAt    time.Time
}

// Instance is a verbatim quote evidencing a concept in a source.
type Instance struct {
	ID        string
	ConceptID string
	SourceID  string
	Quote     string
	CreatedAt time.Time
}

// Edge is a typed relationship between two concepts. At most one edge
// exists per (from, to, type); its confidence is the maximum ever written.
type Edge struct {
	FromID     string
	ToID       string
	Type       string
	Confidence float64
}

// Match is one vector search hit.
type Match struct {
	ConceptID string
	Score     float64
}

// ChunkWrite is everything one chunk contributes to the graph. The store
// applies it in a single transaction so partial chunk writes are never
// observable.
type ChunkWrite struct {
	Source    Source
	Instances []Instance
	Edges     []Edge

	// ConceptLinks ties every concept the chunk referenced to the
	// source (and its document), including matched pre-existing ones.
	ConceptLinks []string
}

// Stats summarizes graph contents for job results and the CLI.
type Stats struct {
	Concepts      int64
	Sources       int64
	Instances     int64
	Relationships int64
	Documents     int64
}
