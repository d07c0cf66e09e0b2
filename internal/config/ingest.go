package config

import (
	"fmt"
	"time"
)

// IngestConfig configures the ingestion pipeline: chunking defaults, the
// scheduler's concurrency bounds, lease handling, and retention.
type IngestConfig struct {
	// Chunking defaults, overridable per submission.
	TargetWords  int `yaml:"target_words"`
	OverlapWords int `yaml:"overlap_words"`

	// Process-wide bound on jobs simultaneously in processing.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// Bound on chunks in flight within one job.
	MaxChunkConcurrency int `yaml:"max_chunk_concurrency"`

	// Vector similarity threshold for concept identity.
	MatchThreshold float64 `yaml:"match_threshold"`

	// Scope concept matching to the submission's ontology.
	OntologyScopedMatch bool `yaml:"ontology_scoped_match"`

	// Reuse a concept on a search-terms Jaccard hit instead of creating new.
	ReuseOnTermOverlap bool `yaml:"reuse_on_term_overlap"`

	// Worker lease duration; renewed on every progress update.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// Retries allowed before a lease-expired job is failed as WorkerLost.
	MaxLeaseRetries int `yaml:"max_lease_retries"`

	// How long a job may sit in awaiting_approval before it expires.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`

	// Terminal jobs are kept queryable at least this long before pruning.
	Retention time.Duration `yaml:"retention"`

	// Per-call timeout for graph transactions.
	GraphTimeout time.Duration `yaml:"graph_timeout"`

	// Scheduler loop interval.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DefaultIngestConfig returns sensible defaults.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		TargetWords:         1000,
		OverlapWords:        200,
		MaxConcurrentJobs:   4,
		MaxChunkConcurrency: 2,
		MatchThreshold:      0.85,
		OntologyScopedMatch: true,
		ReuseOnTermOverlap:  false,
		LeaseDuration:       5 * time.Minute,
		MaxLeaseRetries:     3,
		ApprovalTTL:         24 * time.Hour,
		Retention:           30 * 24 * time.Hour,
		GraphTimeout:        30 * time.Second,
		TickInterval:        time.Second,
	}
}

// Validate checks the ingestion configuration.
func (c IngestConfig) Validate() error {
	if c.TargetWords <= 0 {
		return fmt.Errorf("target_words must be positive, got %d", c.TargetWords)
	}
	if c.OverlapWords < 0 || c.OverlapWords >= c.TargetWords {
		return fmt.Errorf("overlap_words must be in [0, target_words), got %d", c.OverlapWords)
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive, got %d", c.MaxConcurrentJobs)
	}
	if c.MaxChunkConcurrency <= 0 {
		return fmt.Errorf("max_chunk_concurrency must be positive, got %d", c.MaxChunkConcurrency)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in (0, 1], got %f", c.MatchThreshold)
	}
	return nil
}
