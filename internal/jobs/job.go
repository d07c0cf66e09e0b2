// Package jobs provides the durable job store for the ingestion control plane.
// Every job mutation goes through the store's API in a single SQLite
// transaction; arbitrary writes to the jobs table are forbidden.
package jobs

import (
	"fmt"
	"os"
	"time"
)

// Kind identifies the kind of background job.
type Kind string

const (
	KindIngestion Kind = "ingestion"
	KindRestore   Kind = "restore"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ErrorKind is the failure taxonomy recorded on terminally failed jobs.
type ErrorKind string

const (
	ErrKindValidation       ErrorKind = "ValidationError"
	ErrKindExtractionFailed ErrorKind = "ExtractionFailed"
	ErrKindWorkerLost       ErrorKind = "WorkerLost"
	ErrKindCancelled        ErrorKind = "Cancelled"
	ErrKindInternal         ErrorKind = "Internal"
)

// Options are the per-submission ingestion parameters.
type Options struct {
	TargetWords   int    `json:"target_words"`
	OverlapWords  int    `json:"overlap_words"`
	Force         bool   `json:"force"`
	AutoApprove   bool   `json:"auto_approve"`
	Filename      string `json:"filename,omitempty"`
	Profile       string `json:"profile,omitempty"`
	PartialPolicy bool   `json:"partial_policy,omitempty"` // skip failed chunks instead of failing the job
}

// Input is the job's content: either inlined text or a reference to a
// stored blob on local disk.
type Input struct {
	Inline   string `json:"inline,omitempty"`
	BlobPath string `json:"blob_path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Bytes    int64  `json:"bytes"`
}

// Text materializes the input as a single string, reading the blob when
// the content is not inlined.
func (in Input) Text() (string, error) {
	if in.BlobPath != "" {
		data, err := os.ReadFile(in.BlobPath)
		if err != nil {
			return "", fmt.Errorf("failed to read input blob: %w", err)
		}
		return string(data), nil
	}
	return in.Inline, nil
}

// Progress tracks how far through its chunks a job has gotten. The
// chunks_processed counter is monotonic.
type Progress struct {
	Stage                string `json:"stage"`
	ChunksTotal          int    `json:"chunks_total"`
	ChunksProcessed      int    `json:"chunks_processed"`
	Percent              int    `json:"percent"`
	ConceptsCreated      int    `json:"concepts_created"`
	ConceptsLinked       int    `json:"concepts_linked"`
	InstancesCreated     int    `json:"instances_created"`
	RelationshipsCreated int    `json:"relationships_created"`
	SourcesCreated       int    `json:"sources_created"`
}

// CostEstimate projects LLM and embedding spend before approval.
type CostEstimate struct {
	TokensIn        int64   `json:"tokens_in"`
	TokensOut       int64   `json:"tokens_out"`
	USDExtraction   float64 `json:"usd_extraction"`
	USDEmbedding    float64 `json:"usd_embedding"`
	USDTotal        float64 `json:"usd_total"`
	ExtractionModel string  `json:"extraction_model"`
	EmbeddingModel  string  `json:"embedding_model"`
}

// Result carries the final statistics of a completed job.
type Result struct {
	Stats         Progress     `json:"stats"`
	Cost          CostEstimate `json:"cost"`
	Ontology      string       `json:"ontology"`
	Filename      string       `json:"filename,omitempty"`
	PartialChunks []int        `json:"partial_chunks,omitempty"` // chunk indexes skipped under partial policy
}

// Job is the durable record of one ingestion request.
type Job struct {
	ID          string
	Kind        Kind
	Fingerprint string // hex digest of (content, ontology, chunk params)
	Ontology    string
	Input       Input
	Options     Options
	Status      Status

	Progress     *Progress
	CostEstimate *CostEstimate
	Result       *Result

	ErrorKind    ErrorKind
	ErrorMessage string

	CancellationRequested bool

	Owner      string
	WorkerID   string
	RetryCount int

	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	ApprovedAt     *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastProgressAt *time.Time
}

// validTransitions is the full state machine. Any conditional status update
// is checked against this table in addition to the caller's from-set.
var validTransitions = map[Status][]Status{
	StatusQueued:           {StatusAwaitingApproval, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled, StatusExpired},
	StatusApproved:         {StatusProcessing, StatusCancelled},
	StatusProcessing:       {StatusCompleted, StatusFailed, StatusCancelled, StatusApproved},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
