// Package service is the submission surface of the ingestion control
// plane: submit, inspect, approve, and cancel jobs. The CLI and any
// future REST or MCP front end call through here.
package service

import (
	"errors"
	"fmt"

	"kgraph/internal/config"
	"kgraph/internal/fingerprint"
	"kgraph/internal/jobs"
	"kgraph/internal/logging"
)

// ErrValidation marks malformed submissions and parameters out of range.
// Callers map it to their own surface (the CLI exits 2).
var ErrValidation = errors.New("validation error")

// Service exposes job operations over the shared job store.
type Service struct {
	jobs *jobs.Store
	cfg  config.IngestConfig
}

// New returns a Service with the given chunking defaults.
func New(js *jobs.Store, cfg config.IngestConfig) *Service {
	return &Service{jobs: js, cfg: cfg}
}

// SubmitRequest is one ingestion submission.
type SubmitRequest struct {
	// Content is the document text. BlobPath may reference a file on
	// local disk instead; exactly one of the two must be set.
	Content  string
	BlobPath string

	Ontology string
	Owner    string
	Options  jobs.Options
}

// SubmitResult reports the job the submission landed on. DuplicateOf is
// set when an identical submission already exists and force was off; no
// new job is created in that case.
type SubmitResult struct {
	JobID       string      `json:"job_id"`
	Status      jobs.Status `json:"status"`
	DuplicateOf string      `json:"duplicate_of,omitempty"`
}

// Submit fingerprints the content and creates a queued job, unless an
// identical submission already exists. Identity covers the normalized
// content, the ontology, and the effective chunk parameters; force
// bypasses it by salting the digest.
func (s *Service) Submit(req SubmitRequest) (*SubmitResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	input := jobs.Input{
		Inline:   req.Content,
		BlobPath: req.BlobPath,
		Filename: req.Options.Filename,
	}
	text, err := input.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	input.Bytes = int64(len(text))

	target, overlap := s.effectiveChunkParams(req.Options)
	digest := fingerprint.Compute([]byte(text), req.Ontology, target, overlap)

	if !req.Options.Force {
		existing, err := s.jobs.FindByFingerprint(digest.String())
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			logging.API("submit: duplicate of job %s (status=%s)", existing.ID, existing.Status)
			return &SubmitResult{
				JobID:       existing.ID,
				Status:      existing.Status,
				DuplicateOf: existing.ID,
			}, nil
		}
	} else {
		digest = fingerprint.Salted(digest)
	}

	id, err := s.jobs.Create(&jobs.Job{
		Kind:        jobs.KindIngestion,
		Fingerprint: digest.String(),
		Ontology:    req.Ontology,
		Input:       input,
		Options:     req.Options,
		Owner:       req.Owner,
	})
	if err != nil {
		return nil, err
	}
	logging.API("submit: created job %s (ontology=%s, %d bytes)", id, req.Ontology, input.Bytes)
	return &SubmitResult{JobID: id, Status: jobs.StatusQueued}, nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if req.Ontology == "" {
		return fmt.Errorf("%w: ontology is required", ErrValidation)
	}
	if req.Content != "" && req.BlobPath != "" {
		return fmt.Errorf("%w: content and blob path are mutually exclusive", ErrValidation)
	}
	opts := req.Options
	if opts.TargetWords < 0 || opts.OverlapWords < 0 {
		return fmt.Errorf("%w: chunk parameters must be non-negative", ErrValidation)
	}
	target, overlap := s.effectiveChunkParams(opts)
	if overlap >= target {
		return fmt.Errorf("%w: overlap_words %d must be below target_words %d", ErrValidation, overlap, target)
	}
	return nil
}

// effectiveChunkParams resolves per-submission overrides against the
// configured defaults. These resolved values go into the fingerprint, so
// an explicit option equal to the default dedups against a defaulted
// submission.
func (s *Service) effectiveChunkParams(opts jobs.Options) (target, overlap int) {
	target, overlap = s.cfg.TargetWords, s.cfg.OverlapWords
	if opts.TargetWords > 0 {
		target = opts.TargetWords
	}
	if opts.OverlapWords > 0 {
		overlap = opts.OverlapWords
	}
	return target, overlap
}

// GetJob returns the job with the given id, or jobs.ErrNotFound.
func (s *Service) GetJob(id string) (*jobs.Job, error) {
	return s.jobs.Get(id)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Service) ListJobs(filter jobs.ListFilter) ([]*jobs.Job, error) {
	return s.jobs.List(filter)
}

// Approve transitions an awaiting_approval job to approved and returns
// the updated record. Any other starting status is jobs.ErrStaleState.
func (s *Service) Approve(id string) (*jobs.Job, error) {
	err := s.jobs.UpdateStatus(id, []jobs.Status{jobs.StatusAwaitingApproval}, jobs.StatusApproved, "approved by operator")
	if err != nil {
		return nil, err
	}
	return s.jobs.Get(id)
}

// CancelResult reports what a cancellation request achieved. AtStatus is
// the job's status at the moment of the request: for unclaimed jobs the
// cancellation is authoritative, for processing jobs it is cooperative,
// and for terminal jobs it is a no-op.
type CancelResult struct {
	Cancelled bool        `json:"cancelled"`
	AtStatus  jobs.Status `json:"at_status"`
}

// Cancel requests cancellation of a job. Idempotent on terminal jobs.
func (s *Service) Cancel(id string) (*CancelResult, error) {
	at, err := s.jobs.RequestCancellation(id)
	if err != nil {
		return nil, err
	}
	logging.API("cancel: job %s at status %s", id, at)
	return &CancelResult{Cancelled: !at.Terminal(), AtStatus: at}, nil
}
