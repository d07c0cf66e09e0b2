// Package worker executes approved ingestion jobs: load the input, chunk
// it, run extraction and graph upserts per chunk with bounded parallelism,
// and drive the job to a terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"kgraph/internal/chunker"
	"kgraph/internal/config"
	"kgraph/internal/extraction"
	"kgraph/internal/graph"
	"kgraph/internal/jobs"
	"kgraph/internal/logging"
)

// Stage names reported through job progress.
const (
	StageChunking   = "chunking"
	StageExtracting = "extracting"
	StageFinalizing = "finalizing"
)

// errLeaseLost signals that the job was reaped out from under us while we
// were still running. The new owner is responsible for the job from here;
// we stop without touching its status.
var errLeaseLost = errors.New("worker: lease lost")

// Worker runs one claimed job at a time. A single Worker value may be
// reused across jobs but never concurrently.
type Worker struct {
	id string

	jobs     *jobs.Store
	graph    *graph.Store
	resolver *graph.Resolver
	extract  extraction.Extractor

	cfg config.IngestConfig
	llm config.LLMConfig

	// Poll interval for the cancellation flag. Defaults to cfg.TickInterval.
	pollInterval time.Duration
}

// New wires a worker against the shared stores.
func New(id string, js *jobs.Store, gs *graph.Store, resolver *graph.Resolver, ex extraction.Extractor, cfg config.IngestConfig, llm config.LLMConfig) *Worker {
	poll := cfg.TickInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		id:           id,
		jobs:         js,
		graph:        gs,
		resolver:     resolver,
		extract:      ex,
		cfg:          cfg,
		llm:          llm,
		pollInterval: poll,
	}
}

// ID returns the worker's identity as recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run executes the given job, which must already be claimed by this
// worker (status processing, worker_id == w.ID()). It drives the job to
// completed, failed, or cancelled. If the surrounding context is
// cancelled (process shutdown) the job is left in processing for the
// reaper to requeue.
func (w *Worker) Run(ctx context.Context, job *jobs.Job) error {
	logging.Worker("job %s: starting (ontology=%s, file=%s)", job.ID, job.Ontology, job.Input.Filename)

	text, err := job.Input.Text()
	if err != nil {
		return w.fail(job, jobs.ErrKindValidation, fmt.Sprintf("loading input: %v", err))
	}

	chunks := chunker.Split(text, chunkConfig(job.Options, w.cfg))
	if len(chunks) == 0 {
		logging.Worker("job %s: empty input, completing with no work", job.ID)
		return w.complete(job, jobs.Progress{Stage: StageFinalizing, Percent: 100}, nil)
	}

	done, err := w.jobs.Checkpoint(job.ID)
	if err != nil {
		return w.fail(job, jobs.ErrKindInternal, fmt.Sprintf("reading checkpoint: %v", err))
	}
	doneSet := make(map[int]bool, len(done))
	for _, idx := range done {
		doneSet[idx] = true
	}

	prog := jobs.Progress{Stage: StageChunking, ChunksTotal: len(chunks)}
	if job.Progress != nil {
		prog = *job.Progress
		prog.ChunksTotal = len(chunks)
	}
	if err := w.jobs.UpdateProgress(job.ID, prog); err != nil {
		return w.fail(job, jobs.ErrKindInternal, fmt.Sprintf("recording progress: %v", err))
	}

	// Sources exist in chunk order before any extraction begins. The
	// inserts are idempotent, so a resumed job just re-ignores them.
	for _, c := range chunks {
		if doneSet[c.Index] {
			continue
		}
		stats, err := w.graph.ApplyChunk(graph.ChunkWrite{Source: w.sourceFor(job, c)})
		if err != nil {
			return w.fail(job, jobs.ErrKindInternal, fmt.Sprintf("creating source for chunk %d: %v", c.Index, err))
		}
		prog.SourcesCreated += stats.SourcesCreated
	}

	jobCtx, stop := context.WithCancel(ctx)
	defer stop()

	var cancelled atomic.Bool
	watchDone := make(chan struct{})
	go w.watchCancellation(jobCtx, job.ID, &cancelled, stop, watchDone)

	run := &jobRun{
		worker:  w,
		job:     job,
		prog:    prog,
		partial: nil,
	}
	runErr := run.processChunks(jobCtx, chunks, doneSet)

	stop()
	<-watchDone

	switch {
	case cancelled.Load():
		logging.Worker("job %s: cancelled after %d/%d chunks", job.ID, run.prog.ChunksProcessed, len(chunks))
		return w.jobs.Cancel(job.ID, w.id)
	case errors.Is(runErr, errLeaseLost):
		logging.Worker("job %s: lease lost, abandoning", job.ID)
		return runErr
	case ctx.Err() != nil:
		// Process shutdown. Leave the job in processing; the reaper
		// will requeue it once the lease expires.
		return ctx.Err()
	case runErr != nil:
		return w.fail(job, jobs.ErrKindExtractionFailed, runErr.Error())
	default:
		return w.complete(job, run.prog, run.partial)
	}
}

// jobRun holds the mutable state of one Run invocation. Chunk goroutines
// mutate it under mu.
type jobRun struct {
	worker *Worker
	job    *jobs.Job

	mu      sync.Mutex
	prog    jobs.Progress
	partial []int
	fatal   error
}

// processChunks runs the extraction and upsert loop with at most
// MaxChunkConcurrency chunks in flight. It returns the first fatal error
// under strict policy, or nil when every chunk either succeeded or was
// skipped under the partial policy.
func (r *jobRun) processChunks(ctx context.Context, chunks []chunker.Chunk, doneSet map[int]bool) error {
	w := r.worker

	r.mu.Lock()
	r.prog.Stage = StageExtracting
	r.mu.Unlock()

	limit := int64(w.cfg.MaxChunkConcurrency)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup

	for _, c := range chunks {
		if doneSet[c.Index] {
			continue
		}
		r.mu.Lock()
		stopped := r.fatal != nil
		r.mu.Unlock()
		if stopped {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(c chunker.Chunk) {
			defer wg.Done()
			defer sem.Release(1)
			r.runChunk(ctx, c)
		}(c)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// runChunk processes a single chunk and records the outcome.
func (r *jobRun) runChunk(ctx context.Context, c chunker.Chunk) {
	w := r.worker
	delta, err := w.processChunk(ctx, r.job, c)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if r.job.Options.PartialPolicy {
			logging.Worker("job %s: chunk %d skipped: %v", r.job.ID, c.Index, err)
			r.mu.Lock()
			r.partial = append(r.partial, c.Index)
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		if r.fatal == nil {
			r.fatal = fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.prog.ChunksProcessed++
	r.prog.ConceptsCreated += delta.conceptsCreated
	r.prog.ConceptsLinked += delta.conceptsLinked
	r.prog.InstancesCreated += delta.instancesCreated
	r.prog.RelationshipsCreated += delta.relationshipsCreated
	if r.prog.ChunksTotal > 0 {
		r.prog.Percent = 100 * r.prog.ChunksProcessed / r.prog.ChunksTotal
	}
	snapshot := r.prog
	r.mu.Unlock()

	if err := w.jobs.MarkChunkDone(r.job.ID, c.Index, snapshot); err != nil {
		r.noteStoreErr(err)
		return
	}
	if err := w.jobs.RenewLease(r.job.ID, w.id, w.cfg.LeaseDuration); err != nil {
		r.noteStoreErr(err)
	}
}

func (r *jobRun) noteStoreErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal != nil {
		return
	}
	if errors.Is(err, jobs.ErrStaleState) {
		r.fatal = errLeaseLost
	} else {
		r.fatal = err
	}
}

// chunkDelta is the per-chunk contribution to the progress counters.
type chunkDelta struct {
	conceptsCreated      int
	conceptsLinked       int
	instancesCreated     int
	relationshipsCreated int
}

// processChunk extracts one chunk and applies its writes to the graph in
// a single transaction.
func (w *Worker) processChunk(ctx context.Context, job *jobs.Job, c chunker.Chunk) (chunkDelta, error) {
	var delta chunkDelta

	known, err := w.knownConcepts(job.Ontology)
	if err != nil {
		return delta, fmt.Errorf("loading known concepts: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryExtraction, fmt.Sprintf("extract chunk %d", c.Index))
	result, err := w.extract.Extract(ctx, c.Text, known, extraction.Profile{
		Model:        w.llm.Model,
		ThinkingMode: w.llm.ThinkingMode,
		Temperature:  w.llm.Temperature,
		TopP:         w.llm.TopP,
	})
	timer.Stop()
	if err != nil {
		return delta, err
	}

	// Map the extractor's provisional ids onto durable graph concepts.
	resolved := make(map[string]string, len(result.Concepts))
	for _, ec := range result.Concepts {
		res, err := w.resolver.Resolve(ctx, &graph.Concept{
			ID:          ec.ConceptID,
			Ontology:    job.Ontology,
			Label:       ec.Label,
			SearchTerms: ec.SearchTerms,
			Confidence:  ec.Confidence,
		})
		if err != nil {
			return delta, fmt.Errorf("resolving concept %q: %w", ec.Label, err)
		}
		resolved[ec.ConceptID] = res.ConceptID
		if res.Created {
			delta.conceptsCreated++
		} else {
			delta.conceptsLinked++
		}
	}

	write := graph.ChunkWrite{Source: w.sourceFor(job, c)}
	for n, inst := range result.Instances {
		write.Instances = append(write.Instances, graph.Instance{
			ID:        graph.InstanceID(write.Source.ID, n),
			ConceptID: resolved[inst.ConceptID],
			SourceID:  write.Source.ID,
			Quote:     inst.Quote,
		})
	}
	for _, rel := range result.Relationships {
		from, to := resolved[rel.FromConceptID], resolved[rel.ToConceptID]
		if from == to {
			// Two provisional ids collapsed onto one concept.
			continue
		}
		write.Edges = append(write.Edges, graph.Edge{
			FromID:     from,
			ToID:       to,
			Type:       rel.Type,
			Confidence: rel.Confidence,
		})
	}
	seen := make(map[string]bool, len(resolved))
	for _, id := range resolved {
		if !seen[id] {
			seen[id] = true
			write.ConceptLinks = append(write.ConceptLinks, id)
		}
	}

	stats, err := w.graph.ApplyChunk(write)
	if err != nil {
		return delta, fmt.Errorf("applying chunk writes: %w", err)
	}
	delta.instancesCreated = stats.InstancesCreated
	delta.relationshipsCreated = stats.RelationshipsCreated
	return delta, nil
}

// watchCancellation polls the job's cancellation flag and tears down the
// job context when it is set, so in-flight extractor calls abort.
func (w *Worker) watchCancellation(ctx context.Context, jobID string, cancelled *atomic.Bool, stop context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flag, err := w.jobs.CancellationRequested(jobID)
			if err != nil {
				continue
			}
			if flag {
				cancelled.Store(true)
				stop()
				return
			}
		}
	}
}

func (w *Worker) knownConcepts(ontology string) ([]extraction.KnownConcept, error) {
	scope := ontology
	if !w.cfg.OntologyScopedMatch {
		scope = ""
	}
	concepts, err := w.graph.KnownConcepts(scope, 0)
	if err != nil {
		return nil, err
	}
	known := make([]extraction.KnownConcept, 0, len(concepts))
	for _, c := range concepts {
		known = append(known, extraction.KnownConcept{
			ID:          c.ID,
			Label:       c.Label,
			SearchTerms: c.SearchTerms,
		})
	}
	return known, nil
}

func (w *Worker) sourceFor(job *jobs.Job, c chunker.Chunk) graph.Source {
	name := job.Options.Filename
	if name == "" {
		name = job.Input.Filename
	}
	if name == "" {
		name = job.ID
	}
	return graph.Source{
		ID:           graph.SourceID(job.ID, name, c.Index),
		JobID:        job.ID,
		DocumentName: name,
		ChunkIndex:   c.Index,
		FullText:     c.Text,
		WordCount:    c.WordCount,
		Ontology:     job.Ontology,
	}
}

func (w *Worker) complete(job *jobs.Job, prog jobs.Progress, partial []int) error {
	prog.Stage = StageFinalizing
	result := jobs.Result{
		Stats:         prog,
		Ontology:      job.Ontology,
		Filename:      job.Options.Filename,
		PartialChunks: partial,
	}
	if job.CostEstimate != nil {
		result.Cost = *job.CostEstimate
	}
	logging.Worker("job %s: completed (%d/%d chunks, %d concepts created, %d linked)",
		job.ID, prog.ChunksProcessed, prog.ChunksTotal, prog.ConceptsCreated, prog.ConceptsLinked)
	return w.jobs.Complete(job.ID, w.id, result)
}

func (w *Worker) fail(job *jobs.Job, kind jobs.ErrorKind, message string) error {
	logging.Worker("job %s: failed (%s): %s", job.ID, kind, message)
	return w.jobs.Fail(job.ID, w.id, kind, message)
}

// chunkConfig merges per-submission overrides onto the configured defaults.
func chunkConfig(opts jobs.Options, cfg config.IngestConfig) chunker.Config {
	c := chunker.DefaultConfig()
	if cfg.TargetWords > 0 {
		c.TargetWords = cfg.TargetWords
	}
	if cfg.OverlapWords > 0 {
		c.OverlapWords = cfg.OverlapWords
	}
	if opts.TargetWords > 0 {
		c.TargetWords = opts.TargetWords
	}
	if opts.OverlapWords > 0 {
		c.OverlapWords = opts.OverlapWords
	}
	c.MinWords = 0
	c.MaxWords = 0
	return c
}
