package graph

import (
	"fmt"
	"time"

	"kgraph/internal/logging"
)

// SourceID derives the stable id for one chunk of one job's document.
// Including the job id keeps force re-ingests from colliding with the
// original run's sources.
func SourceID(jobID, documentName string, chunkIndex int) string {
	return fmt.Sprintf("%s:%s:%d", jobID, documentName, chunkIndex)
}

// InstanceID derives a deterministic id for the nth instance of a chunk,
// so an interrupted chunk re-run cannot double-write evidence.
func InstanceID(sourceID string, n int) string {
	return fmt.Sprintf("%s:inst:%d", sourceID, n)
}

// ChunkStats reports what a chunk write actually added, net of rows that
// already existed from an interrupted earlier attempt.
type ChunkStats struct {
	SourcesCreated       int
	InstancesCreated     int
	RelationshipsCreated int
}

// ApplyChunk writes one chunk's source, instances, edges, and concept
// links in a single transaction. Partial chunk writes are never visible:
// either the whole chunk commits or none of it does. All referenced
// concepts must already exist (the resolver creates them beforehand).
func (s *Store) ApplyChunk(w ChunkWrite) (ChunkStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryGraph, "ApplyChunk")
	defer timer.StopWithThreshold(time.Second)

	var stats ChunkStats
	now := time.Now().UTC()

	ctx, cancel := s.opCtx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Sources are immutable: re-running an interrupted chunk keeps the
	// original row.
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO sources
			(id, job_id, document_name, chunk_index, full_text, word_count, ontology, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Source.ID, w.Source.JobID, w.Source.DocumentName, w.Source.ChunkIndex,
		w.Source.FullText, w.Source.WordCount, w.Source.Ontology, now)
	if err != nil {
		return stats, fmt.Errorf("failed to insert source %s: %w", w.Source.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		stats.SourcesCreated = int(n)
	}

	for _, inst := range w.Instances {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO instances (id, concept_id, source_id, quote, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			inst.ID, inst.ConceptID, inst.SourceID, inst.Quote, now)
		if err != nil {
			return stats, fmt.Errorf("failed to insert instance %s: %w", inst.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.InstancesCreated++
		}
	}

	for _, edge := range w.Edges {
		res, err := tx.Exec(`
			INSERT INTO concept_edges (from_id, to_id, type, confidence, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, type) DO UPDATE SET
				confidence = MAX(confidence, excluded.confidence),
				updated_at = excluded.updated_at`,
			edge.FromID, edge.ToID, edge.Type, edge.Confidence, now)
		if err != nil {
			return stats, fmt.Errorf("failed to merge edge %s-[%s]->%s: %w",
				edge.FromID, edge.Type, edge.ToID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.RelationshipsCreated++
		}
	}

	for _, conceptID := range w.ConceptLinks {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO concept_sources (concept_id, source_id) VALUES (?, ?)`,
			conceptID, w.Source.ID); err != nil {
			return stats, fmt.Errorf("failed to link concept %s to source: %w", conceptID, err)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO concept_documents (concept_id, document_name) VALUES (?, ?)`,
			conceptID, w.Source.DocumentName); err != nil {
			return stats, fmt.Errorf("failed to link concept %s to document: %w", conceptID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit chunk %s: %w", w.Source.ID, err)
	}

	logging.GraphDebug("Applied chunk %s: +%d sources, +%d instances, %d edge writes",
		w.Source.ID, stats.SourcesCreated, stats.InstancesCreated, stats.RelationshipsCreated)
	return stats, nil
}

// GetSource loads one source by id.
func (s *Store) GetSource(id string) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var src Source
	err := s.db.QueryRow(`
		SELECT id, job_id, document_name, chunk_index, full_text, word_count, ontology, created_at
		FROM sources WHERE id = ?`, id).
		Scan(&src.ID, &src.JobID, &src.DocumentName, &src.ChunkIndex,
			&src.FullText, &src.WordCount, &src.Ontology, &src.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load source %s: %w", id, err)
	}
	return &src, nil
}

// InstancesForConcept returns the evidence quotes stored for a concept.
func (s *Store) InstancesForConcept(conceptID string) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, concept_id, source_id, quote, created_at
		FROM instances WHERE concept_id = ? ORDER BY created_at`, conceptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.ConceptID, &inst.SourceID, &inst.Quote, &inst.CreatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// EdgesFrom returns the outgoing edges of a concept.
func (s *Store) EdgesFrom(conceptID string) ([]*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT from_id, to_id, type, confidence
		FROM concept_edges WHERE from_id = ? ORDER BY to_id, type`, conceptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Type, &e.Confidence); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}
