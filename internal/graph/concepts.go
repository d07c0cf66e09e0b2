package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kgraph/internal/logging"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConcept(row rowScanner) (*Concept, error) {
	var c Concept
	var terms string
	var embedding []byte
	var override int
	err := row.Scan(&c.ID, &c.Ontology, &c.Label, &terms, &c.Confidence,
		&embedding, &c.Dimension, &override, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConceptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan concept: %w", err)
	}
	if err := json.Unmarshal([]byte(terms), &c.SearchTerms); err != nil {
		return nil, fmt.Errorf("corrupt search terms for concept %s: %w", c.ID, err)
	}
	c.Embedding = decodeFloat32Blob(embedding)
	c.ManualOverride = override != 0
	return &c, nil
}

// CreateConcept inserts a new concept node and indexes its embedding.
// Callers must hold the resolver's ontology lock; the id must already be
// de-collided.
func (s *Store) CreateConcept(c *Concept) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	terms, err := json.Marshal(c.SearchTerms)
	if err != nil {
		return fmt.Errorf("failed to encode search terms: %w", err)
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Dimension = len(c.Embedding)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO concepts (id, ontology, label, search_terms_json, confidence,
			embedding, dimension, manual_override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Ontology, c.Label, string(terms), c.Confidence,
		encodeFloat32Blob(c.Embedding), c.Dimension, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert concept %s: %w", c.ID, err)
	}

	if s.vectorExt && len(c.Embedding) > 0 {
		if err := s.indexEmbedding(tx, c); err != nil {
			// ANN index is an accelerator; the brute-force path still
			// sees the concept.
			logging.Get(logging.CategoryGraph).Warn("Failed to index embedding for %s: %v", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit concept %s: %w", c.ID, err)
	}

	logging.GraphDebug("Created concept %s (%s) in ontology %s", c.ID, c.Label, c.Ontology)
	return nil
}

// ConceptExists reports whether id exists, optionally scoped to an ontology.
func (s *Store) ConceptExists(id, ontology string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT 1 FROM concepts WHERE id = ?"
	args := []interface{}{id}
	if ontology != "" {
		query += " AND ontology = ?"
		args = append(args, ontology)
	}
	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check concept: %w", err)
	}
	return true, nil
}

// KnownConcepts returns up to limit concepts, most recently updated
// first. An empty ontology lists across all ontologies, matching the
// unscoped resolution mode. Used as extraction context so the model
// reuses established ids.
func (s *Store) KnownConcepts(ontology string, limit int) ([]*Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, ontology, label, search_terms_json, confidence,
			embedding, dimension, manual_override, created_at, updated_at
		FROM concepts`
	var args []interface{}
	if ontology != "" {
		query += " WHERE ontology = ?"
		args = append(args, ontology)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	var concepts []*Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

// TouchConcept bumps updated_at and raises confidence to the maximum of
// the stored and observed values when a concept is re-evidenced.
func (s *Store) TouchConcept(id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE concepts SET confidence = MAX(confidence, ?), updated_at = ? WHERE id = ?`,
		confidence, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch concept %s: %w", id, err)
	}
	return nil
}
