package graph

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"kgraph/internal/logging"
)

// vecTableName is the ANN index over concept embeddings. One table per
// dimension keeps sqlite-vec happy and enforces the no-cross-dimension
// rule structurally.
func vecTableName(dim int) string {
	return fmt.Sprintf("vec_concepts_%d", dim)
}

// ensureVecTable runs on the caller's transaction: with a single sqlite
// connection, a db-level Exec would block behind the open tx.
func ensureVecTable(tx *sql.Tx, dim int) error {
	query := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d], concept_id TEXT)",
		vecTableName(dim), dim)
	if _, err := tx.Exec(query); err != nil {
		return err
	}
	return nil
}

// indexEmbedding adds a concept's vector to the ANN table inside the
// caller's transaction.
func (s *Store) indexEmbedding(tx *sql.Tx, c *Concept) error {
	if err := ensureVecTable(tx, c.Dimension); err != nil {
		return err
	}
	_, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (embedding, concept_id) VALUES (?, ?)", vecTableName(c.Dimension)),
		encodeFloat32Blob(c.Embedding), c.ID)
	return err
}

// VectorSearch returns up to k concepts in the ontology whose cosine
// similarity with the query vector meets the threshold, best first.
// An empty ontology searches across all ontologies. Concepts stored
// with a different embedding dimension are never candidates.
func (s *Store) VectorSearch(ontology string, query []float32, k int, threshold float64) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		k = 5
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	if s.vectorExt {
		matches, err := s.searchVec(ctx, ontology, query, k, threshold)
		if err == nil {
			return matches, nil
		}
		logging.Get(logging.CategoryGraph).Warn("ANN search failed, falling back to scan: %v", err)
	}
	return s.searchScan(ctx, ontology, query, k, threshold)
}

// searchVec uses the sqlite-vec virtual table, then filters by ontology
// and threshold. Over-fetches because the ANN table is not
// ontology-scoped.
func (s *Store) searchVec(ctx context.Context, ontology string, query []float32, k int, threshold float64) ([]Match, error) {
	q := fmt.Sprintf(`
		SELECT v.concept_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM %s v
		JOIN concepts c ON c.id = v.concept_id
		WHERE c.dimension = ?`, vecTableName(len(query)))
	args := []interface{}{encodeFloat32Blob(query), len(query)}
	if ontology != "" {
		q += " AND c.ontology = ?"
		args = append(args, ontology)
	}
	q += `
		ORDER BY distance ASC
		LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var distance float64
		if err := rows.Scan(&m.ConceptID, &distance); err != nil {
			return nil, err
		}
		m.Score = 1.0 - distance
		if m.Score >= threshold {
			matches = append(matches, m)
		}
	}
	return matches, rows.Err()
}

// searchScan is the brute-force fallback: load every same-dimension
// embedding in the ontology and rank by cosine similarity.
func (s *Store) searchScan(ctx context.Context, ontology string, query []float32, k int, threshold float64) ([]Match, error) {
	q := `
		SELECT id, embedding FROM concepts
		WHERE dimension = ? AND embedding IS NOT NULL`
	args := []interface{}{len(query)}
	if ontology != "" {
		q += " AND ontology = ?"
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("embedding scan failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		score := cosine(query, decodeFloat32Blob(blob))
		if score >= threshold {
			matches = append(matches, Match{ConceptID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Insertion sort keeps the best k; candidate lists are small.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// encodeFloat32Blob packs a vector into the little-endian float32 layout
// sqlite-vec expects.
func encodeFloat32Blob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeFloat32Blob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
