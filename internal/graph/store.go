package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kgraph/internal/logging"
)

// Store is the SQLite-backed graph store. Chunk writes are applied as
// single transactions; concept creation is serialized per ontology by
// the resolver on top of this store.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	dbPath    string
	vectorExt bool
	opTimeout time.Duration
}

// ErrConceptNotFound means no concept exists with the given id.
var ErrConceptNotFound = errors.New("concept not found")

// NewStore opens (or creates) the graph database at the given path.
// Pass ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.GraphDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.GraphDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.GraphDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.GraphDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()

	logging.Graph("Graph store initialized at %s (sqlite-vec=%v)", path, s.vectorExt)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS concepts (
		id TEXT PRIMARY KEY,
		ontology TEXT NOT NULL,
		label TEXT NOT NULL,
		search_terms_json TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 0,
		embedding BLOB,
		dimension INTEGER NOT NULL DEFAULT 0,
		manual_override INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_concepts_ontology ON concepts(ontology, dimension);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		document_name TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		full_text TEXT NOT NULL,
		word_count INTEGER NOT NULL,
		ontology TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sources_document ON sources(document_name, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_sources_job ON sources(job_id);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		concept_id TEXT NOT NULL REFERENCES concepts(id),
		source_id TEXT NOT NULL REFERENCES sources(id),
		quote TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_concept ON instances(concept_id);
	CREATE INDEX IF NOT EXISTS idx_instances_source ON instances(source_id);

	CREATE TABLE IF NOT EXISTS concept_edges (
		from_id TEXT NOT NULL REFERENCES concepts(id),
		to_id TEXT NOT NULL REFERENCES concepts(id),
		type TEXT NOT NULL,
		confidence REAL NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(from_id, to_id, type)
	);

	CREATE TABLE IF NOT EXISTS concept_sources (
		concept_id TEXT NOT NULL REFERENCES concepts(id),
		source_id TEXT NOT NULL REFERENCES sources(id),
		UNIQUE(concept_id, source_id)
	);

	CREATE TABLE IF NOT EXISTS concept_documents (
		concept_id TEXT NOT NULL REFERENCES concepts(id),
		document_name TEXT NOT NULL,
		UNIQUE(concept_id, document_name)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available. Without it, vector search falls back to a
// brute-force scan.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// SetOpTimeout bounds chunk writes and vector searches. Zero (the
// default) disables the bound.
func (s *Store) SetOpTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opTimeout = d
}

// opCtx returns the deadline context for one store operation. Callers
// must hold s.mu.
func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Graph("Closing graph store")
	return s.db.Close()
}

// GetStats returns node and edge counts.
func (s *Store) GetStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM concepts", &stats.Concepts},
		{"SELECT COUNT(*) FROM sources", &stats.Sources},
		{"SELECT COUNT(*) FROM instances", &stats.Instances},
		{"SELECT COUNT(*) FROM concept_edges", &stats.Relationships},
		{"SELECT COUNT(DISTINCT document_name) FROM sources", &stats.Documents},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("failed to count: %w", err)
		}
	}
	return stats, nil
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// GetConcept loads one concept by id.
func (s *Store) GetConcept(id string) (*Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConcept(s.db, id)
}

func (s *Store) getConcept(q querier, id string) (*Concept, error) {
	row := q.QueryRow(`
		SELECT id, ontology, label, search_terms_json, confidence,
			embedding, dimension, manual_override, created_at, updated_at
		FROM concepts WHERE id = ?`, id)
	return scanConcept(row)
}
