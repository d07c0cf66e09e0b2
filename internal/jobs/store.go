package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"kgraph/internal/logging"
)

// Store is the SQLite-backed durable job store. All status-changing
// operations run in a single transaction and are individually atomic.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleState means a conditional transition found the job in a
	// status outside the caller's from-set.
	ErrStaleState = errors.New("stale job state")
)

// NewStore opens (or creates) the job database at the given path.
// Pass ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Job store initialized at %s", path)
	return s, nil
}

// initialize creates the jobs table and the indexes the claim, duplicate
// lookup, listing, and reaper paths depend on.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content_fingerprint TEXT NOT NULL,
		ontology TEXT NOT NULL,
		input_json TEXT NOT NULL,
		options_json TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_json TEXT,
		checkpoint_json TEXT,
		cost_estimate_json TEXT,
		result_json TEXT,
		error_kind TEXT,
		error_message TEXT,
		cancellation_requested INTEGER NOT NULL DEFAULT 0,
		owner_principal TEXT NOT NULL,
		worker_id TEXT,
		lease_expires_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		awaiting_since DATETIME,
		approved_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		last_progress_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_approved ON jobs(status, approved_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(content_fingerprint, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_principal, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing job store")
	return s.db.Close()
}
