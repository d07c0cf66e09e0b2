package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kgraph/internal/logging"
)

// Create inserts a new job. It enters queued unless a cost estimate is
// already attached, in which case it starts in awaiting_approval.
// Returns the assigned job id.
func (s *Store) Create(job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = "job_" + uuid.New().String()[:12]
	}
	if job.Kind == "" {
		job.Kind = KindIngestion
	}
	job.Status = StatusQueued
	if job.CostEstimate != nil {
		job.Status = StatusAwaitingApproval
	}
	job.CreatedAt = time.Now().UTC()

	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return "", fmt.Errorf("failed to encode options: %w", err)
	}
	var estimateJSON interface{}
	var awaitingSince interface{}
	if job.CostEstimate != nil {
		raw, err := json.Marshal(job.CostEstimate)
		if err != nil {
			return "", fmt.Errorf("failed to encode cost estimate: %w", err)
		}
		estimateJSON = string(raw)
		awaitingSince = job.CreatedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (
			id, kind, content_fingerprint, ontology, input_json, options_json,
			status, cost_estimate_json, owner_principal, created_at, awaiting_since
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.Fingerprint, job.Ontology,
		string(inputJSON), string(optionsJSON), string(job.Status),
		estimateJSON, job.Owner, job.CreatedAt, awaitingSince,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	logging.Jobs("Created job %s (ontology=%s, status=%s)", job.ID, job.Ontology, job.Status)
	return job.ID, nil
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.db, id)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

const jobColumns = `
	id, kind, content_fingerprint, ontology, input_json, options_json,
	status, progress_json, checkpoint_json, cost_estimate_json, result_json,
	error_kind, error_message, cancellation_requested, owner_principal,
	worker_id, lease_expires_at, retry_count,
	created_at, approved_at, started_at, completed_at, last_progress_at`

func (s *Store) get(q querier, id string) (*Job, error) {
	row := q.QueryRow("SELECT"+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                             Job
		kind, status                                    string
		inputJSON, optionsJSON                          string
		progressJSON, checkpointJSON                    sql.NullString
		estimateJSON, resultJSON                        sql.NullString
		errorKind, errorMessage, workerID               sql.NullString
		cancellation                                    int
		leaseExpires, approvedAt, startedAt             sql.NullTime
		completedAt, lastProgressAt                     sql.NullTime
	)

	err := row.Scan(
		&job.ID, &kind, &job.Fingerprint, &job.Ontology, &inputJSON, &optionsJSON,
		&status, &progressJSON, &checkpointJSON, &estimateJSON, &resultJSON,
		&errorKind, &errorMessage, &cancellation, &job.Owner,
		&workerID, &leaseExpires, &job.RetryCount,
		&job.CreatedAt, &approvedAt, &startedAt, &completedAt, &lastProgressAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.CancellationRequested = cancellation != 0
	job.WorkerID = workerID.String
	job.ErrorKind = ErrorKind(errorKind.String)
	job.ErrorMessage = errorMessage.String

	if err := json.Unmarshal([]byte(inputJSON), &job.Input); err != nil {
		return nil, fmt.Errorf("corrupt input for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("corrupt options for job %s: %w", job.ID, err)
	}
	if progressJSON.Valid {
		job.Progress = &Progress{}
		if err := json.Unmarshal([]byte(progressJSON.String), job.Progress); err != nil {
			return nil, fmt.Errorf("corrupt progress for job %s: %w", job.ID, err)
		}
	}
	if estimateJSON.Valid {
		job.CostEstimate = &CostEstimate{}
		if err := json.Unmarshal([]byte(estimateJSON.String), job.CostEstimate); err != nil {
			return nil, fmt.Errorf("corrupt cost estimate for job %s: %w", job.ID, err)
		}
	}
	if resultJSON.Valid {
		job.Result = &Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), job.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for job %s: %w", job.ID, err)
		}
	}

	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		job.ApprovedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if lastProgressAt.Valid {
		t := lastProgressAt.Time
		job.LastProgressAt = &t
	}

	return &job, nil
}

// ListFilter selects jobs for List.
type ListFilter struct {
	Status        Status
	Owner         string
	Ontology      string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		conditions = append(conditions, "owner_principal = ?")
		args = append(args, filter.Owner)
	}
	if filter.Ontology != "" {
		conditions = append(conditions, "ontology = ?")
		args = append(args, filter.Ontology)
	}
	if !filter.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.CreatedBefore)
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(
		"SELECT"+jobColumns+" FROM jobs WHERE "+where+
			" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// FindByFingerprint returns the most recent job with the given content
// fingerprint, or ErrNotFound.
func (s *Store) FindByFingerprint(fp string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		"SELECT"+jobColumns+" FROM jobs WHERE content_fingerprint = ? ORDER BY created_at DESC LIMIT 1", fp)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// Prune deletes terminal jobs whose completed_at is older than the cutoff.
// Non-terminal jobs are never pruned. Returns the number deleted.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed),
		string(StatusCancelled), string(StatusExpired),
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Jobs("Pruned %d terminal jobs older than %s", n, olderThan.Format(time.RFC3339))
	}
	return n, nil
}
