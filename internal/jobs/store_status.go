package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kgraph/internal/logging"
)

// UpdateStatus performs a conditional transition: the job must currently be
// in one of fromSet and the edge must exist in the state machine, otherwise
// ErrStaleState. Timestamps are stamped as part of the same transaction.
func (s *Store) UpdateStatus(id string, fromSet []Status, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.currentStatus(tx, id)
	if err != nil {
		return err
	}
	if !statusIn(current, fromSet) || !CanTransition(current, to) {
		return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrStaleState, id, current, to)
	}

	set := "status = ?"
	args := []interface{}{string(to)}
	now := time.Now().UTC()
	switch to {
	case StatusAwaitingApproval:
		// Approval TTL is measured from entry into awaiting_approval, not
		// from submission, so a backlog cannot expire a job on arrival.
		set += ", awaiting_since = ?"
		args = append(args, now)
	case StatusApproved:
		// Stamp approved_at only on the first entry into approved; a
		// lease-reaped job keeps its original FIFO position.
		if current == StatusAwaitingApproval {
			set += ", approved_at = ?"
			args = append(args, now)
		}
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		set += ", completed_at = ?, worker_id = NULL, lease_expires_at = NULL"
		args = append(args, now)
	}
	args = append(args, id)

	if _, err := tx.Exec("UPDATE jobs SET "+set+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	logging.Jobs("Job %s: %s -> %s (%s)", id, current, to, reason)
	return nil
}

func (s *Store) currentStatus(tx *sql.Tx, id string) (Status, error) {
	var status string
	err := tx.QueryRow("SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return Status(status), nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// SetCostEstimate attaches the pre-approval cost projection. Only valid
// while the job is queued or awaiting approval.
func (s *Store) SetCostEstimate(id string, estimate CostEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(estimate)
	if err != nil {
		return fmt.Errorf("failed to encode cost estimate: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET cost_estimate_json = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(raw), id, string(StatusQueued), string(StatusAwaitingApproval))
	if err != nil {
		return fmt.Errorf("failed to set cost estimate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.get(s.db, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: cost estimate only valid before approval", ErrStaleState)
	}
	return nil
}

// UpdateProgress replaces the job's progress record and stamps
// last_progress_at. The chunks_processed counter is monotonic: an update
// that would decrease it is rejected.
func (s *Store) UpdateProgress(id string, progress Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRow("SELECT progress_json FROM jobs WHERE id = ?", id).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read progress: %w", err)
	}
	if existing.Valid {
		var prev Progress
		if err := json.Unmarshal([]byte(existing.String), &prev); err == nil {
			if progress.ChunksProcessed < prev.ChunksProcessed {
				return fmt.Errorf("progress for job %s would regress: %d < %d",
					id, progress.ChunksProcessed, prev.ChunksProcessed)
			}
		}
	}

	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE jobs SET progress_json = ?, last_progress_at = ? WHERE id = ?",
		string(raw), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return tx.Commit()
}

// Checkpoint returns the chunk indexes already committed for a job.
// Used by a re-claiming worker to skip fully ingested chunks.
func (s *Store) Checkpoint(id string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw sql.NullString
	err := s.db.QueryRow("SELECT checkpoint_json FROM jobs WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	var done []int
	if err := json.Unmarshal([]byte(raw.String), &done); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for job %s: %w", id, err)
	}
	return done, nil
}

// MarkChunkDone records chunk completion and the updated counters in one
// transaction, so a crash between graph commit and checkpoint re-runs at
// most the interrupted chunk.
func (s *Store) MarkChunkDone(id string, chunkIndex int, progress Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw, rawProgress sql.NullString
	err = tx.QueryRow("SELECT checkpoint_json, progress_json FROM jobs WHERE id = ?", id).
		Scan(&raw, &rawProgress)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var done []int
	if raw.Valid {
		_ = json.Unmarshal([]byte(raw.String), &done)
	}
	for _, idx := range done {
		if idx == chunkIndex {
			return tx.Commit() // already recorded
		}
	}
	done = append(done, chunkIndex)

	// Concurrent chunk goroutines can land their snapshots out of order.
	// The checkpoint append is always recorded; the counters never move
	// backwards.
	writeProgress := true
	if rawProgress.Valid {
		var prev Progress
		if err := json.Unmarshal([]byte(rawProgress.String), &prev); err == nil {
			if progress.ChunksProcessed < prev.ChunksProcessed {
				writeProgress = false
			}
		}
	}

	doneJSON, _ := json.Marshal(done)
	if writeProgress {
		progressJSON, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("failed to encode progress: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE jobs SET checkpoint_json = ?, progress_json = ?, last_progress_at = ?
			WHERE id = ?`,
			string(doneJSON), string(progressJSON), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to record chunk completion: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE jobs SET checkpoint_json = ?, last_progress_at = ?
			WHERE id = ?`,
			string(doneJSON), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to record chunk completion: %w", err)
		}
	}
	return tx.Commit()
}

// Complete performs the terminal processing -> completed transition and
// attaches the result in the same transaction.
func (s *Store) Complete(id, workerID string, result Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return s.terminal(id, workerID, StatusCompleted,
		"result_json = ?", []interface{}{string(raw)}, "worker finished")
}

// Fail performs the terminal processing -> failed transition and records
// the error taxonomy kind and message in the same transaction.
func (s *Store) Fail(id, workerID string, kind ErrorKind, message string) error {
	return s.terminal(id, workerID, StatusFailed,
		"error_kind = ?, error_message = ?", []interface{}{string(kind), message},
		"worker failure: "+string(kind))
}

// Cancel performs the cooperative processing -> cancelled transition.
// Partial progress already recorded on the job is preserved.
func (s *Store) Cancel(id, workerID string) error {
	return s.terminal(id, workerID, StatusCancelled,
		"error_kind = ?", []interface{}{string(ErrKindCancelled)}, "worker observed cancellation")
}

// terminal applies a worker-owned terminal transition out of processing.
// The worker must still hold the job; a reaped job cannot be terminated by
// its former owner.
func (s *Store) terminal(id, workerID string, to Status, extraSet string, extraArgs []interface{}, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []interface{}{string(to)}
	args = append(args, extraArgs...)
	args = append(args, time.Now().UTC(), id, string(StatusProcessing), workerID)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, `+extraSet+`,
			completed_at = ?, worker_id = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ? AND worker_id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("failed terminal transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.get(s.db, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s not processing under worker %s", ErrStaleState, id, workerID)
	}

	logging.Jobs("Job %s: processing -> %s (%s)", id, to, reason)
	return nil
}

// RequestCancellation sets the cancellation flag and returns the status at
// the moment of the request, so the caller can tell pre-start (guaranteed)
// from in-flight (cooperative) cancellation.
func (s *Store) RequestCancellation(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.currentStatus(tx, id)
	if err != nil {
		return "", err
	}
	if current.Terminal() {
		// Idempotent: cancelling a finished job changes nothing.
		return current, tx.Commit()
	}

	if _, err := tx.Exec("UPDATE jobs SET cancellation_requested = 1 WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("failed to request cancellation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	logging.Jobs("Job %s: cancellation requested at status %s", id, current)
	return current, nil
}

// CancellationRequested reads the cancellation flag. Workers poll this at
// chunk boundaries.
func (s *Store) CancellationRequested(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flag int
	err := s.db.QueryRow("SELECT cancellation_requested FROM jobs WHERE id = ?", id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return flag != 0, nil
}
