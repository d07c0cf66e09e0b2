package jobs

import (
	"database/sql"
	"fmt"
	"time"

	"kgraph/internal/logging"
)

// ClaimNext atomically moves the oldest approved job to processing under
// the given worker's lease. Returns (nil, nil) when no approved work
// exists. FIFO order is by approval time.
func (s *Store) ClaimNext(workerID string, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`
		SELECT id FROM jobs WHERE status = ?
		ORDER BY approved_at ASC, created_at ASC LIMIT 1`,
		string(StatusApproved)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select approved job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, worker_id = ?, lease_expires_at = ?,
			started_at = COALESCE(started_at, ?), last_progress_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), workerID, now.Add(lease), now, now,
		id, string(StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	logging.Jobs("Worker %s claimed job %s (lease %s)", workerID, id, lease)
	return s.get(s.db, id)
}

// RenewLease extends the lease for a job the worker still holds.
// A reaped job is gone from under the worker; renewal then reports
// ErrStaleState and the worker must abandon the job.
func (s *Store) RenewLease(id, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?`,
		time.Now().UTC().Add(lease), id, string(StatusProcessing), workerID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.get(s.db, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s no longer held by worker %s", ErrStaleState, id, workerID)
	}
	return nil
}

// ReapExpiredLeases returns every processing job whose lease has lapsed to
// the approved pool for re-claim, up to maxRetries requeues. Past the
// budget the job fails permanently as lost worker capacity. Checkpoints
// survive the requeue, so a re-claiming worker resumes, not restarts.
func (s *Store) ReapExpiredLeases(now time.Time, maxRetries int) (requeued, failed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, worker_id, retry_count FROM jobs
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(StatusProcessing), now.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find expired leases: %w", err)
	}

	type expired struct {
		id      string
		worker  sql.NullString
		retries int
	}
	var lapsed []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.worker, &e.retries); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan expired lease: %w", err)
		}
		lapsed = append(lapsed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, e := range lapsed {
		if e.retries < maxRetries {
			_, err = tx.Exec(`
				UPDATE jobs SET status = ?, worker_id = NULL, lease_expires_at = NULL,
					retry_count = retry_count + 1
				WHERE id = ?`,
				string(StatusApproved), e.id)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to requeue job %s: %w", e.id, err)
			}
			requeued = append(requeued, e.id)
		} else {
			_, err = tx.Exec(`
				UPDATE jobs SET status = ?, worker_id = NULL, lease_expires_at = NULL,
					error_kind = ?, error_message = ?, completed_at = ?
				WHERE id = ?`,
				string(StatusFailed), string(ErrKindWorkerLost),
				fmt.Sprintf("lease expired %d times without completion", e.retries+1),
				now.UTC(), e.id)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to fail job %s: %w", e.id, err)
			}
			failed = append(failed, e.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit lease reap: %w", err)
	}

	for _, id := range requeued {
		logging.Scheduler("Job %s: lease expired, requeued for re-claim", id)
	}
	for _, id := range failed {
		logging.Scheduler("Job %s: lease retry budget exhausted, failed as worker_lost", id)
	}
	return requeued, failed, nil
}

// ExpireApprovals moves jobs that have sat in awaiting_approval past the
// TTL to expired. The window opens when the job enters awaiting_approval,
// not when it was submitted. Returns the affected job ids.
func (s *Store) ExpireApprovals(now time.Time, ttl time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().Add(-ttl)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM jobs
		WHERE status = ? AND COALESCE(awaiting_since, created_at) < ?`,
		string(StatusAwaitingApproval), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
			string(StatusExpired), now.UTC(), id); err != nil {
			return nil, fmt.Errorf("failed to expire job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		logging.Scheduler("Job %s: approval window lapsed, expired", id)
	}
	return ids, nil
}

// RecoverStartup handles jobs stranded by an unclean shutdown: processing
// jobs whose lease is missing or lapsed are returned to approved. A job
// under a still-valid lease is left alone; WAL mode admits a second
// process on the same database, and the reaper collects the lease if no
// worker renews it.
func (s *Store) RecoverStartup() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id FROM jobs
		WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		string(StatusProcessing), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find stranded jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := s.db.Exec(`
			UPDATE jobs SET status = ?, worker_id = NULL, lease_expires_at = NULL,
				retry_count = retry_count + 1
			WHERE id = ?`,
			string(StatusApproved), id)
		if err != nil {
			return nil, fmt.Errorf("failed to recover job %s: %w", id, err)
		}
		logging.Boot("Job %s: recovered from unclean shutdown, requeued", id)
	}
	return ids, nil
}
