package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJob(fp string) *Job {
	return &Job{
		Kind:        KindIngestion,
		Fingerprint: fp,
		Ontology:    "general",
		Input:       Input{Inline: "some document text", Filename: "doc.txt"},
		Options:     Options{TargetWords: 1000, OverlapWords: 200},
		Owner:       "tester",
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(newTestJob("aa11"))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	job, err := store.Get(id)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("New job status = %s, want %s", job.Status, StatusQueued)
	}
	if job.Fingerprint != "aa11" {
		t.Errorf("Fingerprint = %s, want aa11", job.Fingerprint)
	}
	if job.Input.Inline != "some document text" {
		t.Errorf("Input not round-tripped: %+v", job.Input)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}

	if _, err := store.Get("job_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing job error = %v, want ErrNotFound", err)
	}
}

func TestCreateWithEstimateStartsAwaitingApproval(t *testing.T) {
	store := newTestStore(t)

	job := newTestJob("bb22")
	job.CostEstimate = &CostEstimate{TokensIn: 4200, USDTotal: 0.02, ExtractionModel: "gemini-2.5-flash"}
	id, err := store.Create(job)
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.Status != StatusAwaitingApproval {
		t.Errorf("Status = %s, want %s", got.Status, StatusAwaitingApproval)
	}
	if got.CostEstimate == nil || got.CostEstimate.TokensIn != 4200 {
		t.Errorf("Cost estimate not round-tripped: %+v", got.CostEstimate)
	}
}

func TestStateMachineEdges(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusQueued, StatusAwaitingApproval, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusProcessing, false},
		{StatusAwaitingApproval, StatusApproved, true},
		{StatusAwaitingApproval, StatusExpired, true},
		{StatusAwaitingApproval, StatusProcessing, false},
		{StatusApproved, StatusProcessing, true},
		{StatusApproved, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusApproved, true}, // lease reap
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusApproved, false},
		{StatusExpired, StatusApproved, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestUpdateStatusConditional(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.Create(newTestJob("cc33"))

	err := store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimate attached")
	if err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}

	// Stale from-set: job is no longer queued.
	err = store.UpdateStatus(id, []Status{StatusQueued}, StatusCancelled, "late cancel")
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Stale transition error = %v, want ErrStaleState", err)
	}

	// Invalid edge even with correct from-set.
	err = store.UpdateStatus(id, []Status{StatusAwaitingApproval}, StatusProcessing, "skip approval")
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Invalid edge error = %v, want ErrStaleState", err)
	}

	err = store.UpdateStatus(id, []Status{StatusAwaitingApproval}, StatusApproved, "approved")
	if err != nil {
		t.Fatalf("Approval failed: %v", err)
	}
	job, _ := store.Get(id)
	if job.ApprovedAt == nil {
		t.Error("approved_at not stamped on approval")
	}
}

func TestClaimNextFIFOAndExclusivity(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for _, fp := range []string{"f1", "f2", "f3"} {
		id, _ := store.Create(newTestJob(fp))
		store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")
		store.UpdateStatus(id, []Status{StatusAwaitingApproval}, StatusApproved, "approved")
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // distinct approved_at ordering
	}

	first, err := store.ClaimNext("w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if first == nil || first.ID != ids[0] {
		t.Fatalf("Claimed %v, want oldest approved %s", first, ids[0])
	}
	if first.Status != StatusProcessing || first.WorkerID != "w1" {
		t.Errorf("Claimed job not leased to worker: status=%s worker=%s", first.Status, first.WorkerID)
	}
	if first.StartedAt == nil || first.LeaseExpiresAt == nil {
		t.Error("started_at or lease_expires_at not stamped on claim")
	}

	second, err := store.ClaimNext("w2", time.Minute)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if second.ID != ids[1] {
		t.Errorf("Second claim got %s, want %s", second.ID, ids[1])
	}
}

func TestClaimNextConcurrent(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.Create(newTestJob("race"))
	store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")
	store.UpdateStatus(id, []Status{StatusAwaitingApproval}, StatusApproved, "approved")

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := store.ClaimNext("w", time.Minute)
			if err != nil {
				t.Errorf("ClaimNext failed: %v", err)
				return
			}
			if job != nil {
				claims <- job.ID
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	var winners []string
	for c := range claims {
		winners = append(winners, c)
	}
	if len(winners) != 1 {
		t.Errorf("Job claimed by %d workers, want exactly 1", len(winners))
	}
}

func TestClaimNextEmptyPool(t *testing.T) {
	store := newTestStore(t)
	job, err := store.ClaimNext("w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job != nil {
		t.Errorf("Claimed %s from empty pool", job.ID)
	}
}

func TestProgressMonotonic(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "prog")

	if err := store.UpdateProgress(id, Progress{Stage: "extracting", ChunksTotal: 10, ChunksProcessed: 4}); err != nil {
		t.Fatalf("Progress update failed: %v", err)
	}
	err := store.UpdateProgress(id, Progress{Stage: "extracting", ChunksTotal: 10, ChunksProcessed: 2})
	if err == nil {
		t.Error("Regressing chunks_processed accepted")
	}

	job, _ := store.Get(id)
	if job.Progress == nil || job.Progress.ChunksProcessed != 4 {
		t.Errorf("Progress = %+v, want 4 chunks processed", job.Progress)
	}
	if job.LastProgressAt == nil {
		t.Error("last_progress_at not stamped")
	}
}

func TestCompleteAndFailRequireOwnership(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "own")

	err := store.Complete(id, "impostor", Result{Ontology: "general"})
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Terminal by non-owner error = %v, want ErrStaleState", err)
	}

	if err := store.Complete(id, "w1", Result{Ontology: "general"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	job, _ := store.Get(id)
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if job.WorkerID != "" || job.LeaseExpiresAt != nil {
		t.Error("Lease not cleared on completion")
	}
	if job.Result == nil || job.Result.Ontology != "general" {
		t.Errorf("Result not stored: %+v", job.Result)
	}
}

func TestFailRecordsErrorKind(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "boom")

	if err := store.Fail(id, "w1", ErrKindExtractionFailed, "model returned garbage"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	job, _ := store.Get(id)
	if job.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", job.Status)
	}
	if job.ErrorKind != ErrKindExtractionFailed {
		t.Errorf("ErrorKind = %s, want %s", job.ErrorKind, ErrKindExtractionFailed)
	}
	if job.ErrorMessage != "model returned garbage" {
		t.Errorf("ErrorMessage = %q", job.ErrorMessage)
	}
}

func TestLeaseReapRequeuesThenFails(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "reap")

	future := time.Now().UTC().Add(2 * time.Minute)

	requeued, failed, err := store.ReapExpiredLeases(future, 1)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != id || len(failed) != 0 {
		t.Fatalf("Reap = requeued %v failed %v, want requeue of %s", requeued, failed, id)
	}
	job, _ := store.Get(id)
	if job.Status != StatusApproved || job.RetryCount != 1 {
		t.Errorf("Reaped job status=%s retries=%d, want approved/1", job.Status, job.RetryCount)
	}
	if job.WorkerID != "" {
		t.Error("Lease owner not cleared on reap")
	}

	// Re-claim, let the lease lapse again; retry budget is exhausted now.
	if _, err := store.ClaimNext("w2", time.Minute); err != nil {
		t.Fatalf("Re-claim failed: %v", err)
	}
	requeued, failed, err = store.ReapExpiredLeases(future, 1)
	if err != nil {
		t.Fatalf("Second reap failed: %v", err)
	}
	if len(failed) != 1 || failed[0] != id || len(requeued) != 0 {
		t.Fatalf("Second reap = requeued %v failed %v, want failure of %s", requeued, failed, id)
	}
	job, _ = store.Get(id)
	if job.Status != StatusFailed || job.ErrorKind != ErrKindWorkerLost {
		t.Errorf("Exhausted job status=%s kind=%s, want failed/%s", job.Status, job.ErrorKind, ErrKindWorkerLost)
	}
}

func TestRenewLeaseAfterReap(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "renew")

	if err := store.RenewLease(id, "w1", time.Minute); err != nil {
		t.Fatalf("Renew by owner failed: %v", err)
	}

	store.ReapExpiredLeases(time.Now().UTC().Add(time.Hour), 3)

	err := store.RenewLease(id, "w1", time.Minute)
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Renew after reap error = %v, want ErrStaleState", err)
	}
}

func TestCancellationFlagAndCooperativeCancel(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "cancel")

	status, err := store.RequestCancellation(id)
	if err != nil {
		t.Fatalf("RequestCancellation failed: %v", err)
	}
	if status != StatusProcessing {
		t.Errorf("Status at request = %s, want processing", status)
	}

	flagged, err := store.CancellationRequested(id)
	if err != nil || !flagged {
		t.Errorf("CancellationRequested = %v, %v, want true", flagged, err)
	}

	if err := store.Cancel(id, "w1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	job, _ := store.Get(id)
	if job.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", job.Status)
	}

	// Idempotent on terminal jobs.
	status, err = store.RequestCancellation(id)
	if err != nil {
		t.Fatalf("Second RequestCancellation failed: %v", err)
	}
	if status != StatusCancelled {
		t.Errorf("Status at second request = %s, want cancelled", status)
	}
}

func TestExpireApprovals(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.Create(newTestJob("old"))
	store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")

	fresh, _ := store.Create(newTestJob("new"))
	store.UpdateStatus(fresh, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")

	expired, err := store.ExpireApprovals(time.Now().UTC().Add(25*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("Expired %d jobs, want 2", len(expired))
	}

	job, _ := store.Get(id)
	if job.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", job.Status)
	}

	// Within TTL nothing expires.
	id2, _ := store.Create(newTestJob("young"))
	store.UpdateStatus(id2, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")
	expired, err = store.ExpireApprovals(time.Now().UTC(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("Expired %v within TTL", expired)
	}
}

func TestCheckpointSurvivesRequeue(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "ckpt")

	for _, idx := range []int{0, 1, 3} {
		if err := store.MarkChunkDone(id, idx, Progress{Stage: "extracting", ChunksTotal: 5, ChunksProcessed: idx + 1}); err != nil {
			t.Fatalf("MarkChunkDone(%d) failed: %v", idx, err)
		}
	}
	// Duplicate mark is a no-op.
	if err := store.MarkChunkDone(id, 1, Progress{Stage: "extracting", ChunksTotal: 5, ChunksProcessed: 4}); err != nil {
		t.Fatalf("Duplicate MarkChunkDone failed: %v", err)
	}

	store.ReapExpiredLeases(time.Now().UTC().Add(time.Hour), 3)

	done, err := store.Checkpoint(id)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if len(done) != 3 {
		t.Fatalf("Checkpoint = %v, want 3 distinct chunks", done)
	}
	seen := map[int]bool{}
	for _, idx := range done {
		seen[idx] = true
	}
	for _, idx := range []int{0, 1, 3} {
		if !seen[idx] {
			t.Errorf("Checkpoint missing chunk %d: %v", idx, done)
		}
	}
}

func TestMarkChunkDoneKeepsCountersMonotonic(t *testing.T) {
	store := newTestStore(t)
	id := claimedJob(t, store, "order")

	// Concurrent chunk goroutines can commit their snapshots out of order;
	// a late snapshot with a lower counter must not roll progress back.
	if err := store.MarkChunkDone(id, 1, Progress{Stage: "extracting", ChunksTotal: 5, ChunksProcessed: 2}); err != nil {
		t.Fatalf("MarkChunkDone(1) failed: %v", err)
	}
	if err := store.MarkChunkDone(id, 0, Progress{Stage: "extracting", ChunksTotal: 5, ChunksProcessed: 1}); err != nil {
		t.Fatalf("MarkChunkDone(0) failed: %v", err)
	}

	job, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Progress == nil || job.Progress.ChunksProcessed != 2 {
		t.Errorf("Progress = %+v, want 2 chunks processed", job.Progress)
	}

	done, err := store.Checkpoint(id)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("Checkpoint = %v, want both chunks recorded", done)
	}
}

func TestExpireApprovalsMeasuresFromAwaitingEntry(t *testing.T) {
	store := newTestStore(t)

	// The job sits queued past the TTL before the estimate lands; the
	// approval window only opens once it reaches awaiting_approval.
	id, _ := store.Create(newTestJob("backlog"))
	time.Sleep(120 * time.Millisecond)
	if err := store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimated"); err != nil {
		t.Fatalf("Failed to estimate: %v", err)
	}

	expired, err := store.ExpireApprovals(time.Now().UTC(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("Expired %v on entry into awaiting_approval", expired)
	}

	expired, err = store.ExpireApprovals(time.Now().UTC().Add(200*time.Millisecond), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Errorf("Expired %v past the TTL, want [%s]", expired, id)
	}
}

func TestRecoverStartup(t *testing.T) {
	store := newTestStore(t)

	stranded := claimedJob(t, store, "crash")
	if err := store.RenewLease(stranded, "w1", -time.Minute); err != nil {
		t.Fatalf("Failed to lapse lease: %v", err)
	}

	// A processing job under a live lease may belong to another process
	// sharing the database; recovery must not touch it.
	held := claimedJob(t, store, "held")

	recovered, err := store.RecoverStartup()
	if err != nil {
		t.Fatalf("RecoverStartup failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != stranded {
		t.Fatalf("Recovered %v, want [%s]", recovered, stranded)
	}
	job, _ := store.Get(stranded)
	if job.Status != StatusApproved || job.RetryCount != 1 {
		t.Errorf("Recovered job status=%s retries=%d, want approved/1", job.Status, job.RetryCount)
	}
	job, _ = store.Get(held)
	if job.Status != StatusProcessing || job.WorkerID != "w1" {
		t.Errorf("Live-lease job status=%s worker=%s, want untouched processing/w1", job.Status, job.WorkerID)
	}
}

func TestFindByFingerprintReturnsMostRecent(t *testing.T) {
	store := newTestStore(t)

	first, _ := store.Create(newTestJob("same"))
	time.Sleep(2 * time.Millisecond)
	second, _ := store.Create(newTestJob("same"))

	found, err := store.FindByFingerprint("same")
	if err != nil {
		t.Fatalf("FindByFingerprint failed: %v", err)
	}
	if found.ID != second {
		t.Errorf("Found %s, want most recent %s (not %s)", found.ID, second, first)
	}

	if _, err := store.FindByFingerprint("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing fingerprint error = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)

	a, _ := store.Create(newTestJob("l1"))
	b, _ := store.Create(newTestJob("l2"))
	store.UpdateStatus(b, []Status{StatusQueued}, StatusAwaitingApproval, "estimated")

	queued, err := store.List(ListFilter{Status: StatusQueued})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != a {
		t.Errorf("List(queued) = %v, want [%s]", jobIDs(queued), a)
	}

	all, err := store.List(ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List all = %d jobs, want 2", len(all))
	}

	limited, err := store.List(ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List limit=1 returned %d jobs", len(limited))
	}
}

func TestPruneKeepsLiveJobs(t *testing.T) {
	store := newTestStore(t)

	live, _ := store.Create(newTestJob("live"))
	done := claimedJob(t, store, "done")
	if err := store.Complete(done, "w1", Result{Ontology: "general"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	n, err := store.Prune(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Pruned %d jobs, want 1", n)
	}

	if _, err := store.Get(live); err != nil {
		t.Errorf("Live job pruned: %v", err)
	}
	if _, err := store.Get(done); !errors.Is(err, ErrNotFound) {
		t.Errorf("Terminal job not pruned: %v", err)
	}
}

// claimedJob creates a job and walks it to processing under worker w1.
func claimedJob(t *testing.T, store *Store, fp string) string {
	t.Helper()
	id, err := store.Create(newTestJob(fp))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if err := store.UpdateStatus(id, []Status{StatusQueued}, StatusAwaitingApproval, "estimated"); err != nil {
		t.Fatalf("Failed to estimate: %v", err)
	}
	if err := store.UpdateStatus(id, []Status{StatusAwaitingApproval}, StatusApproved, "approved"); err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	job, err := store.ClaimNext("w1", time.Minute)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("Failed to claim job: %v %v", job, err)
	}
	return id
}

func jobIDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
