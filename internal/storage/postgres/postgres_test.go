package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// getTestConfig returns a config for testing based on environment variables
func getTestConfig() *Config {
	cfg := DefaultConfig()
	if url := os.Getenv("AEGIS_TEST_DATABASE_URL"); url != "" {
		cfg.URL = url
	}
	return cfg
}

// setupTestStore creates a test store and truncates all tables.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	store, err := New(ctx, getTestConfig())
	if err != nil {
		t.Skipf("Skipping PostgreSQL test (database not available): %v", err)
	}

	_, err = store.pool.Exec(ctx, `
		TRUNCATE TABLE timeline, blocklist, escalations, single_jobs, group_jobs,
			group_event_links, events, groups RESTART IDENTITY CASCADE;
	`)
	if err != nil {
		t.Fatalf("Failed to clean up test database: %v", err)
	}

	return store
}

func mustCreateEvent(t *testing.T, store *PostgresStore, requestID, sourceIP string, ts time.Time) *types.Event {
	t.Helper()
	event := &types.Event{
		RequestID: requestID,
		Timestamp: ts,
		SourceIP:  sourceIP,
		Country:   "NL",
		URI:       "/wp-login.php",
		Method:    "POST",
		Action:    "BLOCK",
	}
	created, err := store.CreateEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !created {
		t.Fatalf("expected new event for request %s", requestID)
	}
	return event
}

func TestCreateEventIdempotentOnRequestID(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	event := mustCreateEvent(t, store, "req-dup", "203.0.113.7", time.Now())

	replay := &types.Event{RequestID: "req-dup", Timestamp: time.Now(), SourceIP: "203.0.113.7"}
	created, err := store.CreateEvent(ctx, replay)
	if err != nil {
		t.Fatalf("replay CreateEvent: %v", err)
	}
	if created {
		t.Error("replay of the same request_id must not insert a second row")
	}

	got, err := store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.URI != "/wp-login.php" {
		t.Errorf("replay overwrote the original row: URI = %q", got.URI)
	}
}

func TestEnqueueJobSingleActivePerTarget(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	event := mustCreateEvent(t, store, "req-1", "203.0.113.7", time.Now())
	target := types.JobTarget{Queue: types.QueueSingle, ID: event.ID}

	first, created, err := store.EnqueueJob(ctx, target, 0, 3)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}

	// The event row records its analysis job.
	got, err := store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.LinkedJobID == nil || *got.LinkedJobID != first.ID {
		t.Errorf("event linked_job_id = %v, want %d", got.LinkedJobID, first.ID)
	}

	second, created, err := store.EnqueueJob(ctx, target, 5, 3)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Error("second enqueue must return the existing job")
	}
	if second.ID != first.ID {
		t.Errorf("expected job %d, got %d", first.ID, second.ID)
	}

	// After the job reaches a terminal state a new one is allowed.
	leased, err := store.LeaseNextJob(ctx, types.QueueSingle, 0)
	if err != nil || leased == nil {
		t.Fatalf("lease: job=%v err=%v", leased, err)
	}
	if err := store.MarkJobRunning(ctx, types.QueueSingle, leased.ID); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}
	if err := store.MarkJobFailed(ctx, types.QueueSingle, leased.ID, "boom"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}

	_, created, err = store.EnqueueJob(ctx, target, 0, 3)
	if err != nil {
		t.Fatalf("enqueue after terminal: %v", err)
	}
	if !created {
		t.Error("terminal jobs must not block new enqueues for the target")
	}
}

func TestLeaseOrderingAndConcurrencyCap(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now()
	low := mustCreateEvent(t, store, "req-low", "203.0.113.1", base)
	high := mustCreateEvent(t, store, "req-high", "203.0.113.2", base)

	if _, _, err := store.EnqueueJob(ctx, types.JobTarget{Queue: types.QueueSingle, ID: low.ID}, 0, 3); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, _, err := store.EnqueueJob(ctx, types.JobTarget{Queue: types.QueueSingle, ID: high.ID}, 10, 3); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	first, err := store.LeaseNextJob(ctx, types.QueueSingle, 1)
	if err != nil || first == nil {
		t.Fatalf("first lease: job=%v err=%v", first, err)
	}
	if first.TargetID != high.ID {
		t.Errorf("expected higher-priority job first, got target %d", first.TargetID)
	}
	if first.Status != types.JobQueued {
		t.Errorf("leased job status = %s, want queued", first.Status)
	}
	if first.LeasedAt == nil {
		t.Error("leased job must carry leased_at")
	}

	// The leased job holds its slot before it is marked running.
	blocked, err := store.LeaseNextJob(ctx, types.QueueSingle, 1)
	if err != nil {
		t.Fatalf("capped lease: %v", err)
	}
	if blocked != nil {
		t.Errorf("queued job must fill a cap of 1, got job %d", blocked.ID)
	}

	if err := store.MarkJobRunning(ctx, types.QueueSingle, first.ID); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}

	// One running job fills a cap of 1 just the same.
	blocked, err = store.LeaseNextJob(ctx, types.QueueSingle, 1)
	if err != nil {
		t.Fatalf("capped lease: %v", err)
	}
	if blocked != nil {
		t.Errorf("lease at cap must return nil, got job %d", blocked.ID)
	}

	second, err := store.LeaseNextJob(ctx, types.QueueSingle, 2)
	if err != nil || second == nil {
		t.Fatalf("second lease: job=%v err=%v", second, err)
	}
	if second.TargetID != low.ID {
		t.Errorf("expected remaining job, got target %d", second.TargetID)
	}
}

func TestConcurrentLeaseNoDoubleClaim(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	const jobs = 8
	for i := 0; i < jobs; i++ {
		event := mustCreateEvent(t, store, fmt.Sprintf("req-%d", i), "203.0.113.9", time.Now())
		if _, _, err := store.EnqueueJob(ctx, types.JobTarget{Queue: types.QueueSingle, ID: event.ID}, 0, 3); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.LeaseNextJob(ctx, types.QueueSingle, 0)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %d claimed %d times", id, n)
		}
	}
}

func TestMarkJobRecoverableRespectsAttemptBudget(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	event := mustCreateEvent(t, store, "req-retry", "203.0.113.7", time.Now())
	if _, _, err := store.EnqueueJob(ctx, types.JobTarget{Queue: types.QueueSingle, ID: event.ID}, 0, 2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First attempt fails recoverably and returns to pending.
	job, err := store.LeaseNextJob(ctx, types.QueueSingle, 0)
	if err != nil || job == nil {
		t.Fatalf("lease 1: job=%v err=%v", job, err)
	}
	if err := store.MarkJobRunning(ctx, types.QueueSingle, job.ID); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if err := store.MarkJobRecoverable(ctx, types.QueueSingle, job.ID, "transient"); err != nil {
		t.Fatalf("recoverable 1: %v", err)
	}

	// Second attempt exhausts the budget; recoverable is no longer legal.
	job, err = store.LeaseNextJob(ctx, types.QueueSingle, 0)
	if err != nil || job == nil {
		t.Fatalf("lease 2: job=%v err=%v", job, err)
	}
	if err := store.MarkJobRunning(ctx, types.QueueSingle, job.ID); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	err = store.MarkJobRecoverable(ctx, types.QueueSingle, job.ID, "transient again")
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("recoverable past budget: err = %v, want ErrInvalidTransition", err)
	}
	if err := store.MarkJobFailed(ctx, types.QueueSingle, job.ID, "out of attempts"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Nothing left to lease.
	job, err = store.LeaseNextJob(ctx, types.QueueSingle, 0)
	if err != nil {
		t.Fatalf("lease 3: %v", err)
	}
	if job != nil {
		t.Errorf("exhausted job leased again: %d", job.ID)
	}
}

func TestResetStuckJobs(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	event := mustCreateEvent(t, store, "req-stuck", "203.0.113.7", time.Now())
	if _, _, err := store.EnqueueJob(ctx, types.JobTarget{Queue: types.QueueSingle, ID: event.ID}, 0, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.LeaseNextJob(ctx, types.QueueSingle, 0)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}
	if err := store.MarkJobRunning(ctx, types.QueueSingle, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Fresh running jobs are untouched.
	n, err := store.ResetStuckJobs(ctx, types.QueueSingle, time.Hour)
	if err != nil {
		t.Fatalf("ResetStuckJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("reset %d fresh jobs, want 0", n)
	}

	// Age the job artificially, then reset.
	if _, err := store.pool.Exec(ctx,
		`UPDATE single_jobs SET started_at = NOW() - INTERVAL '1 hour' WHERE id = $1`,
		job.ID); err != nil {
		t.Fatalf("age job: %v", err)
	}
	n, err = store.ResetStuckJobs(ctx, types.QueueSingle, 30*time.Minute)
	if err != nil {
		t.Fatalf("ResetStuckJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, want 1", n)
	}

	got, err := store.GetJob(ctx, types.QueueSingle, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != types.JobFailed {
		t.Errorf("reset job status = %s, want failed", got.Status)
	}
	if got.LastError != types.StuckResetError {
		t.Errorf("reset job last_error = %q", got.LastError)
	}

	// Operator retry returns the failed job to pending with a fresh budget.
	if err := store.RetryJob(ctx, types.QueueSingle, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, err = store.GetJob(ctx, types.QueueSingle, job.ID)
	if err != nil {
		t.Fatalf("GetJob after retry: %v", err)
	}
	if got.Status != types.JobPending || got.Attempts != 0 {
		t.Errorf("retried job: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestFindOrCreateGroupRaceSafe(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	key := &types.Group{SourceIP: "203.0.113.7", TimeBucket: "20260824-1200", Country: "NL"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []int64
	createdCount := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := *key
			got, created, err := store.FindOrCreateGroup(ctx, &g)
			if err != nil {
				t.Errorf("FindOrCreateGroup: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, got.ID)
			if created {
				createdCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d groups for one key, want 1", createdCount)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Errorf("divergent group IDs: %v", ids)
		}
	}
}

func TestApplyGroupVerdictPropagatesToMembers(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	ts := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	e1 := mustCreateEvent(t, store, "req-a", "203.0.113.7", ts)
	e2 := mustCreateEvent(t, store, "req-b", "203.0.113.7", ts.Add(10*time.Second))

	group, _, err := store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP: "203.0.113.7", TimeBucket: types.BucketFor(ts),
	})
	if err != nil {
		t.Fatalf("FindOrCreateGroup: %v", err)
	}
	linked, err := store.LinkEventsToGroup(ctx, group.ID, []int64{e1.ID, e2.ID})
	if err != nil || linked != 2 {
		t.Fatalf("LinkEventsToGroup: linked=%d err=%v", linked, err)
	}

	verdict := types.Verdict{
		Severity:           5,
		Analysis:           "Credential stuffing burst against the login endpoint",
		RecommendedActions: "Block the source address",
		AttackType:         "credential_stuffing",
	}
	raw := storage.RawExchange{Prompt: `{"prompt":"..."}`, Response: `{"severity_rating":5}`}
	if err := store.ApplyGroupVerdict(ctx, group.ID, verdict, raw, "group-analyzer"); err != nil {
		t.Fatalf("ApplyGroupVerdict: %v", err)
	}

	got, err := store.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Status != types.GroupCompleted || got.Severity == nil || *got.Severity != 5 {
		t.Errorf("group after verdict: status=%s severity=%v", got.Status, got.Severity)
	}
	if got.AttackType != "credential_stuffing" {
		t.Errorf("group attack_type = %q", got.AttackType)
	}

	for _, id := range []int64{e1.ID, e2.ID} {
		event, err := store.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("GetEvent %d: %v", id, err)
		}
		if event.Severity == nil || *event.Severity != 5 {
			t.Errorf("event %d severity = %v", id, event.Severity)
		}
		if event.Status != types.EventOpen {
			t.Errorf("event %d status = %s, want open for severity 5", id, event.Status)
		}
		if !event.Processed || event.AnalyzedBy != "group-analyzer" {
			t.Errorf("event %d processed=%v analyzed_by=%q", id, event.Processed, event.AnalyzedBy)
		}
		entries, err := store.GetTimeline(ctx, id, 10)
		if err != nil {
			t.Fatalf("GetTimeline %d: %v", id, err)
		}
		if len(entries) == 0 || entries[0].Type != types.TimelineAIAnalysis {
			t.Errorf("event %d missing analysis timeline entry", id)
		}
	}
}

func TestEscalationSinksIndependent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	esc := &types.Escalation{
		Title:      "Critical activity from 203.0.113.7",
		Message:    "severity 5",
		Severity:   5,
		SourceType: types.SourceGroup,
		DetailPayload: types.EscalationDetail{
			SourceIP: "203.0.113.7", AttackType: "sql_injection",
		}.Encode(),
	}
	if err := store.CreateEscalation(ctx, esc); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	if err := store.MarkSinkSuccess(ctx, esc.ID, types.SinkNotification, "msg-123"); err != nil {
		t.Fatalf("MarkSinkSuccess: %v", err)
	}
	if err := store.MarkSinkFailed(ctx, esc.ID, types.SinkTicket, "api timeout"); err != nil {
		t.Fatalf("MarkSinkFailed: %v", err)
	}

	got, err := store.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if !got.Notification.Completed || got.Notification.ExternalID != "msg-123" {
		t.Errorf("notification state: %+v", got.Notification)
	}
	if got.Ticket.Completed || got.Ticket.LastError != "api timeout" {
		t.Errorf("ticket state: %+v", got.Ticket)
	}
	if got.Blocklist.Completed {
		t.Error("blocklist sink must stay incomplete")
	}

	// The failed ticket shows up in the pending list; the done notification
	// does not.
	pending, err := store.ListPendingEscalations(ctx, types.SinkTicket, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending ticket: n=%d err=%v", len(pending), err)
	}
	pending, err = store.ListPendingEscalations(ctx, types.SinkNotification, 10)
	if err != nil {
		t.Fatalf("pending notification: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("completed notification still pending: %d", len(pending))
	}

	if err := store.RetrySink(ctx, esc.ID, types.SinkNotification); err != nil {
		t.Fatalf("RetrySink: %v", err)
	}
	pending, err = store.ListPendingEscalations(ctx, types.SinkNotification, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("reopened notification: n=%d err=%v", len(pending), err)
	}
}

func TestBlocklistUpsertBumpsRepeatBlocks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	entry := &types.BlocklistEntry{IPAddress: "203.0.113.7", Reason: "sev 5 verdict", Severity: 5}
	inserted, err := store.UpsertBlocklist(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("first upsert: inserted=%v err=%v", inserted, err)
	}
	if entry.BlockCount != 1 {
		t.Errorf("first block_count = %d", entry.BlockCount)
	}

	repeat := &types.BlocklistEntry{IPAddress: "203.0.113.7", Reason: "sev 4 verdict", Severity: 4}
	inserted, err = store.UpsertBlocklist(ctx, repeat)
	if err != nil {
		t.Fatalf("repeat upsert: %v", err)
	}
	if inserted {
		t.Error("repeat upsert must not report a new insert")
	}
	if repeat.BlockCount != 2 {
		t.Errorf("repeat block_count = %d, want 2", repeat.BlockCount)
	}

	got, err := store.GetBlocklistEntry(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("GetBlocklistEntry: %v", err)
	}
	if got.Severity != 5 {
		t.Errorf("severity downgraded to %d on repeat", got.Severity)
	}

	if err := store.DeactivateBlocklist(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("DeactivateBlocklist: %v", err)
	}
	got, err = store.GetBlocklistEntry(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("GetBlocklistEntry after removal: %v", err)
	}
	if got.IsActive || got.RemovedAt == nil {
		t.Errorf("entry still active after removal: %+v", got)
	}

	// Re-blocking reactivates the historical row.
	if _, err := store.UpsertBlocklist(ctx, entry); err != nil {
		t.Fatalf("re-block: %v", err)
	}
	got, _ = store.GetBlocklistEntry(ctx, "203.0.113.7")
	if !got.IsActive || got.BlockCount != 3 {
		t.Errorf("re-blocked entry: active=%v count=%d", got.IsActive, got.BlockCount)
	}
}

func TestUnlinkedBucketSnapshot(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 24, 12, 0, 5, 0, time.UTC)
	mustCreateEvent(t, store, "req-1", "203.0.113.7", t0)
	mustCreateEvent(t, store, "req-2", "203.0.113.7", t0.Add(20*time.Second))
	mustCreateEvent(t, store, "req-3", "198.51.100.3", t0.Add(time.Minute))

	// A proxy rotating exit nodes: same source, mixed geo lookups.
	t1 := t0.Add(5 * time.Minute)
	for i, country := range []string{"US", "DE", "US"} {
		event := &types.Event{
			RequestID: fmt.Sprintf("req-geo-%d", i),
			Timestamp: t1.Add(time.Duration(i) * time.Second),
			SourceIP:  "192.0.2.5",
			Country:   country,
		}
		if _, err := store.CreateEvent(ctx, event); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	buckets, err := store.UnlinkedBucketSnapshot(ctx)
	if err != nil {
		t.Fatalf("UnlinkedBucketSnapshot: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	// Oldest bucket first.
	if buckets[0].SourceIP != "203.0.113.7" || buckets[0].Count != 2 {
		t.Errorf("first bucket: %+v", buckets[0])
	}
	if buckets[0].TimeBucket != types.BucketFor(t0) {
		t.Errorf("bucket key = %q, want %q", buckets[0].TimeBucket, types.BucketFor(t0))
	}
	// The majority country represents the bucket.
	if buckets[2].SourceIP != "192.0.2.5" || buckets[2].Country != "US" {
		t.Errorf("mixed-country bucket: %+v", buckets[2])
	}

	events, err := store.UnlinkedEventsInBucket(ctx, "203.0.113.7", types.BucketFor(t0))
	if err != nil {
		t.Fatalf("UnlinkedEventsInBucket: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events in bucket, want 2", len(events))
	}

	// Linked events drop out of the snapshot.
	group, _, err := store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP: "203.0.113.7", TimeBucket: types.BucketFor(t0),
	})
	if err != nil {
		t.Fatalf("FindOrCreateGroup: %v", err)
	}
	if _, err := store.LinkEventsToGroup(ctx, group.ID, []int64{events[0].ID, events[1].ID}); err != nil {
		t.Fatalf("LinkEventsToGroup: %v", err)
	}
	buckets, err = store.UnlinkedBucketSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot after link: %v", err)
	}
	if len(buckets) != 2 {
		t.Errorf("got %d buckets after link, want 2", len(buckets))
	}
}
