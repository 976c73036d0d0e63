// Package storagetest provides an in-memory Store for unit tests. It mirrors
// the postgres backend's semantics (idempotent creates, lease protocol,
// per-sink escalation flags) without a database.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// Fake is an in-memory storage.Store.
type Fake struct {
	mu sync.Mutex

	events      map[int64]*types.Event
	eventsByReq map[string]int64
	groups      map[int64]*types.Group
	groupKeys   map[string]int64 // "ip|bucket" -> id
	jobs        map[types.Queue]map[int64]*types.Job
	escalations map[int64]*types.Escalation
	blocklist   map[string]*types.BlocklistEntry
	timeline    map[int64][]*types.TimelineEntry

	nextEventID int64
	nextGroupID int64
	nextJobID   map[types.Queue]int64
	nextEscID   int64
	nextTLID    int64

	// Error injection: when set, the named ops fail.
	FailOps map[string]error
}

// NewFake creates an empty fake store.
func NewFake() *Fake {
	return &Fake{
		events:      make(map[int64]*types.Event),
		eventsByReq: make(map[string]int64),
		groups:      make(map[int64]*types.Group),
		groupKeys:   make(map[string]int64),
		jobs: map[types.Queue]map[int64]*types.Job{
			types.QueueSingle: {},
			types.QueueGroup:  {},
		},
		escalations: make(map[int64]*types.Escalation),
		blocklist:   make(map[string]*types.BlocklistEntry),
		timeline:    make(map[int64][]*types.TimelineEntry),
		nextJobID:   map[types.Queue]int64{types.QueueSingle: 0, types.QueueGroup: 0},
		FailOps:     make(map[string]error),
	}
}

func (f *Fake) fail(op string) error {
	if err, ok := f.FailOps[op]; ok {
		return err
	}
	return nil
}

func groupKey(ip, bucket string) string { return ip + "|" + bucket }

// --- Events ---

func (f *Fake) CreateEvent(_ context.Context, event *types.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateEvent"); err != nil {
		return false, err
	}
	if err := event.Validate(); err != nil {
		return false, err
	}
	if _, ok := f.eventsByReq[event.RequestID]; ok {
		return false, nil
	}
	f.nextEventID++
	event.ID = f.nextEventID
	if event.Status == "" {
		event.Status = types.EventOpen
	}
	event.CreatedAt = time.Now()
	cp := *event
	f.events[event.ID] = &cp
	f.eventsByReq[event.RequestID] = event.ID
	return true, nil
}

func (f *Fake) GetEvent(_ context.Context, id int64) (*types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, storage.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) GetEventsByGroup(_ context.Context, groupID int64) ([]*types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Event
	for _, e := range f.events {
		if e.LinkedGroupID != nil && *e.LinkedGroupID == groupID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *Fake) UpdateEventVerdict(_ context.Context, eventID int64, verdict types.Verdict, analyzedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateEventVerdict"); err != nil {
		return err
	}
	e, ok := f.events[eventID]
	if !ok {
		return fmt.Errorf("event %d: %w", eventID, storage.ErrNotFound)
	}
	sev := verdict.Severity
	now := time.Now()
	e.Severity = &sev
	e.AnalysisText = verdict.Analysis
	e.FollowUpText = verdict.FollowUpOrActions()
	e.Status = types.StatusForSeverity(sev)
	e.Processed = true
	e.AnalyzedAt = &now
	e.AnalyzedBy = analyzedBy
	return nil
}

func (f *Fake) RecentlyAnalyzedEvents(_ context.Context, since time.Time, limit int) ([]*types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Event
	for _, e := range f.events {
		if e.AnalyzedAt != nil && !e.AnalyzedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalyzedAt.After(*out[j].AnalyzedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Grouping ---

func (f *Fake) UnlinkedBucketSnapshot(_ context.Context) ([]types.BucketSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UnlinkedBucketSnapshot"); err != nil {
		return nil, err
	}
	agg := make(map[string]*types.BucketSummary)
	countries := make(map[string]map[string]int)
	for _, e := range f.events {
		if e.Status != types.EventOpen || e.LinkedGroupID != nil {
			continue
		}
		bucket := types.BucketFor(e.Timestamp)
		key := groupKey(e.SourceIP, bucket)
		b, ok := agg[key]
		if !ok {
			b = &types.BucketSummary{
				SourceIP: e.SourceIP, TimeBucket: bucket,
				MinTime: e.Timestamp, MaxTime: e.Timestamp,
			}
			agg[key] = b
			countries[key] = make(map[string]int)
		}
		b.Count++
		countries[key][e.Country]++
		if e.Timestamp.Before(b.MinTime) {
			b.MinTime = e.Timestamp
		}
		if e.Timestamp.After(b.MaxTime) {
			b.MaxTime = e.Timestamp
		}
	}
	out := make([]types.BucketSummary, 0, len(agg))
	for key, b := range agg {
		b.Country = modeCountry(countries[key])
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeBucket != out[j].TimeBucket {
			return out[i].TimeBucket < out[j].TimeBucket
		}
		return out[i].SourceIP < out[j].SourceIP
	})
	return out, nil
}

// modeCountry picks the most frequent country, ties broken by the
// lexicographically smallest value, matching the SQL mode() aggregate.
func modeCountry(counts map[string]int) string {
	var best string
	bestN := -1
	for c, n := range counts {
		if n > bestN || (n == bestN && c < best) {
			best, bestN = c, n
		}
	}
	return best
}

func (f *Fake) UnlinkedEventsInBucket(_ context.Context, sourceIP, bucket string) ([]*types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Event
	for _, e := range f.events {
		if e.Status == types.EventOpen && e.LinkedGroupID == nil &&
			e.SourceIP == sourceIP && types.BucketFor(e.Timestamp) == bucket {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *Fake) LinkEventsToGroup(_ context.Context, groupID int64, eventIDs []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("LinkEventsToGroup"); err != nil {
		return 0, err
	}
	g, ok := f.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("group %d: %w", groupID, storage.ErrNotFound)
	}
	linked := 0
	for _, id := range eventIDs {
		e, ok := f.events[id]
		if !ok || e.LinkedGroupID != nil {
			continue
		}
		gid := groupID
		e.LinkedGroupID = &gid
		linked++
	}
	count := 0
	for _, e := range f.events {
		if e.LinkedGroupID != nil && *e.LinkedGroupID == groupID {
			count++
		}
	}
	g.MemberCount = count
	return linked, nil
}

// --- Groups ---

func (f *Fake) FindOrCreateGroup(_ context.Context, group *types.Group) (*types.Group, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FindOrCreateGroup"); err != nil {
		return nil, false, err
	}
	key := groupKey(group.SourceIP, group.TimeBucket)
	if id, ok := f.groupKeys[key]; ok {
		cp := *f.groups[id]
		return &cp, false, nil
	}
	f.nextGroupID++
	cp := *group
	cp.ID = f.nextGroupID
	if cp.Status == "" {
		cp.Status = types.GroupOpen
	}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.groups[cp.ID] = &cp
	f.groupKeys[key] = cp.ID
	result := cp
	return &result, true, nil
}

func (f *Fake) GetGroup(_ context.Context, id int64) (*types.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, storage.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (f *Fake) ApplyGroupVerdict(ctx context.Context, groupID int64, verdict types.Verdict, raw storage.RawExchange, analyzedBy string) error {
	f.mu.Lock()
	if err := f.fail("ApplyGroupVerdict"); err != nil {
		f.mu.Unlock()
		return err
	}
	g, ok := f.groups[groupID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("group %d: %w", groupID, storage.ErrNotFound)
	}
	sev := verdict.Severity
	g.Severity = &sev
	g.AnalysisText = verdict.Analysis
	g.RecommendedActions = verdict.RecommendedActions
	g.AttackType = verdict.AttackType
	g.Status = types.GroupCompleted
	g.RawPrompt = raw.Prompt
	g.RawResponse = raw.Response
	g.UpdatedAt = time.Now()

	var memberIDs []int64
	for _, e := range f.events {
		if e.LinkedGroupID != nil && *e.LinkedGroupID == groupID {
			memberIDs = append(memberIDs, e.ID)
		}
	}
	f.mu.Unlock()

	for _, id := range memberIDs {
		if err := f.UpdateEventVerdict(ctx, id, verdict, analyzedBy); err != nil {
			return err
		}
		entry := &types.TimelineEntry{
			EventID:   id,
			Type:      types.TimelineAIAnalysis,
			ActorKind: types.ActorSystem,
			Actor:     analyzedBy,
			Title:     fmt.Sprintf("Grouped analysis verdict (severity %d)", verdict.Severity),
		}
		if err := f.AppendTimeline(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// --- Jobs ---

func (f *Fake) EnqueueJob(_ context.Context, target types.JobTarget, priority, maxAttempts int) (*types.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EnqueueJob"); err != nil {
		return nil, false, err
	}
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}
	for _, j := range f.jobs[target.Queue] {
		if j.TargetID == target.ID && !j.Status.IsTerminal() {
			cp := *j
			return &cp, false, nil
		}
	}
	f.nextJobID[target.Queue]++
	job := &types.Job{
		ID:          f.nextJobID[target.Queue],
		Queue:       target.Queue,
		TargetID:    target.ID,
		Status:      types.JobPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	f.jobs[target.Queue][job.ID] = job
	if target.Queue == types.QueueSingle {
		if e, ok := f.events[target.ID]; ok {
			id := job.ID
			e.LinkedJobID = &id
		}
	}
	cp := *job
	return &cp, true, nil
}

func (f *Fake) GetJob(_ context.Context, queue types.Queue, id int64) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return nil, fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (f *Fake) ListJobs(_ context.Context, queue types.Queue, filter types.JobFilter) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Job
	for _, j := range f.jobs[queue] {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *Fake) GetQueueStats(_ context.Context, queue types.Queue) (*types.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &types.QueueStats{Queue: queue}
	for _, j := range f.jobs[queue] {
		switch j.Status {
		case types.JobPending:
			stats.Pending++
		case types.JobQueued:
			stats.Queued++
		case types.JobRunning:
			stats.Running++
		case types.JobCompleted:
			stats.Completed++
		case types.JobFailed:
			stats.Failed++
		case types.JobOnHold:
			stats.OnHold++
		}
	}
	return stats, nil
}

func (f *Fake) LeaseNextJob(_ context.Context, queue types.Queue, concurrencyCap int) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("LeaseNextJob"); err != nil {
		return nil, err
	}
	// Leased-but-not-yet-running jobs hold a slot too.
	active := 0
	for _, j := range f.jobs[queue] {
		if j.Status == types.JobQueued || j.Status == types.JobRunning {
			active++
		}
	}
	if concurrencyCap > 0 && active >= concurrencyCap {
		return nil, nil
	}
	var best *types.Job
	for _, j := range f.jobs[queue] {
		if j.Status != types.JobPending || j.Attempts >= j.MaxAttempts {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now()
	best.Status = types.JobQueued
	best.LeasedAt = &now
	cp := *best
	return &cp, nil
}

func (f *Fake) MarkJobRunning(_ context.Context, queue types.Queue, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	if j.Status != types.JobQueued {
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
	now := time.Now()
	j.Status = types.JobRunning
	j.StartedAt = &now
	j.Attempts++
	return nil
}

func (f *Fake) MarkJobCompleted(_ context.Context, queue types.Queue, id int64, result types.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MarkJobCompleted"); err != nil {
		return err
	}
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	if j.Status != types.JobRunning {
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
	now := time.Now()
	sev := result.Severity
	j.Status = types.JobCompleted
	j.CompletedAt = &now
	j.LastError = ""
	j.Severity = &sev
	j.Analysis = result.Analysis
	j.FollowUp = result.FollowUp
	j.TriageResult = result.TriageResult
	return nil
}

func (f *Fake) MarkJobRecoverable(_ context.Context, queue types.Queue, id int64, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	if j.Status != types.JobRunning || j.Attempts >= j.MaxAttempts {
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
	j.Status = types.JobPending
	j.LeasedAt = nil
	j.StartedAt = nil
	j.LastError = lastError
	return nil
}

func (f *Fake) MarkJobFailed(_ context.Context, queue types.Queue, id int64, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	if j.Status.IsTerminal() || j.Status == types.JobOnHold {
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
	now := time.Now()
	j.Status = types.JobFailed
	j.CompletedAt = &now
	j.LastError = lastError
	return nil
}

func (f *Fake) CancelJob(_ context.Context, queue types.Queue, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	switch j.Status {
	case types.JobPending, types.JobQueued, types.JobOnHold:
		now := time.Now()
		j.Status = types.JobFailed
		j.CompletedAt = &now
		j.LastError = "cancelled by operator"
		return nil
	default:
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
}

func (f *Fake) RetryJob(_ context.Context, queue types.Queue, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[queue][id]
	if !ok {
		return fmt.Errorf("%s job %d: %w", queue, id, storage.ErrNotFound)
	}
	if j.Status != types.JobFailed {
		return fmt.Errorf("%s job %d is %s: %w", queue, id, j.Status, storage.ErrInvalidTransition)
	}
	j.Status = types.JobPending
	j.Attempts = 0
	j.LeasedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LastError = ""
	return nil
}

func (f *Fake) PauseJobs(_ context.Context, queue types.Queue) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs[queue] {
		if j.Status == types.JobPending {
			j.Status = types.JobOnHold
			n++
		}
	}
	return n, nil
}

func (f *Fake) ResumeJobs(_ context.Context, queue types.Queue) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs[queue] {
		if j.Status == types.JobOnHold {
			j.Status = types.JobPending
			n++
		}
	}
	return n, nil
}

func (f *Fake) ResetStuckJobs(_ context.Context, queue types.Queue, minAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-minAge)
	n := 0
	for _, j := range f.jobs[queue] {
		stuckRunning := j.Status == types.JobRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff)
		stuckQueued := j.Status == types.JobQueued && j.LeasedAt != nil && j.LeasedAt.Before(cutoff)
		if stuckRunning || stuckQueued {
			now := time.Now()
			j.Status = types.JobFailed
			j.CompletedAt = &now
			j.LastError = types.StuckResetError
			n++
		}
	}
	return n, nil
}

// --- Escalations ---

func (f *Fake) CreateEscalation(_ context.Context, esc *types.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateEscalation"); err != nil {
		return err
	}
	f.nextEscID++
	esc.ID = f.nextEscID
	esc.CreatedAt = time.Now()
	cp := *esc
	f.escalations[esc.ID] = &cp
	return nil
}

func (f *Fake) GetEscalation(_ context.Context, id int64) (*types.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) ListEscalations(_ context.Context, filter types.EscalationFilter) ([]*types.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Escalation
	for _, e := range f.escalations {
		if filter.Sink != nil && e.SinkStateFor(*filter.Sink).Completed {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *Fake) ListPendingEscalations(_ context.Context, sink types.Sink, limit int) ([]*types.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListPendingEscalations"); err != nil {
		return nil, err
	}
	var out []*types.Escalation
	for _, e := range f.escalations {
		if e.SinkStateFor(sink).Completed {
			continue
		}
		if sink == types.SinkBlocklist && e.Severity < types.EscalationSeverityThreshold {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) sinkState(id int64, sink types.Sink) (*types.SinkState, error) {
	e, ok := f.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %d: %w", id, storage.ErrNotFound)
	}
	switch sink {
	case types.SinkTicket:
		return &e.Ticket, nil
	case types.SinkBlocklist:
		return &e.Blocklist, nil
	default:
		return &e.Notification, nil
	}
}

func (f *Fake) MarkSinkSuccess(_ context.Context, id int64, sink types.Sink, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.sinkState(id, sink)
	if err != nil {
		return err
	}
	now := time.Now()
	state.Completed = true
	state.SuccessAt = &now
	state.ExternalID = externalID
	state.LastError = ""
	return nil
}

func (f *Fake) MarkSinkFailed(_ context.Context, id int64, sink types.Sink, sinkErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.sinkState(id, sink)
	if err != nil {
		return err
	}
	state.LastError = sinkErr
	return nil
}

func (f *Fake) RetrySink(_ context.Context, id int64, sink types.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.sinkState(id, sink)
	if err != nil {
		return err
	}
	*state = types.SinkState{}
	return nil
}

func (f *Fake) CompleteSink(ctx context.Context, id int64, sink types.Sink, externalID string) error {
	return f.MarkSinkSuccess(ctx, id, sink, externalID)
}

// --- Blocklist ---

func (f *Fake) UpsertBlocklist(_ context.Context, entry *types.BlocklistEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpsertBlocklist"); err != nil {
		return false, err
	}
	existing, ok := f.blocklist[entry.IPAddress]
	now := time.Now()
	if ok {
		existing.LastSeenAt = now
		existing.BlockCount++
		existing.Reason = entry.Reason
		if entry.Severity > existing.Severity {
			existing.Severity = entry.Severity
		}
		existing.IsActive = true
		existing.RemovedAt = nil
		*entry = *existing
		return false, nil
	}
	entry.CreatedAt = now
	entry.LastSeenAt = now
	entry.BlockCount = 1
	entry.IsActive = true
	cp := *entry
	f.blocklist[entry.IPAddress] = &cp
	return true, nil
}

func (f *Fake) GetBlocklistEntry(_ context.Context, ip string) (*types.BlocklistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.blocklist[ip]
	if !ok {
		return nil, fmt.Errorf("blocklist entry %s: %w", ip, storage.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) DeactivateBlocklist(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.blocklist[ip]
	if !ok || !e.IsActive {
		return fmt.Errorf("active blocklist entry %s: %w", ip, storage.ErrNotFound)
	}
	now := time.Now()
	e.IsActive = false
	e.RemovedAt = &now
	return nil
}

// --- Timeline ---

func (f *Fake) AppendTimeline(_ context.Context, entry *types.TimelineEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTLID++
	entry.ID = f.nextTLID
	entry.CreatedAt = time.Now()
	cp := *entry
	f.timeline[entry.EventID] = append(f.timeline[entry.EventID], &cp)
	return nil
}

func (f *Fake) BulkAppendTimeline(ctx context.Context, eventIDs []int64, entry types.TimelineEntry) error {
	for _, id := range eventIDs {
		e := entry
		e.EventID = id
		if err := f.AppendTimeline(ctx, &e); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) GetTimeline(_ context.Context, eventID int64, limit int) ([]*types.TimelineEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.timeline[eventID]
	out := make([]*types.TimelineEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements storage.Store.
func (f *Fake) Close() error { return nil }
