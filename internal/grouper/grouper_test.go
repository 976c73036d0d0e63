package grouper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratasec/aegis/internal/storage/storagetest"
	"github.com/stratasec/aegis/internal/types"
)

func seedEvent(t *testing.T, store *storagetest.Fake, requestID, sourceIP string, ts time.Time) *types.Event {
	t.Helper()
	event := &types.Event{RequestID: requestID, Timestamp: ts, SourceIP: sourceIP, Country: "NL"}
	created, err := store.CreateEvent(context.Background(), event)
	require.NoError(t, err)
	require.True(t, created)
	return event
}

func TestRunOnceGroupsByIPAndBucket(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)

	// Two events same IP same minute, one same IP next minute, one other IP.
	seedEvent(t, store, "r1", "203.0.113.7", base)
	seedEvent(t, store, "r2", "203.0.113.7", base.Add(30*time.Second))
	seedEvent(t, store, "r3", "203.0.113.7", base.Add(90*time.Second))
	seedEvent(t, store, "r4", "198.51.100.3", base)

	g := New(store, Config{AutoEnqueue: true})
	stats := g.RunOnce(ctx)

	assert.Equal(t, 3, stats.GroupsCreated)
	assert.Equal(t, 4, stats.EventsLinked)
	assert.Equal(t, 3, stats.JobsCreated)
	assert.Equal(t, 2, stats.IPsProcessed)

	// The two-event bucket produced one group with both members.
	group, _, err := store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP: "203.0.113.7", TimeBucket: types.BucketFor(base),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, group.MemberCount)

	jobs, err := store.ListJobs(ctx, types.QueueGroup, types.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestRunOnceGroupCarriesMajorityCountry(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)

	// Mixed geo lookups in one bucket: the most frequent country wins.
	for i, country := range []string{"US", "DE", "US"} {
		event := &types.Event{
			RequestID: []string{"r1", "r2", "r3"}[i],
			Timestamp: base.Add(time.Duration(i) * time.Second),
			SourceIP:  "192.0.2.5",
			Country:   country,
		}
		created, err := store.CreateEvent(ctx, event)
		require.NoError(t, err)
		require.True(t, created)
	}

	g := New(store, Config{AutoEnqueue: true})
	g.RunOnce(ctx)

	group, _, err := store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP: "192.0.2.5", TimeBucket: types.BucketFor(base),
	})
	require.NoError(t, err)
	assert.Equal(t, "US", group.Country)
}

func TestRunOnceIdempotent(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)
	seedEvent(t, store, "r1", "203.0.113.7", base)

	g := New(store, Config{AutoEnqueue: true})
	first := g.RunOnce(ctx)
	assert.Equal(t, 1, first.GroupsCreated)

	second := g.RunOnce(ctx)
	assert.Zero(t, second.GroupsCreated, "second pass over linked events creates nothing")
	assert.Zero(t, second.EventsLinked)
	assert.Zero(t, second.JobsCreated)
}

func TestRunOnceLinksLateArrivalsIntoExistingGroup(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)
	seedEvent(t, store, "r1", "203.0.113.7", base)

	g := New(store, Config{AutoEnqueue: true})
	g.RunOnce(ctx)

	// A late event lands in the same already-grouped bucket.
	seedEvent(t, store, "r2", "203.0.113.7", base.Add(20*time.Second))
	stats := g.RunOnce(ctx)

	assert.Zero(t, stats.GroupsCreated, "existing group is reused")
	assert.Equal(t, 1, stats.EventsLinked)
	assert.Zero(t, stats.JobsCreated, "jobs are only enqueued for new groups")

	group, _, err := store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP: "203.0.113.7", TimeBucket: types.BucketFor(base),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, group.MemberCount)
}

func TestRunOnceWithoutAutoEnqueue(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	seedEvent(t, store, "r1", "203.0.113.7", time.Now())

	g := New(store, Config{AutoEnqueue: false})
	stats := g.RunOnce(ctx)

	assert.Equal(t, 1, stats.GroupsCreated)
	assert.Zero(t, stats.JobsCreated)
	jobs, err := store.ListJobs(ctx, types.QueueGroup, types.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunOnceSurvivesStoreErrors(t *testing.T) {
	store := storagetest.NewFake()
	ctx := context.Background()
	seedEvent(t, store, "r1", "203.0.113.7", time.Now())
	store.FailOps["FindOrCreateGroup"] = errors.New("connection reset")

	g := New(store, Config{AutoEnqueue: true})
	stats := g.RunOnce(ctx)

	// The pass absorbs the failure; nothing is linked, nothing panics.
	assert.Zero(t, stats.GroupsCreated)
	assert.Zero(t, stats.EventsLinked)

	// Once the store recovers, the next pass completes the work.
	delete(store.FailOps, "FindOrCreateGroup")
	stats = g.RunOnce(ctx)
	assert.Equal(t, 1, stats.GroupsCreated)
	assert.Equal(t, 1, stats.EventsLinked)
}

func TestStartStop(t *testing.T) {
	store := storagetest.NewFake()
	g := New(store, Config{Interval: 10 * time.Millisecond})
	g.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	g.Stop()
}
