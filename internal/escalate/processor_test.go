package escalate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratasec/aegis/internal/sinks"
	"github.com/stratasec/aegis/internal/storage/storagetest"
	"github.com/stratasec/aegis/internal/types"
)

type fakeNotifier struct {
	messageID string
	err       error
	calls     int
}

func (f *fakeNotifier) Notify(_ context.Context, _ *types.Escalation) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.messageID, nil
}

type fakeTicketer struct {
	ref   sinks.TicketRef
	err   error
	calls int
}

func (f *fakeTicketer) CreateTicket(_ context.Context, _ *types.Escalation) (sinks.TicketRef, error) {
	f.calls++
	if f.err != nil {
		return sinks.TicketRef{}, f.err
	}
	return f.ref, nil
}

type fakeBlocker struct {
	err     error
	blocked []string
}

func (f *fakeBlocker) Block(_ context.Context, ip string) error {
	if f.err != nil {
		return f.err
	}
	f.blocked = append(f.blocked, ip)
	return nil
}

func (f *fakeBlocker) Unblock(_ context.Context, _ string) error { return nil }

func seedEscalation(t *testing.T, store *storagetest.Fake, severity int, detail types.EscalationDetail) *types.Escalation {
	t.Helper()
	esc := &types.Escalation{
		Title:         "High severity activity from 203.0.113.7",
		Message:       "Burst of blocked requests against the login endpoint",
		Severity:      severity,
		SourceType:    types.SourceGroup,
		DetailPayload: detail.Encode(),
	}
	require.NoError(t, store.CreateEscalation(context.Background(), esc))
	return esc
}

func TestRunOnceSinksProgressIndependently(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()
	esc := seedEscalation(t, store, 5, types.EscalationDetail{SourceIP: "203.0.113.7"})

	notifier := &fakeNotifier{messageID: "msg-1"}
	ticketer := &fakeTicketer{ref: sinks.TicketRef{Number: "INC0012345", SysID: "abc"}}
	blocker := &fakeBlocker{err: errors.New("throttled")}
	p := New(store, notifier, ticketer, blocker, Config{})

	stats := p.RunOnce(ctx)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)

	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Notification.Completed)
	assert.Equal(t, "msg-1", got.Notification.ExternalID)
	assert.True(t, got.Ticket.Completed)
	assert.Equal(t, "INC0012345", got.Ticket.ExternalID)
	assert.False(t, got.Blocklist.Completed)
	assert.Contains(t, got.Blocklist.LastError, "throttled")

	// The durable entry was written even though the external update failed.
	entry, err := store.GetBlocklistEntry(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, entry.IsActive)

	// The failed sink recovers on the next sweep; completed sinks are not
	// re-delivered.
	blocker.err = nil
	stats = p.RunOnce(ctx)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 1, ticketer.calls)
	assert.Equal(t, []string{"203.0.113.7"}, blocker.blocked)

	got, err = store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Blocklist.Completed)
	assert.Equal(t, "203.0.113.7", got.Blocklist.ExternalID)
	assert.Empty(t, got.Blocklist.LastError)
}

func TestBlocklistRequiresThresholdSeverity(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()
	esc := seedEscalation(t, store, 3, types.EscalationDetail{SourceIP: "203.0.113.7"})

	blocker := &fakeBlocker{}
	p := New(store, &fakeNotifier{messageID: "msg-1"}, &fakeTicketer{ref: sinks.TicketRef{Number: "INC1"}}, blocker, Config{})

	p.RunOnce(ctx)

	// Below the threshold the escalation is never listed for the blocklist
	// sink: no delivery attempt, no error, and it stays incomplete.
	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Notification.Completed)
	assert.True(t, got.Ticket.Completed)
	assert.False(t, got.Blocklist.Completed)
	assert.Empty(t, got.Blocklist.LastError)
	assert.Empty(t, blocker.blocked)
	_, err = store.GetBlocklistEntry(ctx, "203.0.113.7")
	assert.Error(t, err, "no durable entry below the threshold")
}

func TestBlocklistDerivesIPFromSourceEvent(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()

	event := &types.Event{
		RequestID: "req-1",
		SourceIP:  "198.51.100.9",
		Timestamp: time.Now(),
	}
	created, err := store.CreateEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, created)

	esc := &types.Escalation{
		Title:         "High severity event",
		Severity:      5,
		SourceType:    types.SourceWAFEvent,
		SourceEventID: &event.ID,
	}
	require.NoError(t, store.CreateEscalation(ctx, esc))

	blocker := &fakeBlocker{}
	p := New(store, &fakeNotifier{messageID: "m"}, &fakeTicketer{ref: sinks.TicketRef{Number: "INC1"}}, blocker, Config{})
	p.RunOnce(ctx)

	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Blocklist.Completed)
	assert.Equal(t, "198.51.100.9", got.Blocklist.ExternalID)
	assert.Contains(t, blocker.blocked, "198.51.100.9")
}

func TestBlocklistNoDerivableIPClosesOut(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()
	esc := seedEscalation(t, store, 5, types.EscalationDetail{AttackType: "campaign"})

	blocker := &fakeBlocker{}
	p := New(store, &fakeNotifier{messageID: "m"}, &fakeTicketer{ref: sinks.TicketRef{Number: "INC1"}}, blocker, Config{})
	p.RunOnce(ctx)

	// An address can never materialize for this escalation, so the sink is
	// closed out rather than left to churn every sweep.
	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Blocklist.Completed)
	assert.Equal(t, "skipped: no blockable address", got.Blocklist.ExternalID)
	assert.Empty(t, got.Blocklist.LastError)
	assert.Empty(t, blocker.blocked)

	// And it never comes back on later sweeps.
	pending, err := store.ListPendingEscalations(ctx, types.SinkBlocklist, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUnconfiguredSinkStaysPending(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()
	esc := seedEscalation(t, store, 5, types.EscalationDetail{SourceIP: "203.0.113.7"})

	p := New(store, &fakeNotifier{messageID: "m"}, nil, nil, Config{})
	stats := p.RunOnce(ctx)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, stats.Failed)

	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Notification.Completed)
	assert.False(t, got.Ticket.Completed)
	assert.Contains(t, got.Ticket.LastError, "not configured")
	assert.False(t, got.Blocklist.Completed)
}

func TestOperatorRetryClearsSinkState(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewFake()
	esc := seedEscalation(t, store, 5, types.EscalationDetail{SourceIP: "203.0.113.7"})

	notifier := &fakeNotifier{messageID: "msg-1"}
	p := New(store, notifier, &fakeTicketer{ref: sinks.TicketRef{Number: "INC1"}}, &fakeBlocker{}, Config{})
	p.RunOnce(ctx)
	require.Equal(t, 1, notifier.calls)

	require.NoError(t, store.RetrySink(ctx, esc.ID, types.SinkNotification))
	notifier.messageID = "msg-2"
	p.RunOnce(ctx)

	got, err := store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, notifier.calls)
	assert.Equal(t, "msg-2", got.Notification.ExternalID)
}
