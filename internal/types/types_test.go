package types

import (
	"testing"
	"time"
)

func TestStatusForSeverity(t *testing.T) {
	tests := []struct {
		severity int
		want     EventStatus
	}{
		{0, EventClosed},
		{1, EventClosed},
		{2, EventInvestigating},
		{3, EventInvestigating},
		{4, EventOpen},
		{5, EventOpen},
	}

	for _, tt := range tests {
		if got := StatusForSeverity(tt.severity); got != tt.want {
			t.Errorf("StatusForSeverity(%d) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}

func TestBucketFor(t *testing.T) {
	// Two events in the same minute share a bucket regardless of seconds.
	a := time.Date(2025, 10, 18, 10, 0, 15, 0, time.UTC)
	b := time.Date(2025, 10, 18, 10, 0, 42, 0, time.UTC)

	if BucketFor(a) != "20251018-1000" {
		t.Errorf("BucketFor = %s, want 20251018-1000", BucketFor(a))
	}
	if BucketFor(a) != BucketFor(b) {
		t.Errorf("expected same bucket, got %s and %s", BucketFor(a), BucketFor(b))
	}

	// Non-UTC timestamps are normalized before truncation.
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := time.Date(2025, 10, 18, 12, 0, 30, 0, loc)
	if BucketFor(c) != "20251018-1000" {
		t.Errorf("BucketFor(non-UTC) = %s, want 20251018-1000", BucketFor(c))
	}
}

func TestParseBucket(t *testing.T) {
	got, err := ParseBucket("20251018-1000")
	if err != nil {
		t.Fatalf("ParseBucket failed: %v", err)
	}
	want := time.Date(2025, 10, 18, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseBucket = %v, want %v", got, want)
	}

	if _, err := ParseBucket("not-a-bucket"); err == nil {
		t.Error("expected error for malformed bucket")
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{
		RequestID: "req-1",
		Timestamp: time.Now(),
		SourceIP:  "1.2.3.4",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid event, got %v", err)
	}

	tests := []struct {
		name  string
		event Event
	}{
		{"missing request_id", Event{Timestamp: time.Now(), SourceIP: "1.2.3.4"}},
		{"missing timestamp", Event{RequestID: "r", SourceIP: "1.2.3.4"}},
		{"bad source_ip", Event{RequestID: "r", Timestamp: time.Now(), SourceIP: "not-an-ip"}},
		{"bad status", Event{RequestID: "r", Timestamp: time.Now(), SourceIP: "1.2.3.4", Status: "bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.event.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed}
	active := []JobStatus{JobPending, JobQueued, JobRunning, JobOnHold}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNormalizeCIDR(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3.4", "1.2.3.4/32"},
		{"1.2.3.0/24", "1.2.3.0/24"},
		{"2001:db8::1", "2001:db8::1/128"},
	}
	for _, tt := range tests {
		if got := NormalizeCIDR(tt.in); got != tt.want {
			t.Errorf("NormalizeCIDR(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEscalationDetailRoundTrip(t *testing.T) {
	detail := EscalationDetail{
		AffectedEventIDs: []int64{1, 2, 3},
		SourceIP:         "1.2.3.4",
		AttackType:       "SQL Injection",
	}

	esc := Escalation{DetailPayload: detail.Encode()}
	got := esc.Detail()

	if len(got.AffectedEventIDs) != 3 {
		t.Errorf("expected 3 affected events, got %d", len(got.AffectedEventIDs))
	}
	if got.SourceIP != "1.2.3.4" {
		t.Errorf("source_ip = %s", got.SourceIP)
	}

	// Malformed payloads decode to an empty detail rather than failing.
	bad := Escalation{DetailPayload: "{nope"}
	if d := bad.Detail(); d.SourceIP != "" || len(d.AffectedEventIDs) != 0 {
		t.Error("expected empty detail for malformed payload")
	}
}

func TestVerdictValidate(t *testing.T) {
	v := Verdict{Severity: 3, Analysis: "low risk probe"}
	if err := v.Validate(); err != nil {
		t.Errorf("expected valid verdict, got %v", err)
	}

	if err := (&Verdict{Severity: 6, Analysis: "x"}).Validate(); err == nil {
		t.Error("expected error for severity out of range")
	}
	if err := (&Verdict{Severity: 2}).Validate(); err == nil {
		t.Error("expected error for missing analysis")
	}
}

func TestVerdictFollowUpOrActions(t *testing.T) {
	single := Verdict{FollowUp: "monitor"}
	if single.FollowUpOrActions() != "monitor" {
		t.Error("expected follow_up_suggestion to win")
	}
	group := Verdict{RecommendedActions: "Block IP"}
	if group.FollowUpOrActions() != "Block IP" {
		t.Error("expected recommended_actions fallback")
	}
}

func TestEscalationSinkStateFor(t *testing.T) {
	esc := Escalation{
		Notification: SinkState{Completed: true, ExternalID: "msg-1"},
		Ticket:       SinkState{LastError: "throttled"},
	}

	if !esc.SinkStateFor(SinkNotification).Completed {
		t.Error("notification state lost")
	}
	if esc.SinkStateFor(SinkTicket).LastError != "throttled" {
		t.Error("ticket state lost")
	}
	if esc.SinkStateFor(SinkBlocklist).Completed {
		t.Error("blocklist should be incomplete")
	}
}
