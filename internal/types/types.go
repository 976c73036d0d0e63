// Package types defines the shared data model for the analysis pipeline:
// WAF events, analysis groups, queue jobs, escalations, the blocklist,
// and the per-event timeline.
package types

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Event is an ingested WAF record. Verdict fields are nil/empty until an
// analysis job writes them back.
type Event struct {
	ID            int64      `json:"id"`
	RequestID     string     `json:"request_id"`
	Timestamp     time.Time  `json:"timestamp"`
	SourceIP      string     `json:"source_ip"`
	Country       string     `json:"country,omitempty"`
	Host          string     `json:"host,omitempty"`
	URI           string     `json:"uri,omitempty"`
	Method        string     `json:"method,omitempty"`
	RuleID        string     `json:"rule_id,omitempty"`
	RuleName      string     `json:"rule_name,omitempty"`
	Action        string     `json:"action,omitempty"` // BLOCK, ALLOW, COUNT, ...
	UserAgent     string     `json:"user_agent,omitempty"`
	RawPayload    string     `json:"raw_payload,omitempty"` // opaque upstream JSON
	Severity      *int       `json:"severity,omitempty"`
	AnalysisText  string     `json:"analysis_text,omitempty"`
	FollowUpText  string     `json:"follow_up_text,omitempty"`
	Status        EventStatus `json:"status"`
	Processed     bool       `json:"processed"`
	AnalyzedAt    *time.Time `json:"analyzed_at,omitempty"`
	AnalyzedBy    string     `json:"analyzed_by,omitempty"`
	LinkedJobID   *int64     `json:"linked_job_id,omitempty"`
	LinkedGroupID *int64     `json:"linked_group_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate checks required fields before ingestion.
func (e *Event) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if net.ParseIP(e.SourceIP) == nil {
		return fmt.Errorf("invalid source_ip: %q", e.SourceIP)
	}
	if e.Status != "" && !e.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	return nil
}

// EventStatus represents the triage state of an event.
type EventStatus string

const (
	EventOpen          EventStatus = "open"
	EventInvestigating EventStatus = "investigating"
	EventClosed        EventStatus = "closed"
	EventFalsePositive EventStatus = "false_positive"
)

// IsValid checks if the status value is valid.
func (s EventStatus) IsValid() bool {
	switch s {
	case EventOpen, EventInvestigating, EventClosed, EventFalsePositive:
		return true
	}
	return false
}

// StatusForSeverity maps an analysis severity to the event status it implies.
// Both the single and group workers derive member status through this one
// function so the mapping cannot drift between code paths.
func StatusForSeverity(severity int) EventStatus {
	switch {
	case severity >= 4:
		return EventOpen // requires attention
	case severity == 3:
		return EventInvestigating
	case severity <= 1:
		return EventClosed
	default:
		return EventInvestigating
	}
}

// Group is a grouped-analysis task: the set of events sharing a source IP
// and a one-minute time bucket.
type Group struct {
	ID                 int64       `json:"id"`
	SourceIP           string      `json:"source_ip"`
	TimeBucket         string      `json:"time_bucket"` // YYYYMMDD-HHMM
	Country            string      `json:"country,omitempty"`
	MemberCount        int         `json:"member_count"`
	Severity           *int        `json:"severity,omitempty"`
	AnalysisText       string      `json:"analysis_text,omitempty"`
	RecommendedActions string      `json:"recommended_actions,omitempty"`
	AttackType         string      `json:"attack_type,omitempty"`
	Status             GroupStatus `json:"status"`
	RawPrompt          string      `json:"raw_prompt,omitempty"`   // diagnostic
	RawResponse        string      `json:"raw_response,omitempty"` // diagnostic
	FirstEventAt       time.Time   `json:"first_event_at"`
	LastEventAt        time.Time   `json:"last_event_at"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// GroupStatus represents the review state of a group.
type GroupStatus string

const (
	GroupOpen      GroupStatus = "open"
	GroupInReview  GroupStatus = "in_review"
	GroupCompleted GroupStatus = "completed"
	GroupClosed    GroupStatus = "closed"
)

// IsValid checks if the status value is valid.
func (s GroupStatus) IsValid() bool {
	switch s {
	case GroupOpen, GroupInReview, GroupCompleted, GroupClosed:
		return true
	}
	return false
}

// BucketLayout is the encoding of a minute-truncated event timestamp.
const BucketLayout = "20060102-1504"

// BucketFor returns the minute bucket key for a timestamp, in UTC.
func BucketFor(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(BucketLayout)
}

// ParseBucket decodes a bucket key back to its minute boundary.
func ParseBucket(bucket string) (time.Time, error) {
	t, err := time.Parse(BucketLayout, bucket)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time bucket %q: %w", bucket, err)
	}
	return t, nil
}

// BucketSummary is one row of the grouper's snapshot of unlinked open events.
type BucketSummary struct {
	SourceIP   string
	TimeBucket string
	Country    string
	Count      int
	MinTime    time.Time
	MaxTime    time.Time
}

// BlocklistEntry is an IP in the managed blocklist. Repeated blocks of the
// same IP bump LastSeenAt and BlockCount; there is never more than one row
// per address.
type BlocklistEntry struct {
	IPAddress          string     `json:"ip_address"`
	Reason             string     `json:"reason"`
	Severity           int        `json:"severity"`
	SourceEscalationID *int64     `json:"source_escalation_id,omitempty"`
	SourceEventID      *int64     `json:"source_event_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	BlockCount         int        `json:"block_count"`
	IsActive           bool       `json:"is_active"`
	RemovedAt          *time.Time `json:"removed_at,omitempty"`
}

// TimelineEntry is one append-only audit record for an event. Entries are
// never mutated after insertion.
type TimelineEntry struct {
	ID          int64     `json:"id"`
	EventID     int64     `json:"event_id"`
	Type        string    `json:"type"`
	ActorKind   ActorKind `json:"actor_kind"`
	Actor       string    `json:"actor"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Metadata    string    `json:"metadata,omitempty"` // JSON
	CreatedAt   time.Time `json:"created_at"`
}

// ActorKind distinguishes system-generated timeline entries from operator ones.
type ActorKind string

const (
	ActorSystem ActorKind = "system"
	ActorUser   ActorKind = "user"
)

// IsValid checks if the actor kind is valid.
func (a ActorKind) IsValid() bool {
	return a == ActorSystem || a == ActorUser
}

// Timeline entry types written by the pipeline.
const (
	TimelineAIAnalysis  = "ai_analysis"
	TimelineEscalation  = "escalation"
	TimelineStatus      = "status_change"
	TimelineIngested    = "ingested"
)

// NormalizeCIDR appends a /32 suffix to a bare IPv4 address so it can be
// stored in a CIDR-valued IP set. Addresses that already carry a prefix are
// returned unchanged.
func NormalizeCIDR(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return ip + "/128"
	}
	return ip + "/32"
}
