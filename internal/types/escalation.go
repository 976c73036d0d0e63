package types

import (
	"encoding/json"
	"time"
)

// EscalationSeverityThreshold is the verdict severity at or above which the
// workers raise an escalation.
const EscalationSeverityThreshold = 4

// SourceType identifies what produced an escalation.
type SourceType string

const (
	SourceWAFEvent SourceType = "waf_event"
	SourceGroup    SourceType = "group"
	SourceCampaign SourceType = "campaign"
)

// IsValid checks if the source type is valid.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceWAFEvent, SourceGroup, SourceCampaign:
		return true
	}
	return false
}

// Sink names one of the three escalation fan-out destinations.
type Sink string

const (
	SinkNotification Sink = "notification"
	SinkTicket       Sink = "ticket"
	SinkBlocklist    Sink = "blocklist"
)

// IsValid checks if the sink name is valid.
func (s Sink) IsValid() bool {
	switch s {
	case SinkNotification, SinkTicket, SinkBlocklist:
		return true
	}
	return false
}

// Sinks lists all fan-out destinations in processing order.
var Sinks = []Sink{SinkNotification, SinkTicket, SinkBlocklist}

// SinkState tracks one sink's delivery progress for an escalation. Each
// sink's state is fully independent of the others.
type SinkState struct {
	Completed  bool       `json:"completed"`
	SuccessAt  *time.Time `json:"success_at,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Escalation is a high-severity finding that must fan out to the
// notification, ticket, and blocklist sinks.
type Escalation struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	DetailPayload string     `json:"detail_payload,omitempty"` // JSON, see EscalationDetail
	Severity      int        `json:"severity"`
	SourceType    SourceType `json:"source_type"`
	SourceEventID *int64     `json:"source_event_id,omitempty"`
	SourceGroupID *int64     `json:"source_group_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	Notification SinkState `json:"notification"`
	Ticket       SinkState `json:"ticket"`
	Blocklist    SinkState `json:"blocklist"`
}

// SinkStateFor returns the state for the named sink.
func (e *Escalation) SinkStateFor(sink Sink) SinkState {
	switch sink {
	case SinkTicket:
		return e.Ticket
	case SinkBlocklist:
		return e.Blocklist
	default:
		return e.Notification
	}
}

// Detail decodes the detail payload, returning an empty detail when the
// payload is absent or malformed. Callers treat the payload as advisory.
func (e *Escalation) Detail() EscalationDetail {
	var d EscalationDetail
	if e.DetailPayload != "" {
		_ = json.Unmarshal([]byte(e.DetailPayload), &d)
	}
	return d
}

// EscalationDetail is the structured portion of the detail payload.
type EscalationDetail struct {
	AffectedEventIDs   []int64 `json:"affected_event_ids,omitempty"`
	SourceIP           string  `json:"source_ip,omitempty"`
	AttackType         string  `json:"attack_type,omitempty"`
	RecommendedActions string  `json:"recommended_actions,omitempty"`
	TimeBucket         string  `json:"time_bucket,omitempty"`
}

// Encode serializes the detail for storage.
func (d EscalationDetail) Encode() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// EscalationFilter narrows escalation listings.
type EscalationFilter struct {
	Sink    *Sink // only escalations with this sink incomplete
	Limit   int
}
