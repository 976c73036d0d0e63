package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratasec/aegis/internal/types"
)

// Payload field caps. Group payloads summarize rather than enumerate so the
// prompt stays bounded no matter how noisy the source IP was.
const (
	maxUniqueURIs  = 20
	maxUniqueRules = 10
)

// eventInput is the per-event slice of fields sent to the agents. Raw
// payloads never leave the store.
type eventInput struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	SourceIP  string `json:"source_ip,omitempty"`
	Country   string `json:"country,omitempty"`
	Host      string `json:"host,omitempty"`
	URI       string `json:"uri,omitempty"`
	Method    string `json:"method,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
	RuleName  string `json:"rule_name,omitempty"`
	Action    string `json:"action,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func newEventInput(e *types.Event) eventInput {
	return eventInput{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		SourceIP:  e.SourceIP,
		Country:   e.Country,
		Host:      e.Host,
		URI:       e.URI,
		Method:    e.Method,
		RuleID:    e.RuleID,
		RuleName:  e.RuleName,
		Action:    e.Action,
		UserAgent: e.UserAgent,
	}
}

// groupSummary aggregates a group's members for the group analyzer.
type groupSummary struct {
	SourceIP        string         `json:"source_ip"`
	Country         string         `json:"country,omitempty"`
	TotalEvents     int            `json:"total_events"`
	UniqueURIs      []string       `json:"unique_uris"`
	UniqueRules     []string       `json:"unique_rules"`
	ActionBreakdown map[string]int `json:"action_breakdown"`
	MethodBreakdown map[string]int `json:"method_breakdown"`
	FirstEvent      string         `json:"first_event"`
	LastEvent       string         `json:"last_event"`
	DurationMinutes float64        `json:"duration_minutes"`
}

func summarize(group *types.Group, events []*types.Event) groupSummary {
	s := groupSummary{
		SourceIP:        group.SourceIP,
		Country:         group.Country,
		TotalEvents:     len(events),
		ActionBreakdown: make(map[string]int),
		MethodBreakdown: make(map[string]int),
	}

	seenURIs := make(map[string]bool)
	seenRules := make(map[string]bool)
	var first, last time.Time
	for _, e := range events {
		if !seenURIs[e.URI] && e.URI != "" {
			seenURIs[e.URI] = true
			if len(s.UniqueURIs) < maxUniqueURIs {
				s.UniqueURIs = append(s.UniqueURIs, e.URI)
			}
		}
		rule := e.RuleName
		if rule == "" {
			rule = e.RuleID
		}
		if rule != "" && !seenRules[rule] {
			seenRules[rule] = true
			if len(s.UniqueRules) < maxUniqueRules {
				s.UniqueRules = append(s.UniqueRules, rule)
			}
		}
		if e.Action != "" {
			s.ActionBreakdown[e.Action]++
		}
		if e.Method != "" {
			s.MethodBreakdown[e.Method]++
		}
		if first.IsZero() || e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	if !first.IsZero() {
		s.FirstEvent = first.UTC().Format(time.RFC3339)
		s.LastEvent = last.UTC().Format(time.RFC3339)
		s.DurationMinutes = last.Sub(first).Minutes()
	}
	return s
}

// singlePayload builds the single analyzer's structured envelope.
func singlePayload(event *types.Event) ([]byte, error) {
	payload := struct {
		Action string     `json:"action"`
		Event  eventInput `json:"event"`
	}{Action: "analyze", Event: newEventInput(event)}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal single payload: %w", err)
	}
	return data, nil
}

// groupPayload builds the group analyzer's conversational envelope: the
// structured bulk request serialized into a prompt string.
func groupPayload(group *types.Group, events []*types.Event) ([]byte, error) {
	inputs := make([]eventInput, 0, len(events))
	for _, e := range events {
		inputs = append(inputs, newEventInput(e))
	}
	inner := struct {
		Action  string       `json:"action"`
		Summary groupSummary `json:"summary"`
		Events  []eventInput `json:"events"`
	}{Action: "bulk_analyze", Summary: summarize(group, events), Events: inputs}

	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal group request: %w", err)
	}

	data, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: string(innerJSON)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal group payload: %w", err)
	}
	return data, nil
}

// monitorPayload builds the campaign detector's structured envelope.
func monitorPayload(events []*types.Event) ([]byte, error) {
	inputs := make([]eventInput, 0, len(events))
	for _, e := range events {
		inputs = append(inputs, newEventInput(e))
	}
	payload := struct {
		Action string       `json:"action"`
		Events []eventInput `json:"events"`
	}{Action: "detect_campaigns", Events: inputs}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal monitor payload: %w", err)
	}
	return data, nil
}
