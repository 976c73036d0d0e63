package types

import "fmt"

// Verdict is the normalized analysis result returned by every agent call.
// The JSON tags match the field names the agents emit.
type Verdict struct {
	Severity           int    `json:"severity_rating"`
	Analysis           string `json:"security_analysis"`
	FollowUp           string `json:"follow_up_suggestion,omitempty"`
	RecommendedActions string `json:"recommended_actions,omitempty"`
	AttackType         string `json:"attack_type,omitempty"` // group analyzer only
}

// Validate checks the verdict satisfies the agent response contract.
func (v *Verdict) Validate() error {
	if v.Severity < 0 || v.Severity > 5 {
		return fmt.Errorf("severity_rating must be 0-5 (got %d)", v.Severity)
	}
	if v.Analysis == "" {
		return fmt.Errorf("security_analysis is required")
	}
	return nil
}

// FollowUpOrActions returns whichever follow-up text the agent supplied.
// The single analyzer emits follow_up_suggestion; the group analyzer emits
// recommended_actions.
func (v *Verdict) FollowUpOrActions() string {
	if v.FollowUp != "" {
		return v.FollowUp
	}
	return v.RecommendedActions
}

// Campaign is one coordinated-attack finding from the monitor agent.
type Campaign struct {
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	Severity         int     `json:"severity"`
	SourceIP         string  `json:"source_ip,omitempty"`
	AffectedEventIDs []int64 `json:"affected_event_ids"`
}
