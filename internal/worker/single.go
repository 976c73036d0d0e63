package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratasec/aegis/internal/types"
)

const singleAnalyzedBy = "single-analyzer"

// analyzeSingle runs one single-event analysis attempt: fetch the event,
// invoke the analyzer, persist the verdict, raise an escalation for
// high-severity findings.
func (p *Pool) analyzeSingle(ctx context.Context, job *types.Job) (*types.JobResult, error) {
	event, err := p.store.GetEvent(ctx, job.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", job.TargetID, err)
	}

	verdict, _, err := p.agents.AnalyzeEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("single analysis of event %d failed: %w", event.ID, err)
	}

	if err := p.store.UpdateEventVerdict(ctx, event.ID, *verdict, singleAnalyzedBy); err != nil {
		return nil, fmt.Errorf("failed to persist verdict for event %d: %w", event.ID, err)
	}

	entry := &types.TimelineEntry{
		EventID:     event.ID,
		Type:        types.TimelineAIAnalysis,
		ActorKind:   types.ActorSystem,
		Actor:       singleAnalyzedBy,
		Title:       fmt.Sprintf("AI analysis verdict (severity %d)", verdict.Severity),
		Description: verdict.Analysis,
	}
	if err := p.store.AppendTimeline(ctx, entry); err != nil {
		p.logger.Error().Err(err).Int64("event_id", event.ID).Msg("failed to append timeline entry")
	}

	if verdict.Severity >= types.EscalationSeverityThreshold {
		eventID := event.ID
		p.raiseEscalation(ctx, &types.Escalation{
			Title:         fmt.Sprintf("High severity WAF event from %s", event.SourceIP),
			Message:       verdict.Analysis,
			Severity:      verdict.Severity,
			SourceType:    types.SourceWAFEvent,
			SourceEventID: &eventID,
			DetailPayload: types.EscalationDetail{
				AffectedEventIDs:   []int64{event.ID},
				SourceIP:           event.SourceIP,
				RecommendedActions: verdict.FollowUpOrActions(),
			}.Encode(),
		})
	}

	triage, _ := json.Marshal(verdict)
	return &types.JobResult{
		Severity:     verdict.Severity,
		Analysis:     verdict.Analysis,
		FollowUp:     verdict.FollowUpOrActions(),
		TriageResult: string(triage),
	}, nil
}
