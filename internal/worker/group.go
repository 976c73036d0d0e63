package worker

import (
	"context"
	"fmt"

	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

const groupAnalyzedBy = "group-analyzer"

// analyzeGroup runs one grouped analysis attempt: fetch the group and its
// members, invoke the group analyzer, apply the verdict to the group and
// every member atomically, raise one escalation for high-severity findings.
func (p *Pool) analyzeGroup(ctx context.Context, job *types.Job) (*types.JobResult, error) {
	group, err := p.store.GetGroup(ctx, job.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d: %w", job.TargetID, err)
	}
	events, err := p.store.GetEventsByGroup(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d members: %w", group.ID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("group %d has no member events", group.ID)
	}

	verdict, exchange, err := p.agents.AnalyzeGroup(ctx, group, events)
	if err != nil {
		return nil, fmt.Errorf("group analysis of group %d failed: %w", group.ID, err)
	}

	raw := storage.RawExchange{Prompt: exchange.Prompt, Response: exchange.Response}
	if err := p.store.ApplyGroupVerdict(ctx, group.ID, *verdict, raw, groupAnalyzedBy); err != nil {
		return nil, fmt.Errorf("failed to persist verdict for group %d: %w", group.ID, err)
	}

	if verdict.Severity >= types.EscalationSeverityThreshold {
		eventIDs := make([]int64, 0, len(events))
		for _, e := range events {
			eventIDs = append(eventIDs, e.ID)
		}
		groupID := group.ID
		p.raiseEscalation(ctx, &types.Escalation{
			Title: fmt.Sprintf("High severity activity from %s (%d events)",
				group.SourceIP, len(events)),
			Message:       verdict.Analysis,
			Severity:      verdict.Severity,
			SourceType:    types.SourceGroup,
			SourceGroupID: &groupID,
			DetailPayload: types.EscalationDetail{
				AffectedEventIDs:   eventIDs,
				SourceIP:           group.SourceIP,
				AttackType:         verdict.AttackType,
				RecommendedActions: verdict.RecommendedActions,
				TimeBucket:         group.TimeBucket,
			}.Encode(),
		})
	}

	return &types.JobResult{
		Severity: verdict.Severity,
		Analysis: verdict.Analysis,
		FollowUp: verdict.FollowUpOrActions(),
	}, nil
}
