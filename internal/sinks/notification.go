package sinks

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/types"
)

// snsAPI is the slice of the SNS client the sink uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes escalations to SNS topics. Critical findings
// (severity ≥ threshold is already a given here) route to the critical topic;
// anything below routes to the monitoring topic.
type SNSNotifier struct {
	client snsAPI
	cfg    config.NotifyConfig
}

// NewSNSNotifier creates a notifier over an SNS client.
func NewSNSNotifier(client *sns.Client, cfg config.NotifyConfig) *SNSNotifier {
	return &SNSNotifier{client: client, cfg: cfg}
}

// Notify publishes the escalation and returns the SNS message id.
func (n *SNSNotifier) Notify(ctx context.Context, esc *types.Escalation) (string, error) {
	topic := n.cfg.MonitoringTopicARN
	if esc.Severity >= types.EscalationSeverityThreshold {
		topic = n.cfg.CriticalTopicARN
	}
	if topic == "" {
		return "", fmt.Errorf("no notification topic configured for severity %d", esc.Severity)
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Subject:  aws.String(subjectFor(esc)),
		Message:  aws.String(messageFor(esc)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish notification: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// subjectFor builds the notification subject. SNS caps subjects at 100
// characters.
func subjectFor(esc *types.Escalation) string {
	subject := fmt.Sprintf("[SEV %d] %s", esc.Severity, esc.Title)
	if len(subject) > 100 {
		subject = subject[:97] + "..."
	}
	return subject
}

func messageFor(esc *types.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity: %d\nSource: %s\n", esc.Severity, esc.SourceType)
	detail := esc.Detail()
	if detail.SourceIP != "" {
		fmt.Fprintf(&b, "Source IP: %s\n", detail.SourceIP)
	}
	if detail.AttackType != "" {
		fmt.Fprintf(&b, "Attack type: %s\n", detail.AttackType)
	}
	if len(detail.AffectedEventIDs) > 0 {
		fmt.Fprintf(&b, "Affected events: %d\n", len(detail.AffectedEventIDs))
	}
	if esc.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", esc.Message)
	}
	if detail.RecommendedActions != "" {
		fmt.Fprintf(&b, "\nRecommended actions: %s\n", detail.RecommendedActions)
	}
	return b.String()
}
