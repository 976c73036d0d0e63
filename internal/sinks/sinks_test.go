package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	wafv2types "github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/types"
)

func testEscalation(severity int) *types.Escalation {
	return &types.Escalation{
		ID:         7,
		Title:      "High severity activity from 203.0.113.7",
		Message:    "Credential stuffing burst against the login endpoint",
		Severity:   severity,
		SourceType: types.SourceGroup,
		DetailPayload: types.EscalationDetail{
			AffectedEventIDs:   []int64{1, 2, 3},
			SourceIP:           "203.0.113.7",
			AttackType:         "credential_stuffing",
			RecommendedActions: "Block the source address",
		}.Encode(),
	}
}

// --- notification ---

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-123")}, nil
}

func TestNotifyRoutesBySeverity(t *testing.T) {
	api := &fakeSNS{}
	n := &SNSNotifier{client: api, cfg: config.NotifyConfig{
		CriticalTopicARN:   "arn:critical",
		MonitoringTopicARN: "arn:monitoring",
	}}

	id, err := n.Notify(context.Background(), testEscalation(5))
	require.NoError(t, err)
	assert.Equal(t, "msg-123", id)
	assert.Equal(t, "arn:critical", aws.ToString(api.inputs[0].TopicArn))
	assert.Contains(t, aws.ToString(api.inputs[0].Subject), "[SEV 5]")
	assert.Contains(t, aws.ToString(api.inputs[0].Message), "203.0.113.7")
	assert.Contains(t, aws.ToString(api.inputs[0].Message), "credential_stuffing")

	_, err = n.Notify(context.Background(), testEscalation(3))
	require.NoError(t, err)
	assert.Equal(t, "arn:monitoring", aws.ToString(api.inputs[1].TopicArn))
}

func TestNotifySubjectCapped(t *testing.T) {
	api := &fakeSNS{}
	n := &SNSNotifier{client: api, cfg: config.NotifyConfig{CriticalTopicARN: "arn:critical"}}

	esc := testEscalation(5)
	esc.Title = strings.Repeat("x", 200)
	_, err := n.Notify(context.Background(), esc)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(aws.ToString(api.inputs[0].Subject)), 100)
}

func TestNotifyPropagatesPublishError(t *testing.T) {
	api := &fakeSNS{err: errors.New("throttled")}
	n := &SNSNotifier{client: api, cfg: config.NotifyConfig{CriticalTopicARN: "arn:critical"}}

	_, err := n.Notify(context.Background(), testEscalation(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

// --- ticket ---

func TestCreateTicket(t *testing.T) {
	var gotReq incidentRequest
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/now/table/incident", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "svc-aegis" && pass == "s3cret"
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {"number": "INC0012345", "sys_id": "abc123"}}`))
	}))
	defer srv.Close()

	client := NewTicketClient(config.TicketConfig{
		BaseURL:  srv.URL,
		User:     "svc-aegis",
		Password: "s3cret",
	})

	ref, err := client.CreateTicket(context.Background(), testEscalation(5))
	require.NoError(t, err)
	assert.Equal(t, "INC0012345", ref.Number)
	assert.Equal(t, "abc123", ref.SysID)
	assert.True(t, gotAuth, "basic auth credentials must be sent")
	assert.Equal(t, 1, gotReq.Urgency, "severity 5 maps to urgency 1")
	assert.True(t, strings.HasPrefix(gotReq.CorrelationID, "aegis-7-"))
	assert.Contains(t, gotReq.Description, "Credential stuffing")
}

func TestCreateTicketUrgencyOverride(t *testing.T) {
	var gotReq incidentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"result": {"number": "INC1", "sys_id": "x"}}`))
	}))
	defer srv.Close()

	client := NewTicketClient(config.TicketConfig{
		BaseURL: srv.URL,
		Urgency: map[int]int{5: 2},
	})

	_, err := client.CreateTicket(context.Background(), testEscalation(5))
	require.NoError(t, err)
	assert.Equal(t, 2, gotReq.Urgency)
}

func TestCreateTicketAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewTicketClient(config.TicketConfig{BaseURL: srv.URL})
	_, err := client.CreateTicket(context.Background(), testEscalation(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCreateTicketUnconfigured(t *testing.T) {
	client := NewTicketClient(config.TicketConfig{})
	_, err := client.CreateTicket(context.Background(), testEscalation(5))
	require.Error(t, err)
}

// --- blocklist ---

type fakeWAF struct {
	addresses []string
	lockToken string
	updates   []*wafv2.UpdateIPSetInput
	getErr    error
	updateErr error
}

func (f *fakeWAF) GetIPSet(_ context.Context, _ *wafv2.GetIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &wafv2.GetIPSetOutput{
		IPSet:     &wafv2types.IPSet{Addresses: append([]string{}, f.addresses...)},
		LockToken: aws.String(f.lockToken),
	}, nil
}

func (f *fakeWAF) UpdateIPSet(_ context.Context, params *wafv2.UpdateIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, params)
	f.addresses = params.Addresses
	return &wafv2.UpdateIPSetOutput{}, nil
}

func blockerConfig() config.BlocklistConfig {
	return config.BlocklistConfig{IPSetID: "set-1", IPSetName: "aegis-blocklist", Scope: "REGIONAL"}
}

func TestBlockAddsCIDR(t *testing.T) {
	api := &fakeWAF{addresses: []string{"198.51.100.3/32"}, lockToken: "tok-1"}
	b := &IPSetBlocker{client: api, cfg: blockerConfig()}

	require.NoError(t, b.Block(context.Background(), "203.0.113.7"))
	require.Len(t, api.updates, 1)
	assert.Contains(t, api.updates[0].Addresses, "203.0.113.7/32")
	assert.Contains(t, api.updates[0].Addresses, "198.51.100.3/32")
	assert.Equal(t, "tok-1", aws.ToString(api.updates[0].LockToken))
}

func TestBlockDuplicateIsNoOp(t *testing.T) {
	api := &fakeWAF{addresses: []string{"203.0.113.7/32"}, lockToken: "tok-1"}
	b := &IPSetBlocker{client: api, cfg: blockerConfig()}

	require.NoError(t, b.Block(context.Background(), "203.0.113.7"))
	assert.Empty(t, api.updates, "duplicate block must not call UpdateIPSet")
}

func TestUnblockRemovesCIDR(t *testing.T) {
	api := &fakeWAF{addresses: []string{"203.0.113.7/32", "198.51.100.3/32"}, lockToken: "tok-2"}
	b := &IPSetBlocker{client: api, cfg: blockerConfig()}

	require.NoError(t, b.Unblock(context.Background(), "203.0.113.7"))
	require.Len(t, api.updates, 1)
	assert.Equal(t, []string{"198.51.100.3/32"}, api.updates[0].Addresses)

	// Removing an absent address is a no-op.
	require.NoError(t, b.Unblock(context.Background(), "203.0.113.7"))
	assert.Len(t, api.updates, 1)
}

func TestBlockPropagatesUpdateError(t *testing.T) {
	api := &fakeWAF{lockToken: "tok-1", updateErr: errors.New("WAFOptimisticLockException")}
	b := &IPSetBlocker{client: api, cfg: blockerConfig()}

	err := b.Block(context.Background(), "203.0.113.7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAFOptimisticLockException")
}
