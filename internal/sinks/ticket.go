package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/types"
)

// defaultUrgency maps verdict severity to incident urgency when the config
// doesn't override it. 1 is the provider's highest urgency.
var defaultUrgency = map[int]int{5: 1, 4: 2, 3: 3}

// TicketClient files incidents against a REST incident API with basic auth.
type TicketClient struct {
	httpClient *http.Client
	cfg        config.TicketConfig
}

// NewTicketClient creates a ticket sink.
func NewTicketClient(cfg config.TicketConfig) *TicketClient {
	return &TicketClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
	}
}

type incidentRequest struct {
	CorrelationID    string `json:"correlation_id"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Urgency          int    `json:"urgency"`
}

type incidentResponse struct {
	Result struct {
		Number string `json:"number"`
		SysID  string `json:"sys_id"`
	} `json:"result"`
}

// CreateTicket files one incident and returns its reference.
func (t *TicketClient) CreateTicket(ctx context.Context, esc *types.Escalation) (TicketRef, error) {
	if t.cfg.BaseURL == "" {
		return TicketRef{}, fmt.Errorf("ticket sink not configured")
	}

	payload := incidentRequest{
		CorrelationID:    fmt.Sprintf("aegis-%d-%s", esc.ID, uuid.New().String()[:8]),
		ShortDescription: subjectFor(esc),
		Description:      messageFor(esc),
		Urgency:          t.urgencyFor(esc.Severity),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TicketRef{}, fmt.Errorf("failed to marshal incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.cfg.BaseURL+"/api/now/table/incident", bytes.NewReader(body))
	if err != nil {
		return TicketRef{}, fmt.Errorf("failed to build incident request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.cfg.User != "" {
		req.SetBasicAuth(t.cfg.User, t.cfg.Password)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return TicketRef{}, fmt.Errorf("incident request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TicketRef{}, fmt.Errorf("incident API returned %d: %s", resp.StatusCode, snippet)
	}

	var decoded incidentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TicketRef{}, fmt.Errorf("failed to decode incident response: %w", err)
	}
	if decoded.Result.Number == "" {
		return TicketRef{}, fmt.Errorf("incident response carried no ticket number")
	}
	return TicketRef{Number: decoded.Result.Number, SysID: decoded.Result.SysID}, nil
}

func (t *TicketClient) urgencyFor(severity int) int {
	if u, ok := t.cfg.Urgency[severity]; ok {
		return u
	}
	if u, ok := defaultUrgency[severity]; ok {
		return u
	}
	return 3
}
