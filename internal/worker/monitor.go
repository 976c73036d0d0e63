package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratasec/aegis/internal/agent"
	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// CampaignDetector is the monitor slice of the agent client.
type CampaignDetector interface {
	DetectCampaigns(ctx context.Context, events []*types.Event) ([]types.Campaign, agent.Exchange, error)
}

// Monitor periodically scans recently analyzed events for coordinated
// attack campaigns and raises campaign escalations.
type Monitor struct {
	store     storage.Store
	detector  CampaignDetector
	window    time.Duration
	minEvents int
	interval  time.Duration
	logger    zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// MonitorConfig holds monitor settings.
type MonitorConfig struct {
	Window    time.Duration // lookback over analyzed_at
	MinEvents int           // skip the scan below this many events
	Interval  time.Duration
}

// NewMonitor creates a campaign monitor.
func NewMonitor(store storage.Store, detector CampaignDetector, cfg MonitorConfig) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Monitor{
		store:     store,
		detector:  detector,
		window:    cfg.Window,
		minEvents: cfg.MinEvents,
		interval:  cfg.Interval,
		logger:    log.WithComponent("monitor"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the periodic scan loop until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := m.RunOnce(ctx); err != nil {
					m.logger.Error().Err(err).Msg("campaign scan failed")
				} else if n > 0 {
					m.logger.Info().Int("campaigns", n).Msg("campaign scan complete")
				}
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// RunOnce scans the recent analysis window once and returns the number of
// campaign escalations raised.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	events, err := m.store.RecentlyAnalyzedEvents(ctx, time.Now().Add(-m.window), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load recent events: %w", err)
	}
	if len(events) < m.minEvents {
		return 0, nil
	}

	campaigns, _, err := m.detector.DetectCampaigns(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("campaign detection failed: %w", err)
	}

	raised := 0
	for _, c := range campaigns {
		if c.Severity < types.EscalationSeverityThreshold {
			continue
		}
		esc := &types.Escalation{
			Title:      fmt.Sprintf("Attack campaign detected: %s", c.Name),
			Message:    c.Description,
			Severity:   c.Severity,
			SourceType: types.SourceCampaign,
			DetailPayload: types.EscalationDetail{
				AffectedEventIDs: c.AffectedEventIDs,
				SourceIP:         c.SourceIP,
			}.Encode(),
		}
		if err := m.store.CreateEscalation(ctx, esc); err != nil {
			m.logger.Error().Err(err).Str("campaign", c.Name).Msg("failed to create campaign escalation")
			continue
		}
		metrics.EscalationsCreated.WithLabelValues(string(types.SourceCampaign)).Inc()
		raised++
	}
	return raised, nil
}
