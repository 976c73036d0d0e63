// Package agent invokes the external AI analyzers: the single-event
// analyzer, the group analyzer, and the campaign monitor. Each agent has its
// own request envelope; all responses go through one parse cascade.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/types"
)

// coldStartMarkers identify runtime-startup failures, the only error class
// worth retrying at this layer. Everything else is the job's problem.
var coldStartMarkers = []string{
	"starting the runtime",
	"RuntimeClientError",
}

// IsColdStart reports whether an invocation error is a runtime cold-start
// failure.
func IsColdStart(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range coldStartMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Exchange carries the raw request/response pair of a call for diagnostics.
type Exchange struct {
	Prompt   string
	Response string
}

// Client dispatches calls to the analysis agents with cold-start retry, a
// concurrency cap, and an optional invocation rate limit shared across all
// workers.
type Client struct {
	invoker Invoker
	cfg     config.AgentConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates an agent client.
func New(invoker Invoker, cfg config.AgentConfig) *Client {
	c := &Client{
		invoker: invoker,
		cfg:     cfg,
		logger:  log.WithComponent("agent"),
	}
	if cfg.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	return c
}

// AnalyzeEvent sends one event to the single analyzer and returns its verdict.
func (c *Client) AnalyzeEvent(ctx context.Context, event *types.Event) (*types.Verdict, Exchange, error) {
	payload, err := singlePayload(event)
	if err != nil {
		return nil, Exchange{}, err
	}
	return c.analyze(ctx, "single", c.cfg.SingleFunction, payload)
}

// AnalyzeGroup sends a group and its members to the group analyzer. Member
// events are reduced to key fields plus an aggregate summary.
func (c *Client) AnalyzeGroup(ctx context.Context, group *types.Group, events []*types.Event) (*types.Verdict, Exchange, error) {
	payload, err := groupPayload(group, events)
	if err != nil {
		return nil, Exchange{}, err
	}
	return c.analyze(ctx, "group", c.cfg.GroupFunction, payload)
}

// DetectCampaigns asks the monitor agent to scan recently analyzed events
// for coordinated activity.
func (c *Client) DetectCampaigns(ctx context.Context, events []*types.Event) ([]types.Campaign, Exchange, error) {
	payload, err := monitorPayload(events)
	if err != nil {
		return nil, Exchange{}, err
	}

	body, err := c.invokeWithRetry(ctx, "monitor", c.cfg.MonitorFunction, payload)
	exchange := Exchange{Prompt: string(payload), Response: string(body)}
	if err != nil {
		return nil, exchange, err
	}

	campaigns, err := ParseCampaigns(body)
	if err != nil {
		metrics.AgentInvocations.WithLabelValues("monitor", "parse_error").Inc()
		return nil, exchange, err
	}
	return campaigns, exchange, nil
}

func (c *Client) analyze(ctx context.Context, agent, function string, payload []byte) (*types.Verdict, Exchange, error) {
	body, err := c.invokeWithRetry(ctx, agent, function, payload)
	exchange := Exchange{Prompt: string(payload), Response: string(body)}
	if err != nil {
		return nil, exchange, err
	}

	verdict, err := ParseVerdict(body)
	if err != nil {
		metrics.AgentInvocations.WithLabelValues(agent, "parse_error").Inc()
		return nil, exchange, err
	}
	return verdict, exchange, nil
}

// invokeWithRetry runs the fixed-delay retry schedule. Only cold-start
// failures are retried; the per-attempt timeout bounds each call.
func (c *Client) invokeWithRetry(ctx context.Context, agent, function string, payload []byte) ([]byte, error) {
	if function == "" {
		return nil, fmt.Errorf("no function configured for %s agent", agent)
	}

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire agent slot: %w", err)
		}
		defer c.sem.Release(1)
	}

	start := time.Now()
	defer func() {
		metrics.AgentDuration.WithLabelValues(agent).Observe(time.Since(start).Seconds())
	}()

	delays := c.cfg.RetryDelays
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}

	var lastErr error
	for attempt, delay := range delays {
		if delay > 0 {
			c.logger.Info().
				Str("agent", agent).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("waiting before cold-start retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%s invocation canceled: %w", agent, ctx.Err())
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("failed to pass agent rate limiter: %w", err)
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if c.cfg.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		}
		body, err := c.invoker.Invoke(attemptCtx, function, payload)
		cancel()

		if err == nil {
			metrics.AgentInvocations.WithLabelValues(agent, "ok").Inc()
			if attempt > 0 {
				c.logger.Info().Str("agent", agent).Int("attempts", attempt+1).
					Msg("agent call succeeded after cold-start retries")
			}
			return body, nil
		}
		lastErr = err

		if !IsColdStart(err) {
			metrics.AgentInvocations.WithLabelValues(agent, "error").Inc()
			return nil, err
		}
		metrics.AgentInvocations.WithLabelValues(agent, "cold_start").Inc()
		c.logger.Warn().Err(err).Str("agent", agent).Int("attempt", attempt+1).
			Msg("agent runtime cold start")
	}

	return nil, fmt.Errorf("%s agent failed after %d attempts: %w", agent, len(delays), lastErr)
}
