// Package escalate drives escalation fan-out: each sweep drains the pending
// escalations of every sink independently.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/sinks"
	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// Stats summarizes one processor sweep.
type Stats struct {
	Delivered int
	Failed    int
}

// Processor fans escalations out to the notification, ticket, and blocklist
// sinks. A sweep never returns an error: sink failures are recorded on the
// escalation and retried next sweep.
type Processor struct {
	store      storage.Store
	notifier   sinks.Notifier
	ticketer   sinks.Ticketer
	blocker    sinks.Blocker
	interval   time.Duration
	batchLimit int
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config holds processor settings.
type Config struct {
	Interval   time.Duration
	BatchLimit int
}

// New creates an escalation processor. Any sink may be nil; its escalations
// then stay pending until it is configured.
func New(store storage.Store, notifier sinks.Notifier, ticketer sinks.Ticketer, blocker sinks.Blocker, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Processor{
		store:      store,
		notifier:   notifier,
		ticketer:   ticketer,
		blocker:    blocker,
		interval:   cfg.Interval,
		batchLimit: cfg.BatchLimit,
		logger:     log.WithComponent("escalate"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the periodic sweep loop until Stop is called.
func (p *Processor) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := p.RunOnce(ctx)
				if stats.Delivered > 0 || stats.Failed > 0 {
					p.logger.Info().
						Int("delivered", stats.Delivered).
						Int("failed", stats.Failed).
						Msg("escalation sweep complete")
				}
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (p *Processor) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// RunOnce drains all three sinks concurrently. Sinks never see each other's
// failures.
func (p *Processor) RunOnce(ctx context.Context) Stats {
	var notif, ticket, block Stats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		notif = p.drainSink(gctx, types.SinkNotification, p.deliverNotification)
		return nil
	})
	g.Go(func() error {
		ticket = p.drainSink(gctx, types.SinkTicket, p.deliverTicket)
		return nil
	})
	g.Go(func() error {
		block = p.drainSink(gctx, types.SinkBlocklist, p.deliverBlocklist)
		return nil
	})
	_ = g.Wait()

	return Stats{
		Delivered: notif.Delivered + ticket.Delivered + block.Delivered,
		Failed:    notif.Failed + ticket.Failed + block.Failed,
	}
}

// deliver attempts one sink delivery and returns the external handle.
type deliver func(ctx context.Context, esc *types.Escalation) (string, error)

// errNoBlockTarget marks an escalation that can never produce a blockable
// address. Retrying it is pointless, so the sink is closed out instead of
// failed.
var errNoBlockTarget = errors.New("no blockable address")

func (p *Processor) drainSink(ctx context.Context, sink types.Sink, fn deliver) Stats {
	var stats Stats

	pending, err := p.store.ListPendingEscalations(ctx, sink, p.batchLimit)
	if err != nil {
		p.logger.Error().Err(err).Str("sink", string(sink)).Msg("failed to list pending escalations")
		return stats
	}

	for _, esc := range pending {
		if ctx.Err() != nil {
			return stats
		}
		externalID, err := fn(ctx, esc)
		if errors.Is(err, errNoBlockTarget) {
			p.logger.Info().
				Int64("escalation_id", esc.ID).
				Str("sink", string(sink)).
				Msg("no blockable address; closing sink out")
			if cerr := p.store.CompleteSink(ctx, esc.ID, sink, "skipped: no blockable address"); cerr != nil {
				p.logger.Error().Err(cerr).Int64("escalation_id", esc.ID).Msg("failed to close sink out")
			}
			continue
		}
		if err != nil {
			stats.Failed++
			metrics.SinkDeliveries.WithLabelValues(string(sink), "failure").Inc()
			p.logger.Warn().Err(err).
				Int64("escalation_id", esc.ID).
				Str("sink", string(sink)).
				Msg("sink delivery failed")
			if merr := p.store.MarkSinkFailed(ctx, esc.ID, sink, err.Error()); merr != nil {
				p.logger.Error().Err(merr).Int64("escalation_id", esc.ID).Msg("failed to record sink failure")
			}
			continue
		}
		if err := p.store.MarkSinkSuccess(ctx, esc.ID, sink, externalID); err != nil {
			p.logger.Error().Err(err).Int64("escalation_id", esc.ID).Msg("failed to record sink success")
			continue
		}
		stats.Delivered++
		metrics.SinkDeliveries.WithLabelValues(string(sink), "success").Inc()
	}
	return stats
}

func (p *Processor) deliverNotification(ctx context.Context, esc *types.Escalation) (string, error) {
	if p.notifier == nil {
		return "", fmt.Errorf("notification sink not configured")
	}
	return p.notifier.Notify(ctx, esc)
}

func (p *Processor) deliverTicket(ctx context.Context, esc *types.Escalation) (string, error) {
	if p.ticketer == nil {
		return "", fmt.Errorf("ticket sink not configured")
	}
	ref, err := p.ticketer.CreateTicket(ctx, esc)
	if err != nil {
		return "", err
	}
	return ref.Number, nil
}

// deliverBlocklist blocks the escalation's source IP: durable store upsert
// first, then the external IP-set update. If the external side fails after
// the upsert, the sink stays incomplete and the next sweep retries; the
// upsert is idempotent so the retry is safe.
func (p *Processor) deliverBlocklist(ctx context.Context, esc *types.Escalation) (string, error) {
	if p.blocker == nil {
		return "", fmt.Errorf("blocklist sink not configured")
	}
	if esc.Severity < types.EscalationSeverityThreshold {
		return "", fmt.Errorf("severity %d below blocklist threshold", esc.Severity)
	}

	ip, err := p.deriveIP(ctx, esc)
	if err != nil {
		return "", err
	}

	entry := &types.BlocklistEntry{
		IPAddress:          ip,
		Reason:             esc.Title,
		Severity:           esc.Severity,
		SourceEscalationID: &esc.ID,
		SourceEventID:      esc.SourceEventID,
	}
	if _, err := p.store.UpsertBlocklist(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to upsert blocklist entry: %w", err)
	}
	metrics.BlocklistUpserts.Inc()

	if err := p.blocker.Block(ctx, ip); err != nil {
		return "", fmt.Errorf("failed to update external IP set: %w", err)
	}
	return ip, nil
}

// deriveIP resolves the address to block: the detail payload first, the
// source event as fallback.
func (p *Processor) deriveIP(ctx context.Context, esc *types.Escalation) (string, error) {
	if ip := esc.Detail().SourceIP; ip != "" {
		return ip, nil
	}
	if esc.SourceEventID != nil {
		event, err := p.store.GetEvent(ctx, *esc.SourceEventID)
		if err != nil {
			return "", fmt.Errorf("failed to load source event: %w", err)
		}
		if event.SourceIP != "" {
			return event.SourceIP, nil
		}
	}
	return "", fmt.Errorf("escalation %d: %w", esc.ID, errNoBlockTarget)
}
