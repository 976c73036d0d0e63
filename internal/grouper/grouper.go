// Package grouper batches open, ungrouped events into analysis groups keyed
// by (source_ip, minute bucket).
package grouper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// Stats summarizes one grouper pass.
type Stats struct {
	GroupsCreated int
	EventsLinked  int
	JobsCreated   int
	IPsProcessed  int
}

// Grouper builds groups from unlinked events on a fixed schedule or on
// demand. A pass never returns an error: per-bucket failures are logged and
// the pass moves on, since the next run re-reads the same snapshot.
type Grouper struct {
	store       storage.Store
	interval    time.Duration
	autoEnqueue bool
	maxAttempts int
	logger      zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config holds grouper settings.
type Config struct {
	Interval    time.Duration
	AutoEnqueue bool
	MaxAttempts int
}

// New creates a grouper.
func New(store storage.Store, cfg Config) *Grouper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = types.DefaultMaxAttempts
	}
	return &Grouper{
		store:       store,
		interval:    cfg.Interval,
		autoEnqueue: cfg.AutoEnqueue,
		maxAttempts: cfg.MaxAttempts,
		logger:      log.WithComponent("grouper"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the periodic grouping loop until Stop is called.
func (g *Grouper) Start(ctx context.Context) {
	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := g.RunOnce(ctx)
				if stats.GroupsCreated > 0 || stats.EventsLinked > 0 {
					g.logger.Info().
						Int("groups_created", stats.GroupsCreated).
						Int("events_linked", stats.EventsLinked).
						Int("jobs_created", stats.JobsCreated).
						Int("ips_processed", stats.IPsProcessed).
						Msg("grouping pass complete")
				}
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (g *Grouper) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

// RunOnce executes one grouping pass over the current snapshot of unlinked
// open events.
func (g *Grouper) RunOnce(ctx context.Context) Stats {
	var stats Stats

	buckets, err := g.store.UnlinkedBucketSnapshot(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to snapshot unlinked events")
		return stats
	}

	seen := make(map[string]bool)
	for _, bucket := range buckets {
		if ctx.Err() != nil {
			return stats
		}
		if !seen[bucket.SourceIP] {
			seen[bucket.SourceIP] = true
			stats.IPsProcessed++
		}
		g.processBucket(ctx, bucket, &stats)
	}
	return stats
}

// processBucket handles one (source_ip, bucket) key: find or create the
// group, link whatever members are still unlinked, and optionally enqueue an
// analysis job for a newly created group. Re-runs over an existing group pick
// up members that arrived after the group was created.
func (g *Grouper) processBucket(ctx context.Context, bucket types.BucketSummary, stats *Stats) {
	logger := g.logger.With().
		Str("source_ip", bucket.SourceIP).
		Str("bucket", bucket.TimeBucket).
		Logger()

	group, created, err := g.store.FindOrCreateGroup(ctx, &types.Group{
		SourceIP:     bucket.SourceIP,
		TimeBucket:   bucket.TimeBucket,
		Country:      bucket.Country,
		FirstEventAt: bucket.MinTime,
		LastEventAt:  bucket.MaxTime,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to find or create group")
		return
	}
	if created {
		stats.GroupsCreated++
		metrics.GroupsCreated.Inc()
	}

	events, err := g.store.UnlinkedEventsInBucket(ctx, bucket.SourceIP, bucket.TimeBucket)
	if err != nil {
		logger.Error().Err(err).Int64("group_id", group.ID).Msg("failed to fetch bucket events")
		return
	}
	if len(events) > 0 {
		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		linked, err := g.store.LinkEventsToGroup(ctx, group.ID, ids)
		if err != nil {
			logger.Error().Err(err).Int64("group_id", group.ID).Msg("failed to link events")
			return
		}
		stats.EventsLinked += linked
		metrics.EventsLinked.Add(float64(linked))
	}

	if g.autoEnqueue && created {
		_, enqueued, err := g.store.EnqueueJob(ctx,
			types.JobTarget{Queue: types.QueueGroup, ID: group.ID}, 0, g.maxAttempts)
		if err != nil {
			logger.Error().Err(err).Int64("group_id", group.ID).Msg("failed to enqueue group job")
			return
		}
		if enqueued {
			stats.JobsCreated++
		}
	}
}
