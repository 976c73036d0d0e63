// Package worker runs the analysis workers: per-queue loops that lease jobs,
// invoke the agents, and write verdicts back, plus the campaign monitor.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratasec/aegis/internal/agent"
	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/types"
)

// Analyzer is the slice of the agent client the workers need. Tests fake it.
type Analyzer interface {
	AnalyzeEvent(ctx context.Context, event *types.Event) (*types.Verdict, agent.Exchange, error)
	AnalyzeGroup(ctx context.Context, group *types.Group, events []*types.Event) (*types.Verdict, agent.Exchange, error)
}

// Pool runs N single-queue workers and M group-queue workers. Concurrency
// caps are enforced by the store's lease, not by worker count, so a pool can
// safely run more workers than the cap.
type Pool struct {
	store      storage.Store
	agents     Analyzer
	cfg        config.QueueConfig
	instanceID string
	logger     zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(store storage.Store, agents Analyzer, cfg config.QueueConfig) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	instanceID := uuid.New().String()[:8]
	return &Pool{
		store:      store,
		agents:     agents,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     log.WithComponent("worker").With().Str("instance", instanceID).Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.SingleWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, types.QueueSingle, p.cfg.SingleCap)
	}
	for i := 0; i < p.cfg.GroupWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, types.QueueGroup, p.cfg.GroupCap)
	}
	p.logger.Info().
		Int("single_workers", p.cfg.SingleWorkers).
		Int("group_workers", p.cfg.GroupWorkers).
		Msg("worker pool started")
}

// Stop signals the workers and waits for in-flight jobs to finish, up to the
// drain timeout.
func (p *Pool) Stop() {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
	case <-time.After(p.drainBudget()):
		p.logger.Warn().Msg("worker pool drain timed out; in-flight jobs will be reset as stuck")
	}
}

func (p *Pool) drainBudget() time.Duration {
	if p.cfg.DrainTimeout > 0 {
		return p.cfg.DrainTimeout
	}
	return 10 * time.Minute
}

// run is one worker loop. The stop signal is honored between jobs: an
// in-flight job always completes its write-back.
func (p *Pool) run(ctx context.Context, queue types.Queue, cap int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.LeaseNextJob(ctx, queue, cap)
		if err != nil {
			p.logger.Error().Err(err).Str("queue", string(queue)).Msg("lease failed")
			p.sleep()
			continue
		}
		if job == nil {
			p.sleep()
			continue
		}

		metrics.JobsLeased.WithLabelValues(string(queue)).Inc()
		p.execute(ctx, job)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.cfg.PollInterval):
	case <-p.stopCh:
	}
}

// execute runs one leased job through its attempt: mark running, analyze,
// write the verdict back, finalize. Agent failures are recoverable while the
// attempt budget lasts; the target is never left with a partial verdict.
//
// The attempt runs detached from the caller's context: cancellation there
// means shutdown, and a leased job must still reach its write-back or it is
// stranded in running until the stuck reset. The drain budget bounds the
// attempt instead.
func (p *Pool) execute(ctx context.Context, job *types.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainBudget())
	defer cancel()

	logger := p.logger.With().
		Str("queue", string(job.Queue)).
		Int64("job_id", job.ID).
		Int64("target_id", job.TargetID).
		Logger()

	if err := p.store.MarkJobRunning(ctx, job.Queue, job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}
	attempt := job.Attempts + 1
	logger.Info().Int("attempt", attempt).Int("max_attempts", job.MaxAttempts).Msg("job started")

	var result *types.JobResult
	var err error
	switch job.Queue {
	case types.QueueSingle:
		result, err = p.analyzeSingle(ctx, job)
	case types.QueueGroup:
		result, err = p.analyzeGroup(ctx, job)
	}

	if err != nil {
		if attempt < job.MaxAttempts {
			logger.Warn().Err(err).Msg("job attempt failed; returning to pending")
			if rerr := p.store.MarkJobRecoverable(ctx, job.Queue, job.ID, err.Error()); rerr != nil {
				logger.Error().Err(rerr).Msg("failed to requeue job")
			}
			metrics.JobsCompleted.WithLabelValues(string(job.Queue), "recoverable").Inc()
			return
		}
		logger.Error().Err(err).Msg("job failed terminally")
		if ferr := p.store.MarkJobFailed(ctx, job.Queue, job.ID, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to finalize job")
		}
		metrics.JobsCompleted.WithLabelValues(string(job.Queue), "failed").Inc()
		return
	}

	if err := p.store.MarkJobCompleted(ctx, job.Queue, job.ID, *result); err != nil {
		logger.Error().Err(err).Msg("failed to mark job completed")
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Queue), "completed").Inc()
	logger.Info().Int("severity", result.Severity).Msg("job completed")
}

// raiseEscalation creates an escalation for a high-severity verdict. A
// failure here is logged but does not fail the job: the verdict is already
// durable and an operator can re-enqueue analysis.
func (p *Pool) raiseEscalation(ctx context.Context, esc *types.Escalation) {
	if err := p.store.CreateEscalation(ctx, esc); err != nil {
		p.logger.Error().Err(err).Str("title", esc.Title).Msg("failed to create escalation")
		return
	}
	metrics.EscalationsCreated.WithLabelValues(string(esc.SourceType)).Inc()
	p.logger.Info().
		Int64("escalation_id", esc.ID).
		Int("severity", esc.Severity).
		Str("source_type", string(esc.SourceType)).
		Msg("escalation raised")
}
