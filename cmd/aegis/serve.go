package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/agent"
	"github.com/stratasec/aegis/internal/escalate"
	"github.com/stratasec/aegis/internal/grouper"
	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/metrics"
	"github.com/stratasec/aegis/internal/sinks"
	"github.com/stratasec/aegis/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis pipeline",
	Long: `Start the full pipeline: the worker pools for the single and group
queues, the grouper, the campaign monitor, and the escalation processor.
Runs until interrupted; in-flight jobs are drained on shutdown.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := log.WithComponent("serve")
		mustStore(ctx)

		invoker, err := agent.NewLambdaInvoker(ctx, cfg.Agents.Region)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create agent invoker: %v\n", err)
			os.Exit(1)
		}
		agents := agent.New(invoker, cfg.Agents)

		notifier, ticketer, blocker := buildSinks(ctx)

		pool := worker.NewPool(store, agents, cfg.Queues)
		group := grouper.New(store, grouper.Config{
			Interval:    cfg.Grouper.Interval,
			AutoEnqueue: cfg.Grouper.AutoEnqueue,
			MaxAttempts: cfg.Queues.MaxAttempts,
		})
		monitor := worker.NewMonitor(store, agents, worker.MonitorConfig{
			Window:    cfg.Agents.MonitorWindow,
			MinEvents: cfg.Agents.MonitorMinEvents,
		})
		processor := escalate.New(store, notifier, ticketer, blocker, escalate.Config{
			Interval:   cfg.Escalations.Interval,
			BatchLimit: cfg.Escalations.BatchLimit,
		})

		if addr := cfg.Metrics.ListenAddr; addr != "" {
			go func() {
				if err := metrics.Serve(addr); err != nil {
					logger.Error().Err(err).Str("addr", addr).Msg("metrics listener exited")
				}
			}()
			logger.Info().Str("addr", addr).Msg("metrics listener started")
		}

		pool.Start(ctx)
		group.Start(ctx)
		monitor.Start(ctx)
		processor.Start(ctx)
		logger.Info().
			Int("single_workers", cfg.Queues.SingleWorkers).
			Int("group_workers", cfg.Queues.GroupWorkers).
			Msg("pipeline started")

		<-ctx.Done()
		logger.Info().Msg("shutting down, draining in-flight jobs")

		pool.Stop()
		group.Stop()
		monitor.Stop()
		processor.Stop()
		logger.Info().Msg("pipeline stopped")
	},
}

// buildSinks constructs the configured escalation sinks. Unconfigured sinks
// come back nil and their escalations stay pending.
func buildSinks(ctx context.Context) (sinks.Notifier, sinks.Ticketer, sinks.Blocker) {
	var notifier sinks.Notifier
	var ticketer sinks.Ticketer
	var blocker sinks.Blocker

	logger := log.WithComponent("serve")

	if cfg.Notify.CriticalTopicARN != "" || cfg.Notify.MonitoringTopicARN != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.Agents.Region)
		if err != nil {
			logger.Error().Err(err).Msg("notification sink disabled: AWS config load failed")
		} else {
			notifier = sinks.NewSNSNotifier(sns.NewFromConfig(awsCfg), cfg.Notify)
		}
	}

	if cfg.Ticket.BaseURL != "" {
		ticketer = sinks.NewTicketClient(cfg.Ticket)
	}

	if cfg.Blocklist.IPSetID != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.Blocklist.Region)
		if err != nil {
			logger.Error().Err(err).Msg("blocklist sink disabled: AWS config load failed")
		} else {
			blocker = sinks.NewIPSetBlocker(wafv2.NewFromConfig(awsCfg), cfg.Blocklist)
		}
	}

	return notifier, ticketer, blocker
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
