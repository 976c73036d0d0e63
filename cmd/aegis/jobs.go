package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/types"
)

var (
	jobsQueue  string
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage analysis job queues",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in a queue",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)
		queue := parseQueue(jobsQueue)

		filter := types.JobFilter{Limit: jobsLimit}
		if jobsStatus != "" {
			status := types.JobStatus(jobsStatus)
			filter.Status = &status
		}

		jobs, err := store.ListJobs(ctx, queue, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return
		}

		for _, job := range jobs {
			statusStr := colorizeJobStatus(job.Status)
			fmt.Printf("  %6d  %-22s target=%-6d attempts=%d/%d  %s",
				job.ID, statusStr, job.TargetID, job.Attempts, job.MaxAttempts,
				job.CreatedAt.Format("2006-01-02 15:04:05"))
			if job.LastError != "" {
				fmt.Printf("  (%s)", job.LastError)
			}
			fmt.Println()
		}
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started running",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobOp(args[0], "cancelled", func(ctx context.Context, queue types.Queue, id int64) error {
			return store.CancelJob(ctx, queue, id)
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobOp(args[0], "queued for retry", func(ctx context.Context, queue types.Queue, id int64) error {
			return store.RetryJob(ctx, queue, id)
		})
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Put all pending jobs in a queue on hold",
	Run: func(cmd *cobra.Command, args []string) {
		queueOp("paused", func(ctx context.Context, queue types.Queue) (int, error) {
			return store.PauseJobs(ctx, queue)
		})
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Release held jobs back to pending",
	Run: func(cmd *cobra.Command, args []string) {
		queueOp("resumed", func(ctx context.Context, queue types.Queue) (int, error) {
			return store.ResumeJobs(ctx, queue)
		})
	},
}

var jobsResetStuckCmd = &cobra.Command{
	Use:   "reset-stuck",
	Short: "Fail jobs stuck in queued or running",
	Long: `Mark jobs that have sat in running or queued beyond the stuck
threshold as failed. Use "jobs retry" afterwards to requeue any of them.`,
	Run: func(cmd *cobra.Command, args []string) {
		queueOp("reset", func(ctx context.Context, queue types.Queue) (int, error) {
			return store.ResetStuckJobs(ctx, queue, cfg.Queues.StuckThreshold)
		})
	},
}

func parseQueue(name string) types.Queue {
	queue := types.Queue(name)
	if !queue.IsValid() {
		fmt.Fprintf(os.Stderr, "Error: invalid queue %q (use single or group)\n", name)
		os.Exit(1)
	}
	return queue
}

func jobOp(arg, verb string, op func(context.Context, types.Queue, int64) error) {
	ctx := context.Background()
	mustStore(ctx)
	queue := parseQueue(jobsQueue)

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid job id %q\n", arg)
		os.Exit(1)
	}
	if err := op(ctx, queue, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s job %d %s\n", queue, id, verb)
}

func queueOp(verb string, op func(context.Context, types.Queue) (int, error)) {
	ctx := context.Background()
	mustStore(ctx)
	queue := parseQueue(jobsQueue)

	n, err := op(ctx, queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d %s job(s) %s\n", n, queue, verb)
}

func colorizeJobStatus(status types.JobStatus) string {
	switch status {
	case types.JobRunning:
		return color.GreenString(string(status))
	case types.JobFailed:
		return color.RedString(string(status))
	case types.JobCompleted:
		return color.CyanString(string(status))
	case types.JobOnHold:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&jobsQueue, "queue", "q", "single", "queue (single or group)")
	jobsListCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by status")
	jobsListCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsResetStuckCmd)
	rootCmd.AddCommand(jobsCmd)
}
