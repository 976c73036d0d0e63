package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/types"
)

var analyzePriority int

var analyzeCmd = &cobra.Command{
	Use:   "analyze <event-id>",
	Short: "Queue an event for single analysis",
	Long: `Enqueue a single-analysis job for the given event. If the event
already has a non-terminal job, the existing job is reported instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		enqueueTarget(types.QueueSingle, args[0])
	},
}

var analyzeGroupCmd = &cobra.Command{
	Use:   "analyze-group <group-id>",
	Short: "Queue a group for grouped analysis",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		enqueueTarget(types.QueueGroup, args[0])
	},
}

func enqueueTarget(queue types.Queue, arg string) {
	ctx := context.Background()
	mustStore(ctx)

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q\n", arg)
		os.Exit(1)
	}

	job, created, err := store.EnqueueJob(ctx, types.JobTarget{Queue: queue, ID: id}, analyzePriority, cfg.Queues.MaxAttempts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to enqueue: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Queued %s job %d for target %d\n", queue, job.ID, id)
	} else {
		fmt.Printf("Target %d already has %s job %d (%s)\n", id, queue, job.ID, job.Status)
	}
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzePriority, "priority", 0, "job priority (higher first)")
	analyzeGroupCmd.Flags().IntVar(&analyzePriority, "priority", 0, "job priority (higher first)")
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(analyzeGroupCmd)
}
