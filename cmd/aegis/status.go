package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and pending escalations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan("=== Aegis Status ==="))

		fmt.Printf("%s\n", yellow("Queues:"))
		for _, queue := range []types.Queue{types.QueueSingle, types.QueueGroup} {
			stats, err := store.GetQueueStats(ctx, queue)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read %s queue stats: %v\n", queue, err)
				os.Exit(1)
			}
			fmt.Printf("  %-7s pending=%d queued=%d running=%d completed=%d failed=%d on_hold=%d\n",
				queue, stats.Pending, stats.Queued, stats.Running,
				stats.Completed, stats.Failed, stats.OnHold)
		}

		fmt.Printf("\n%s\n", yellow("Pending escalations:"))
		for _, sink := range types.Sinks {
			pending, err := store.ListPendingEscalations(ctx, sink, 1000)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list pending %s escalations: %v\n", sink, err)
				os.Exit(1)
			}
			fmt.Printf("  %-12s %d\n", sink, len(pending))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
