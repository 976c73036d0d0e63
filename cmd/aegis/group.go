package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/grouper"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage event grouping",
}

var groupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one grouping pass now",
	Long: `Scan open, ungrouped events, link them into (source IP, minute
bucket) groups, and queue grouped analysis for newly created groups.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		g := grouper.New(store, grouper.Config{
			AutoEnqueue: cfg.Grouper.AutoEnqueue,
			MaxAttempts: cfg.Queues.MaxAttempts,
		})
		stats := g.RunOnce(ctx)

		fmt.Printf("Groups created: %d\n", stats.GroupsCreated)
		fmt.Printf("Events linked:  %d\n", stats.EventsLinked)
		fmt.Printf("Jobs queued:    %d\n", stats.JobsCreated)
	},
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group-id>",
	Short: "Show a group and its member events",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid group id %q\n", args[0])
			os.Exit(1)
		}

		group, err := store.GetGroup(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== Group %d ===", group.ID)))
		fmt.Printf("Source IP:  %s\n", group.SourceIP)
		fmt.Printf("Bucket:     %s\n", group.TimeBucket)
		fmt.Printf("Status:     %s\n", group.Status)
		fmt.Printf("Members:    %d\n", group.MemberCount)
		if group.Severity != nil {
			fmt.Printf("Severity:   %d\n", *group.Severity)
		}
		if group.AttackType != "" {
			fmt.Printf("Attack:     %s\n", group.AttackType)
		}
		if group.AnalysisText != "" {
			fmt.Printf("\n%s\n", group.AnalysisText)
		}

		events, err := store.GetEventsByGroup(ctx, group.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(events) > 0 {
			fmt.Printf("\nEvents:\n")
			for _, e := range events {
				fmt.Printf("  %6d  %s  %s %s (%s)\n",
					e.ID, e.Timestamp.Format("15:04:05"), e.Method, e.URI, e.Action)
			}
		}
		fmt.Println()
	},
}

func init() {
	groupCmd.AddCommand(groupRunCmd)
	groupCmd.AddCommand(groupShowCmd)
	rootCmd.AddCommand(groupCmd)
}
