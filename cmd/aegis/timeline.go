package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var timelineLimit int

var timelineCmd = &cobra.Command{
	Use:   "timeline <event-id>",
	Short: "Show an event's timeline, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid event id %q\n", args[0])
			os.Exit(1)
		}

		entries, err := store.GetTimeline(ctx, id, timelineLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("No timeline entries")
			return
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, entry := range entries {
			fmt.Printf("  %s  %-14s %s %s\n",
				entry.CreatedAt.Format("2006-01-02 15:04:05"),
				entry.Type,
				entry.Title,
				gray(fmt.Sprintf("[%s:%s]", entry.ActorKind, entry.Actor)))
			if entry.Description != "" {
				fmt.Printf("    %s\n", entry.Description)
			}
		}
	},
}

func init() {
	timelineCmd.Flags().IntVarP(&timelineLimit, "limit", "n", 50, "max entries to show")
	rootCmd.AddCommand(timelineCmd)
}
