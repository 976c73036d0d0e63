package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/types"
)

var ingestEnqueue bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest WAF events from a JSON file or stdin",
	Long: `Read one event object or an array of event objects and store them.
Ingestion is idempotent on request_id: re-submitting an event is a no-op.
Newly stored events get a single-analysis job unless --no-enqueue is set.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		var reader io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			reader = f
		}

		events, err := decodeEvents(reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		stored, duplicates := 0, 0
		for _, event := range events {
			created, err := store.CreateEvent(ctx, event)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to store event %s: %v\n", event.RequestID, err)
				os.Exit(1)
			}
			if !created {
				duplicates++
				fmt.Printf("  %s %s (already ingested)\n", gray("○"), event.RequestID)
				continue
			}
			stored++

			entry := &types.TimelineEntry{
				EventID:   event.ID,
				Type:      types.TimelineIngested,
				ActorKind: types.ActorSystem,
				Actor:     "ingest",
				Title:     fmt.Sprintf("Event ingested from %s", event.SourceIP),
			}
			if err := store.AppendTimeline(ctx, entry); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to record timeline for event %d: %v\n", event.ID, err)
			}

			if ingestEnqueue {
				target := types.JobTarget{Queue: types.QueueSingle, ID: event.ID}
				if _, _, err := store.EnqueueJob(ctx, target, 0, cfg.Queues.MaxAttempts); err != nil {
					fmt.Fprintf(os.Stderr, "Error: failed to enqueue analysis for event %d: %v\n", event.ID, err)
					os.Exit(1)
				}
			}
			fmt.Printf("  %s %s -> event %d\n", green("●"), event.RequestID, event.ID)
		}

		fmt.Printf("\nStored %d event(s), %d duplicate(s)\n", stored, duplicates)
	},
}

// decodeEvents accepts either a single event object or an array.
func decodeEvents(r io.Reader) ([]*types.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var events []*types.Event
	if err := json.Unmarshal(data, &events); err == nil {
		return events, nil
	}

	var single types.Event
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("input is neither an event object nor an array of events: %w", err)
	}
	return []*types.Event{&single}, nil
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", true, "enqueue a single-analysis job for each new event")
	rootCmd.AddCommand(ingestCmd)
}
