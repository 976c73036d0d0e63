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
	escSink       string
	escLimit      int
	escExternalID string
)

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Inspect and manage escalation fan-out",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	Long: `List escalations, newest first. With --sink, only escalations where
that sink has not completed are shown.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		filter := types.EscalationFilter{Limit: escLimit}
		if escSink != "" {
			sink := parseSink(escSink)
			filter.Sink = &sink
		}

		escalations, err := store.ListEscalations(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(escalations) == 0 {
			fmt.Println("No escalations")
			return
		}

		for _, esc := range escalations {
			fmt.Printf("  %6d  sev=%d  %-10s %s\n", esc.ID, esc.Severity, esc.SourceType, esc.Title)
			for _, sink := range types.Sinks {
				fmt.Printf("          %s\n", sinkLine(sink, esc.SinkStateFor(sink)))
			}
		}
	},
}

var escalationsRetryCmd = &cobra.Command{
	Use:   "retry <escalation-id> <sink>",
	Short: "Clear a sink's state so the next sweep re-delivers it",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		id := parseEscalationID(args[0])
		sink := parseSink(args[1])
		if err := store.RetrySink(ctx, id, sink); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Escalation %d %s sink reset; it will be re-delivered on the next sweep\n", id, sink)
	},
}

var escalationsCompleteCmd = &cobra.Command{
	Use:   "complete <escalation-id> <sink>",
	Short: "Mark a sink complete without delivering",
	Long: `Mark a sink as completed manually, e.g. after handling the
escalation out of band. An external reference can be recorded with
--external-id.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		id := parseEscalationID(args[0])
		sink := parseSink(args[1])
		if err := store.CompleteSink(ctx, id, sink, escExternalID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Escalation %d %s sink marked complete\n", id, sink)
	},
}

func parseEscalationID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid escalation id %q\n", arg)
		os.Exit(1)
	}
	return id
}

func parseSink(name string) types.Sink {
	sink := types.Sink(name)
	if !sink.IsValid() {
		fmt.Fprintf(os.Stderr, "Error: invalid sink %q (use notification, ticket, or blocklist)\n", name)
		os.Exit(1)
	}
	return sink
}

func sinkLine(sink types.Sink, state types.SinkState) string {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	switch {
	case state.Completed && state.ExternalID != "":
		return fmt.Sprintf("%s %-12s %s", green("●"), sink, state.ExternalID)
	case state.Completed:
		return fmt.Sprintf("%s %-12s done", green("●"), sink)
	case state.LastError != "":
		return fmt.Sprintf("%s %-12s %s", red("✗"), sink, state.LastError)
	default:
		return fmt.Sprintf("%s %-12s pending", gray("○"), sink)
	}
}

func init() {
	escalationsListCmd.Flags().StringVarP(&escSink, "sink", "s", "", "only escalations with this sink incomplete")
	escalationsListCmd.Flags().IntVarP(&escLimit, "limit", "n", 20, "max escalations to list")
	escalationsCompleteCmd.Flags().StringVar(&escExternalID, "external-id", "", "external reference to record")

	escalationsCmd.AddCommand(escalationsListCmd)
	escalationsCmd.AddCommand(escalationsRetryCmd)
	escalationsCmd.AddCommand(escalationsCompleteCmd)
	rootCmd.AddCommand(escalationsCmd)
}
