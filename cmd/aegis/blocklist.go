package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var blocklistCmd = &cobra.Command{
	Use:   "blocklist",
	Short: "Inspect and manage blocked addresses",
}

var blocklistShowCmd = &cobra.Command{
	Use:   "show <ip>",
	Short: "Show a blocklist entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)

		entry, err := store.GetBlocklistEntry(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("IP:          %s\n", entry.IPAddress)
		fmt.Printf("Active:      %v\n", entry.IsActive)
		fmt.Printf("Severity:    %d\n", entry.Severity)
		fmt.Printf("Blocks:      %d\n", entry.BlockCount)
		fmt.Printf("Reason:      %s\n", entry.Reason)
		fmt.Printf("First seen:  %s\n", entry.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Last seen:   %s\n", entry.LastSeenAt.Format("2006-01-02 15:04:05"))
	},
}

var blocklistRemoveCmd = &cobra.Command{
	Use:   "remove <ip>",
	Short: "Unblock an address",
	Long: `Deactivate the address's blocklist entry and remove it from the
external IP set. The entry row is kept for history; a later block of the
same address reactivates it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mustStore(ctx)
		ip := args[0]

		if err := store.DeactivateBlocklist(ctx, ip); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if _, _, blocker := buildSinks(ctx); blocker != nil {
			if err := blocker.Unblock(ctx, ip); err != nil {
				fmt.Fprintf(os.Stderr, "Error: entry deactivated but external IP set update failed: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Unblocked %s\n", ip)
	},
}

func init() {
	blocklistCmd.AddCommand(blocklistShowCmd)
	blocklistCmd.AddCommand(blocklistRemoveCmd)
	rootCmd.AddCommand(blocklistCmd)
}
