package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratasec/aegis/internal/config"
	"github.com/stratasec/aegis/internal/log"
	"github.com/stratasec/aegis/internal/storage"
	"github.com/stratasec/aegis/internal/storage/postgres"
)

var (
	cfgPath string
	cfg     *config.Config
	store   storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "WAF security event analysis and escalation",
	Long: `Aegis ingests WAF security events, groups them by source IP and time
bucket, runs AI analysis over single events and groups, and fans
high-severity findings out to notification, ticket, and blocklist sinks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "aegis.yaml", "path to config file")
}

// mustStore opens the database and sets the global store. Commands that talk
// to the database call this first.
func mustStore(ctx context.Context) {
	pcfg := postgres.DefaultConfig()
	if cfg.Database.URL != "" {
		pcfg.URL = cfg.Database.URL
	}
	if cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pcfg.MinConns = cfg.Database.MinConns
	}
	if cfg.Database.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	}

	s, err := postgres.New(ctx, pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	store = s
}

func main() {
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
