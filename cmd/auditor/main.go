package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-tangra/go-tangra-audit/cmd/auditor/assets"
	"github.com/go-tangra/go-tangra-audit/internal/config"
	"github.com/go-tangra/go-tangra-audit/internal/logging"
	"github.com/go-tangra/go-tangra-audit/internal/server"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

var (
	version    = "dev"
	commitHash = "unknown"
	buildDate  = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "auditor",
	Short: "Auditor - resumable read-only audits of remote hosts over SSH",
	Long: `Auditor runs read-only checks against every configured host over SSH and
stores the results in a local SQLite database. Interrupted audits can be
resumed without repeating finished work.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only report API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditor %s (commit: %s, built: %s)\n", version, commitHash, buildDate)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge finished sessions older than the specified number of days",
	RunE:  runPurge,
}

var (
	purgeDays      int
	purgeSnapshots bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/auditor.yaml)")
	rootCmd.PersistentFlags().String("database", "", "SQLite database path (default auditor.db)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	serveCmd.Flags().String("http-listen", "", "HTTP listen address (default :9560)")
	serveCmd.Flags().String("api-secret", "", "secret for REST API clients (empty = no auth)")

	purgeCmd.Flags().IntVar(&purgeDays, "days", 90, "purge sessions finished more than this many days ago")
	purgeCmd.Flags().BoolVar(&purgeSnapshots, "snapshots", false, "also delete snapshots no longer referenced by any result")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config, applies the persistent flag overrides and opens
// the logger and the database.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, *store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	// CLI flag overrides.
	if v, _ := cmd.Flags().GetString("database"); v != "" {
		cfg.DatabasePath = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, log, db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if v, _ := cmd.Flags().GetString("http-listen"); v != "" {
		cfg.HTTPListen = v
	}
	if v, _ := cmd.Flags().GetString("api-secret"); v != "" {
		cfg.ApiSecret = v
	}

	// Shut down on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, cfg, db, assets.OpenApiData, log.WithField("component", "api"))
}

func runPurge(cmd *cobra.Command, args []string) error {
	_, _, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Purge(context.Background(), time.Duration(purgeDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	fmt.Printf("Purged %d sessions older than %d days\n", n, purgeDays)

	if purgeSnapshots {
		before, _ := db.SnapshotUsage(context.Background())
		pruned, err := db.PruneSnapshots(context.Background())
		if err != nil {
			return err
		}
		after, _ := db.SnapshotUsage(context.Background())
		fmt.Printf("Pruned %d unreferenced snapshots, freed %s\n",
			pruned, humanize.Bytes(uint64(before.StoredBytes-after.StoredBytes)))
	}
	printSnapshotUsage(db)
	return nil
}
