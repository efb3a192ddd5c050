package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/vulnscan/pkg/app"
	"github.com/cuemby/vulnscan/pkg/config"
	"github.com/cuemby/vulnscan/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vulnscan-scanner",
	Short: "Vulnscan scanner node - consumes scan chunks and runs vulnerability checks",
	Long: `A vulnscan scanner node registers itself with the shared record
store, heartbeats its load, consumes work chunks from the broker, and for
each target fingerprints the service, selects matching vulnerability
cases, and executes them under per-check timeouts.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
			cfg.NodeID = nodeID
		}

		scanner, err := app.NewScanner(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.Logger.Info().Str("version", Version).Msg("scanner node starting")
		return scanner.Run(ctx)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vulnscan scanner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("node-id", "", "Stable scanner node id (generated if empty)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
