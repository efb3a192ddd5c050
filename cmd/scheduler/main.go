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
	"github.com/cuemby/vulnscan/pkg/task"
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
	Use:   "vulnscan-scheduler",
	Short: "Vulnscan scheduler - accepts scan tasks and dispatches them across scanner nodes",
	Long: `The vulnscan scheduler accepts scan tasks over HTTP, expands their
targets into work chunks, dispatches the chunks to scanner nodes through
the work broker, and aggregates progress and findings back into task
records.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		scheduler, err := app.NewScheduler(cfg)
		if err != nil {
			return err
		}

		if tasksFile, _ := cmd.Flags().GetString("tasks-file"); tasksFile != "" {
			manifest, err := task.LoadManifest(tasksFile)
			if err != nil {
				return err
			}
			created, err := scheduler.Tasks.ApplyManifest(manifest)
			if err != nil {
				return err
			}
			log.Logger.Info().Int("tasks", len(created)).Str("file", tasksFile).Msg("task manifest applied")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.Logger.Info().Str("version", Version).Str("addr", cfg.ListenAddr()).Msg("scheduler starting")
		return scheduler.Run(ctx)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vulnscan scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("tasks-file", "", "YAML task manifest to apply at startup")

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
