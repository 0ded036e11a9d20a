package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nlds",
	Short: "NLDS - Near-Line Data Store worker processes",
	Long: `NLDS is a multi-tier archival storage service. Users submit batches
of filesystem paths for ingest; the system copies them to object storage,
aggregates cold data into tar archives on tape, and serves retrievals back
to the filesystem on demand.

Each subcommand runs one worker process consuming its queue on the message
broker. Workers scale horizontally: run as many processes per queue as the
load needs.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		initLogging(cmd)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NLDS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/nlds/server.yaml",
		"Path of the server configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(transferPutCmd)
	rootCmd.AddCommand(transferGetCmd)
	rootCmd.AddCommand(archivePutCmd)
	rootCmd.AddCommand(archiveGetCmd)
	rootCmd.AddCommand(archiveNextCmd)
}

func initLogging(cmd *cobra.Command) {
	level := cfg.Logging.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	logJSON := cfg.Logging.JSON
	if flag, _ := cmd.Flags().GetBool("log-json"); flag {
		logJSON = true
	}
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: logJSON,
	})
}
