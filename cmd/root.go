package main

import (
	"github.com/spf13/cobra"

	"github.com/MimeLyc/course-importer/internal/config"
	"github.com/MimeLyc/course-importer/pkg/log"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "courseimport",
	Short: "Bulk course video importer",
	Long: `courseimport moves batches of course videos into the catalog.

The server side keeps import jobs in SQLite and advances them in bounded
ticks. The client side keeps a local queue of imports, uploads files to the
server and polls each job until it finishes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewFromEnv()
		if err != nil {
			return err
		}
		level := cfg.System.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		log.InitLogger(log.ParseLevel(level))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}
