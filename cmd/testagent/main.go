package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/TestAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "testagent",
	Short: "Schedule test commands onto attached Android devices",
	Long: `testagent queues test commands, allocates matching devices from the local adb pool,
runs setup, tests and teardown on them and stores the results in a local sqlite database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(rootLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootDBPath   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db-path", "", "SQLite database path (default from TESTAGENT_DB_PATH or ~/.testagent/testagent.sqlite)")
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("testagent command failed")
	}
}
