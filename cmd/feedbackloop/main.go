package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "feedbackloop",
	Short: "Turn raw customer feedback into ranked, evidence-linked insights",
	Long: `feedbackloop ingests batches of customer feedback and runs them through
an AI-assisted pipeline: enrichment, clustering, insight generation and
scoring. Every run emits an ordered, replayable event stream.`,
}

var (
	dbPath   string
	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", ".feedbackloop/runs.db", "Path to the run store database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// setupLogging configures the default slog logger from the --log-level flag.
func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	cobra.OnInitialize(setupLogging)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
