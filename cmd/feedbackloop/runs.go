package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/feedbackloop/feedbackloop/internal/storage/sqlite"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := sqlite.New(dbPath)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
		defer store.Close()

		runs, err := store.ListRuns(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			color.Yellow("no runs recorded")
			return nil
		}

		for _, run := range runs {
			printRunLine(run)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

// printRunLine renders one run summary line, colored by status.
func printRunLine(run *types.PipelineRun) {
	status := string(run.Status)
	switch run.Status {
	case types.StatusCompleted:
		status = color.GreenString(status)
	case types.StatusFailed:
		status = color.RedString(status)
	case types.StatusCancelled:
		status = color.YellowString(status)
	default:
		status = color.CyanString(status)
	}

	line := fmt.Sprintf("%s  %s  %-19s  %d items", run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), status, run.InputCount)
	if run.OutputCount != nil {
		line += fmt.Sprintf(" -> %d insights", *run.OutputCount)
	}
	if run.Status == types.StatusFailed && run.ErrorStage != "" {
		line += fmt.Sprintf("  (failed in %s: %s)", run.ErrorStage, run.ErrorMessage)
	}
	fmt.Println(line)
}
