package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/storage/sqlite"
)

var tailCmd = &cobra.Command{
	Use:   "tail <run-id>",
	Short: "Replay a run's event stream",
	Long: `Replay the persisted event sequence of a pipeline run, in order.

With --follow, keeps polling the store for new events until the run
reaches a terminal event (Ctrl+C to stop earlier). With --sse, prints
each event in Server-Sent Events wire format instead of the human
display.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		sse, _ := cmd.Flags().GetBool("sse")
		runID := args[0]

		store, err := sqlite.New(dbPath)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		if _, err := store.GetRun(ctx, runID); err != nil {
			if errors.Is(err, storage.ErrRunNotFound) {
				return fmt.Errorf("run %s not found", runID)
			}
			return err
		}

		if follow {
			return tailFollow(ctx, store, runID, sse)
		}
		return tailOnce(ctx, store, runID, sse)
	},
}

func init() {
	tailCmd.Flags().BoolP("follow", "f", false, "Poll for new events until the run terminates (Ctrl+C to stop)")
	tailCmd.Flags().Bool("sse", false, "Print events in Server-Sent Events wire format")
	rootCmd.AddCommand(tailCmd)
}

// tailOnce replays the persisted events and exits.
func tailOnce(ctx context.Context, store storage.RunStore, runID string, sse bool) error {
	evs, err := store.GetEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}
	if len(evs) == 0 {
		color.Yellow("no events recorded for run %s", runID)
		return nil
	}
	for _, ev := range evs {
		if err := displayEvent(ev, sse); err != nil {
			return err
		}
	}
	return nil
}

// tailFollow replays persisted events, then polls for new ones until a
// terminal event arrives or the user interrupts.
func tailFollow(ctx context.Context, store storage.RunStore, runID string, sse bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	evs, err := store.GetEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}
	var lastSeq uint64
	for _, ev := range evs {
		if err := displayEvent(ev, sse); err != nil {
			return err
		}
		lastSeq = ev.SequenceNumber
		if isTerminalEvent(ev) {
			return nil
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nstopped following")
			return nil
		case <-ticker.C:
			newEvents, err := store.GetEventsAfter(ctx, runID, lastSeq)
			if err != nil {
				fmt.Fprintf(os.Stderr, "fetching new events: %v\n", err)
				continue
			}
			for _, ev := range newEvents {
				if err := displayEvent(ev, sse); err != nil {
					return err
				}
				lastSeq = ev.SequenceNumber
				if isTerminalEvent(ev) {
					return nil
				}
			}
		}
	}
}

// isTerminalEvent reports whether an event ends the run's stream.
func isTerminalEvent(ev *events.PipelineEvent) bool {
	return ev.Type == events.EventTypePipelineComplete || ev.Type == events.EventTypePipelineFailed
}

// displayEvent prints one event in the selected format.
func displayEvent(ev *events.PipelineEvent, sse bool) error {
	if sse {
		return events.EncodeSSE(os.Stdout, ev)
	}
	printEvent(ev)
	return nil
}
