package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/config"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/pipeline"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/storage/memory"
	"github.com/feedbackloop/feedbackloop/internal/storage/sqlite"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run <batch.json>",
	Short: "Run the insight pipeline over a feedback batch",
	Long: `Execute a full pipeline run over a JSON file containing an array of
feedback items. Events stream to the terminal as the run progresses;
the final ranked insights print on completion.

Ctrl+C cancels the run at the next safe checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		productID, _ := cmd.Flags().GetString("product")
		companyID, _ := cmd.Flags().GetString("company")
		useMock, _ := cmd.Flags().GetBool("mock")
		noPersist, _ := cmd.Flags().GetBool("no-persist")

		batch, err := loadBatch(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if productID != "" {
			cfg.ProductID = productID
		}
		if companyID != "" {
			cfg.CompanyID = companyID
		}

		var store storage.RunStore
		if noPersist {
			store = memory.New()
		} else {
			store, err = sqlite.New(dbPath)
			if err != nil {
				return fmt.Errorf("opening run store: %w", err)
			}
		}
		defer store.Close()

		capability, err := buildCapability(useMock)
		if err != nil {
			return err
		}

		orch := pipeline.New(store, capability, nil)
		h, err := orch.Start(context.Background(), cfg, batch)
		if err != nil {
			return err
		}

		// Ctrl+C cancels; a second Ctrl+C exits immediately.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "\ncancelling run (next safe checkpoint)...")
			h.Cancel()
			<-sigCh
			os.Exit(130)
		}()

		fmt.Printf("run %s started (%d items)\n", h.RunID, len(batch))
		for ev := range h.Events() {
			printEvent(ev)
		}

		result, err := h.Wait()
		if err != nil {
			return fmt.Errorf("run %s: %w", h.RunID, err)
		}
		printInsights(result)
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML run configuration file")
	runCmd.Flags().String("product", "", "Product ID for the batch")
	runCmd.Flags().String("company", "", "Company ID for the batch")
	runCmd.Flags().Bool("mock", false, "Use the deterministic mock capability instead of the live API")
	runCmd.Flags().Bool("no-persist", false, "Keep the run in memory only")
	rootCmd.AddCommand(runCmd)
}

// loadBatch reads an already-parsed feedback batch from a JSON file.
// Upstream collaborators own CSV and free-text parsing.
func loadBatch(path string) ([]*types.FeedbackItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	var batch []*types.FeedbackItem
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	return batch, nil
}

// memberIDPattern matches the "- <id>: <text>" evidence lines in prompts.
var memberIDPattern = regexp.MustCompile(`(?m)^- (\S+): `)

// buildCapability wires the globally gated capability stack.
func buildCapability(useMock bool) (ai.Capability, error) {
	if useMock {
		mock := ai.NewMock().RespondFunc(func(req ai.Request) (string, error) {
			if req.Operation == "insight_generation" {
				var evidence []string
				for _, m := range memberIDPattern.FindAllStringSubmatch(req.Prompt, -1) {
					evidence = append(evidence, m[1])
				}
				out, _ := json.Marshal(map[string]any{
					"title":                  "Mock insight for " + req.ItemID,
					"summary":                "Generated by the mock capability.",
					"pain_point":             "n/a",
					"severity":               "medium",
					"affected_user_estimate": len(evidence),
					"evidence_item_ids":      evidence,
					"recommended_actions":    []string{"review"},
				})
				return string(out), nil
			}
			return `{"sentiment":{"label":"neutral","score":0,"confidence":0.5},"urgency":"medium","categories":["general"],"extracted_features":[],"keywords":["mock"]}`, nil
		})
		return ai.NewGate(mock, ai.DefaultGateConfig()), nil
	}
	anthropic, err := ai.NewAnthropic(ai.AnthropicConfig{})
	if err != nil {
		return nil, err
	}
	return ai.NewGate(anthropic, ai.DefaultGateConfig()), nil
}

// printInsights renders the final ranked insight list.
func printInsights(result *pipeline.Result) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Printf("\n%s (%d insights)\n\n", bold("Ranked insights"), len(result.Insights))
	for i, insight := range result.Insights {
		fmt.Printf("%2d. [%s] %s (severity: %s)\n", i+1, green(fmt.Sprintf("%5.1f", insight.Score)), insight.Title, insight.Severity)
		fmt.Printf("    %s\n", insight.Summary)
		fmt.Printf("    evidence: %d items | volume %.0f, value %.0f, recency %.0f, strategic %.0f, urgency %.0f\n",
			len(insight.EvidenceItemIDs), insight.Breakdown.Volume, insight.Breakdown.Value,
			insight.Breakdown.Recency, insight.Breakdown.Strategic, insight.Breakdown.Urgency)
	}
}

// printEvent renders one event line, colored by severity.
func printEvent(ev *events.PipelineEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	label := string(ev.Type)
	if ev.Stage != "" {
		label = fmt.Sprintf("%s/%s", ev.Stage, ev.Type)
	}

	line := fmt.Sprintf("[%s] #%-4d %-35s %s", ts, ev.SequenceNumber, label, ev.Message)
	if ev.Type == events.EventTypeStageProgress {
		if data, err := ev.StageProgress(); err == nil {
			line = fmt.Sprintf("[%s] #%-4d %-35s %3.0f%% (%d/%d)", ts, ev.SequenceNumber, label,
				data.Progress*100, data.ItemsDone, data.ItemsTotal)
		}
	}

	switch ev.Severity {
	case events.SeverityError:
		color.Red(line)
	case events.SeverityWarning:
		color.Yellow(line)
	default:
		fmt.Println(line)
	}
}
