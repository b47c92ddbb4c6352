package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
)

var (
	resultRunDir   string
	resultStage    string
	resultUnit     string
	resultFile     string
	resultProducer string
	resultVerbose  bool
)

var agentResultCmd = &cobra.Command{
	Use:   "agent-result",
	Short: "Deliver delegated work into a halted run",
	Long: `Validate and store one unit of externally produced content. The run must
have halted at the unit's stage with a prompt on record. Content that fails
validation is rejected and counts against the unit's retry budget.

Reads from --file, or from stdin when --file is omitted.`,
	RunE: runAgentResult,
}

func init() {
	agentResultCmd.Flags().StringVar(&resultRunDir, "run", "", "Run directory (required)")
	agentResultCmd.Flags().StringVar(&resultStage, "stage", "", "Stage the unit belongs to (required)")
	agentResultCmd.Flags().StringVar(&resultUnit, "unit", "", "Unit identifier (required)")
	agentResultCmd.Flags().StringVar(&resultFile, "file", "", "File holding the produced content (default stdin)")
	agentResultCmd.Flags().StringVar(&resultProducer, "producer", "", "Identifier of the producing run or agent")
	agentResultCmd.Flags().BoolVarP(&resultVerbose, "verbose", "v", false, "Show detailed progress")
	rootCmd.AddCommand(agentResultCmd)
}

func runAgentResult(cmd *cobra.Command, args []string) error {
	if resultRunDir == "" {
		return fmt.Errorf("--run is required")
	}
	if resultStage == "" || resultUnit == "" {
		return fmt.Errorf("--stage and --unit are required")
	}
	stage, err := manifest.ParseStage(resultStage)
	if err != nil {
		return err
	}

	var content []byte
	if resultFile != "" {
		content, err = os.ReadFile(resultFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", resultFile, err)
		}
	} else {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	o := orchestrator.New(resultRunDir, orchestrator.WithVerbose(resultVerbose))
	m, err := o.Ingest(orchestrator.IngestParams{
		Stage:         stage,
		UnitID:        resultUnit,
		Content:       content,
		ProducerRunID: resultProducer,
	})
	if err != nil {
		ee := manifest.AsEngineError(err)
		if ee != nil && (ee.Code == manifest.CodeRetryRequired || ee.Code == manifest.CodeRetryCapExhausted) {
			fmt.Fprintln(os.Stderr, "Content rejected:")
			fmt.Fprintln(os.Stderr, "  "+ee.Message)
		}
		return err
	}

	fmt.Printf("Accepted %s/%s (revision %d)\n", stage, resultUnit, m.Revision)
	fmt.Println("Next: research_orchestrator tick --run " + resultRunDir)
	return nil
}
