package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/types"
)

var (
	tickRunDir     string
	tickConfigPath string
	tickUntilHalt  bool
	tickVerbose    bool
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance the run by one unit of progress",
	Long: `Perform one tick: take the run lock, check for stage timeouts, do the
current stage's work, and advance if the stage's gate passes. Safe to re-run
at any time; a tick after a crash resumes from the run directory.`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().StringVar(&tickRunDir, "run", "", "Run directory (required)")
	tickCmd.Flags().StringVar(&tickConfigPath, "config", "", "Path to JSON config file")
	tickCmd.Flags().BoolVar(&tickUntilHalt, "until-halt", false, "Keep ticking until the run halts, completes, or fails")
	tickCmd.Flags().BoolVarP(&tickVerbose, "verbose", "v", false, "Show detailed progress")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(tickConfigPath)
	if err != nil {
		return err
	}
	o, cleanup, err := buildOrchestrator(cmd.Context(), tickRunDir, cfg, tickVerbose)
	if err != nil {
		return err
	}
	defer cleanup()

	for {
		m, err := o.Tick(cmd.Context())
		if err != nil {
			return reportTickStop(err)
		}
		fmt.Printf("Run %s at stage %s (status %s, revision %d)\n",
			m.RunID, m.Stage.Current, m.Status, m.Revision)
		if m.Status != manifest.StatusRunning {
			fmt.Printf("Run finished: %s\n", m.Status)
			return nil
		}
		if !tickUntilHalt {
			return nil
		}
	}
}

// reportTickStop turns expected halt conditions into operator guidance instead
// of a bare error.
func reportTickStop(err error) error {
	ee := manifest.AsEngineError(err)
	if ee == nil {
		return err
	}
	switch ee.Code {
	case manifest.CodeRunAgentRequired:
		fmt.Println("Run halted: delegated work is pending.")
		fmt.Println(ee.Message)
		if raw, ok := ee.Details["missing_units"]; ok {
			printMissingUnits(raw)
		}
		fmt.Println("\nDeliver each output with: research_orchestrator agent-result --run <dir> --stage <stage> --unit <id> --file <output>")
		return nil
	case manifest.CodeRetryRequired:
		fmt.Println("Delegated content was rejected; a retry is required.")
		fmt.Println(ee.Message)
		return nil
	default:
		return err
	}
}

func printMissingUnits(raw any) {
	// Details travel as typed values in-process and as generic JSON after a
	// round trip through the audit log.
	switch units := raw.(type) {
	case []types.MissingUnit:
		for _, u := range units {
			fmt.Printf("  • %s/%s  prompt: %s\n", u.Stage, u.UnitID, u.PromptPath)
		}
	default:
		data, err := json.MarshalIndent(raw, "  ", "  ")
		if err == nil {
			fmt.Println("  " + string(data))
		}
	}
}
