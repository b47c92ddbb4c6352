package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-orchestrator/internal/observability"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
	"github.com/jonathan/research-orchestrator/internal/runstore"
)

var (
	statusRunDir   string
	statusManifest string
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a run",
	Long: `Project the run directory into a snapshot: stage, gate statuses, pending
delegated work, retry counts, and recent audit events. Read-only; never takes
the run lock.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunDir, "run", "", "Run directory")
	statusCmd.Flags().StringVar(&statusManifest, "manifest", "", "Manifest file identifying the run (alternative to --run)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runDir := statusRunDir
	if runDir == "" && statusManifest != "" {
		runDir = runstore.LayoutForManifest(statusManifest).Root
	}
	if runDir == "" {
		return fmt.Errorf("--run or --manifest is required")
	}
	o := orchestrator.New(runDir)
	snap, err := o.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	observability.NewPrinter(os.Stdout).PrintSnapshot(snap)
	return nil
}
