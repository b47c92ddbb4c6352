package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-orchestrator/internal/orchestrator"
)

var (
	controlRunDir  string
	controlReason  string
	controlVerbose bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a running run",
	Long: `Mark the run paused and write an operator checkpoint. A paused run is
exempt from stage timeouts and refuses ticks until resumed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := controlOrchestrator()
		if err != nil {
			return err
		}
		m, err := o.Pause(controlReason)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s paused at stage %s\n", m.RunID, m.Stage.Current)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused run",
	Long: `Return a paused run to running. The stage's progress clock restarts so
the pause itself never trips the watchdog.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := controlOrchestrator()
		if err != nil {
			return err
		}
		m, err := o.Resume()
		if err != nil {
			return err
		}
		fmt.Printf("Run %s resumed at stage %s\n", m.RunID, m.Stage.Current)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a run permanently",
	Long:  `Mark the run cancelled. Cancellation is terminal; the run directory stays intact for inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := controlOrchestrator()
		if err != nil {
			return err
		}
		m, err := o.Cancel(controlReason)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s cancelled at stage %s\n", m.RunID, m.Stage.Current)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{pauseCmd, resumeCmd, cancelCmd} {
		c.Flags().StringVar(&controlRunDir, "run", "", "Run directory (required)")
		c.Flags().BoolVarP(&controlVerbose, "verbose", "v", false, "Show detailed progress")
	}
	pauseCmd.Flags().StringVar(&controlReason, "reason", "", "Why the run is being paused")
	cancelCmd.Flags().StringVar(&controlReason, "reason", "", "Why the run is being cancelled")
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd)
}

func controlOrchestrator() (*orchestrator.Orchestrator, error) {
	if controlRunDir == "" {
		return nil, fmt.Errorf("--run is required")
	}
	return orchestrator.New(controlRunDir, orchestrator.WithVerbose(controlVerbose)), nil
}
