package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-orchestrator/internal/config"
	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
)

var (
	initRunDir      string
	initQuery       string
	initMode        string
	initSensitivity string
	initConfigPath  string
	initVerbose     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new run directory",
	Long: `Create a run directory with its manifest, gate ledger, and audit log.
The effective limits are frozen into the manifest, so later ticks behave the
same regardless of how the environment changes.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initRunDir, "run", "", "Run directory to create (required)")
	initCmd.Flags().StringVar(&initQuery, "query", "", "Research query (required)")
	initCmd.Flags().StringVar(&initMode, "mode", "", "Delegation mode: fixture, live, or task")
	initCmd.Flags().StringVar(&initSensitivity, "sensitivity", "", "Sensitivity tag for the run")
	initCmd.Flags().StringVar(&initConfigPath, "config", "", "Path to JSON config file")
	initCmd.Flags().BoolVarP(&initVerbose, "verbose", "v", false, "Show detailed progress")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadConfig(initConfigPath)
	if err != nil {
		return err
	}

	// Flags win over the config file; the file fills everything the flags
	// left unset.
	flagCfg := config.Config{}
	if cmd.Flags().Changed("mode") {
		flagCfg.Mode = initMode
	}
	if cmd.Flags().Changed("sensitivity") {
		flagCfg.Sensitivity = initSensitivity
	}
	cfg := flagCfg.Merge(*fileCfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode == "" {
		cfg.Mode = string(manifest.ModeTask)
	}

	if initRunDir == "" {
		return fmt.Errorf("--run is required")
	}
	if initQuery == "" {
		return fmt.Errorf("--query is required")
	}

	o := orchestrator.New(initRunDir, orchestrator.WithVerbose(initVerbose || fileCfg.Verbose))
	m, err := o.Init(orchestrator.InitParams{
		Query:       initQuery,
		Mode:        manifest.Mode(cfg.Mode),
		Sensitivity: cfg.Sensitivity,
		Limits:      cfg.Limits(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created run %s in %s\n", m.RunID, initRunDir)
	fmt.Printf("Mode: %s  Stage: %s\n", m.Mode, m.Stage.Current)
	fmt.Println("Next: research_orchestrator tick --run " + initRunDir)
	return nil
}
