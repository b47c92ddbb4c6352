// Package main provides the research orchestrator CLI: durable,
// crash-resumable multi-perspective research runs driven by explicit ticks.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "research_orchestrator",
	Short: "Durable research run lifecycle engine",
	Long: `research_orchestrator drives a multi-perspective research investigation
through a durable stage pipeline: perspective planning, investigation waves,
citation validation, summarization, synthesis, and review. All state lives in
the run directory; any command can be re-run after a crash.`,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
