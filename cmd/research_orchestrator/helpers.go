package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jonathan/research-orchestrator/internal/agent"
	"github.com/jonathan/research-orchestrator/internal/config"
	"github.com/jonathan/research-orchestrator/internal/db"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
)

// loadConfig merges the config file (when given) with environment values.
func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// buildOrchestrator wires the orchestrator for a run directory. The live
// delegate is attached only when an API key is available; the database
// mirror only when a URL is configured, and a mirror connection failure is
// a warning, never a stop.
func buildOrchestrator(ctx context.Context, runDir string, cfg *config.Config, verbose bool) (*orchestrator.Orchestrator, func(), error) {
	if runDir == "" {
		return nil, nil, fmt.Errorf("--run is required")
	}

	opts := []orchestrator.Option{orchestrator.WithVerbose(verbose || cfg.Verbose)}
	cleanup := func() {}

	if cfg.APIKey != "" {
		delegate, err := agent.NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, orchestrator.WithDelegate(delegate))
		prev := cleanup
		cleanup = func() { _ = delegate.Close(); prev() }
	}

	if cfg.DatabaseURL != "" {
		mirror, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("[WARN] database mirror unavailable, continuing without persistence: %v", err)
		} else {
			opts = append(opts, orchestrator.WithMirror(mirror))
			prev := cleanup
			cleanup = func() { mirror.Close(); prev() }
		}
	}

	return orchestrator.New(runDir, opts...), cleanup, nil
}
