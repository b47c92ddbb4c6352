// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxEventsToShow is the number of audit events displayed in status output
	maxEventsToShow = 5
)

// Printer handles formatted output for status and verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintSnapshot outputs a human-readable summary of a run's state.
func (p *Printer) PrintSnapshot(snap *orchestrator.Snapshot) {
	if snap == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", snap.RunID))
	sb.WriteString(fmt.Sprintf("Query:    %s\n", snap.Query))
	sb.WriteString(fmt.Sprintf("Mode:     %s\n", snap.Mode))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", snap.Status))
	sb.WriteString(fmt.Sprintf("Stage:    %s (revision %d)\n", snap.Stage, snap.Revision))
	if snap.ReviewIterations > 0 {
		sb.WriteString(fmt.Sprintf("Reviews:  %d iteration(s) used\n", snap.ReviewIterations))
	}

	sb.WriteString("\nGates:\n")
	for _, id := range manifest.AllGateIDs {
		status, ok := snap.Gates[id]
		if !ok {
			continue
		}
		marker := " "
		switch status {
		case manifest.GatePass:
			marker = "✓"
		case manifest.GateFail:
			marker = "✗"
		}
		sb.WriteString(fmt.Sprintf("  %s %s %s\n", marker, id, status))
	}

	if len(snap.MissingUnits) > 0 {
		sb.WriteString("\nPending delegated work:\n")
		for _, mu := range snap.MissingUnits {
			sb.WriteString(fmt.Sprintf("  • %s/%s\n", mu.Stage, mu.UnitID))
			sb.WriteString(fmt.Sprintf("    prompt: %s\n", mu.PromptPath))
			sb.WriteString(fmt.Sprintf("    output: %s\n", mu.OutputPath))
		}
	}

	if len(snap.RetryCounts) > 0 {
		sb.WriteString("\nRetries:\n")
		for unit, n := range snap.RetryCounts {
			sb.WriteString(fmt.Sprintf("  • %s: %d\n", unit, n))
		}
	}

	p.printBox("RESEARCH RUN", strings.TrimSuffix(sb.String(), "\n"))
	p.printEvents(snap)
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printEvents(snap *orchestrator.Snapshot) {
	if len(snap.RecentEvents) == 0 {
		return
	}
	var sb strings.Builder
	events := snap.RecentEvents
	if len(events) > maxEventsToShow {
		events = events[len(events)-maxEventsToShow:]
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %s", ev.At.Format("15:04:05"), ev.Kind)
		if ev.Stage != "" {
			line += " (" + ev.Stage + ")"
		}
		sb.WriteString(line + "\n")
		if ev.Reason != "" {
			reason := ev.Reason
			if len(reason) > 48 {
				reason = reason[:45] + "..."
			}
			sb.WriteString("  " + reason + "\n")
		}
	}
	p.printBox("RECENT EVENTS", strings.TrimSuffix(sb.String(), "\n"))
}
