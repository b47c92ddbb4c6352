package prompts

import (
	"strconv"
	"strings"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/types"
)

// Perspectives renders the planning prompt for a query.
func Perspectives(query string, limits manifest.Limits) (string, error) {
	tmpl, err := Get("perspectives")
	if err != nil {
		return "", err
	}
	contract := types.DefaultContract()
	return Format(tmpl, map[string]string{
		"Query":           query,
		"MaxPerspectives": strconv.Itoa(limits.MaxPerspectives),
		"MaxWords":        strconv.Itoa(contract.MaxWords),
		"MaxSources":      strconv.Itoa(contract.MaxSources),
		"ToolCallBudget":  strconv.Itoa(contract.ToolCallBudget),
	}), nil
}

// Wave renders the investigation prompt for one perspective.
func Wave(query string, p types.Perspective) (string, error) {
	tmpl, err := Get("wave")
	if err != nil {
		return "", err
	}
	sections := make([]string, 0, len(p.Contract.RequiredSections))
	for _, s := range p.Contract.RequiredSections {
		sections = append(sections, "- "+s)
	}
	return Format(tmpl, map[string]string{
		"Query":            query,
		"Title":            p.Title,
		"Role":             p.Role,
		"RequiredSections": strings.Join(sections, "\n"),
		"MaxWords":         strconv.Itoa(p.Contract.MaxWords),
		"MaxSources":       strconv.Itoa(p.Contract.MaxSources),
	}), nil
}

// Summary renders the condensation prompt for one wave report.
func Summary(p types.Perspective, report string, maxWords int) (string, error) {
	tmpl, err := Get("summary")
	if err != nil {
		return "", err
	}
	return Format(tmpl, map[string]string{
		"Title":    p.Title,
		"Report":   report,
		"MaxWords": strconv.Itoa(maxWords),
	}), nil
}

// Synthesis renders the synthesis prompt over all summaries.
func Synthesis(query string, summaries []string) (string, error) {
	tmpl, err := Get("synthesis")
	if err != nil {
		return "", err
	}
	return Format(tmpl, map[string]string{
		"Query":     query,
		"Summaries": strings.Join(summaries, "\n\n---\n\n"),
	}), nil
}

// Review renders the pre-release review prompt.
func Review(query, synthesis string) (string, error) {
	tmpl, err := Get("review")
	if err != nil {
		return "", err
	}
	return Format(tmpl, map[string]string{
		"Query":     query,
		"Synthesis": synthesis,
	}), nil
}
