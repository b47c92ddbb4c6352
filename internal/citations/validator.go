package citations

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/research-orchestrator/internal/types"
)

var markdownLink = regexp.MustCompile(`\[[^\]]*\]\((https?://[^)\s]+)\)`)
var bareLink = regexp.MustCompile(`(?m)(?:^|\s|<)(https?://[^\s<>)\]]+)`)

// ExtractURLs returns the unique http(s) URLs claimed in a markdown
// document, in first-seen order.
func ExtractURLs(markdown string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, m := range markdownLink.FindAllStringSubmatch(markdown, -1) {
		add(m[1])
	}
	for _, m := range bareLink.FindAllStringSubmatch(markdown, -1) {
		add(m[1])
	}
	return out
}

// Fixtures maps URL to a pre-recorded resolution verdict for offline runs.
type Fixtures map[string]types.CitationStatus

// Validator turns a set of claimed URLs into a citation report.
type Validator struct {
	fetcher     Fetcher
	offline     bool
	fixtures    Fixtures
	concurrency int
	now         func() time.Time
}

// NewValidator builds an online validator over a fetcher.
func NewValidator(fetcher Fetcher) *Validator {
	return &Validator{fetcher: fetcher, concurrency: 4, now: time.Now}
}

// NewOfflineValidator builds a validator that performs zero network activity
// and answers only from fixtures. A URL with no fixture entry fails fast.
func NewOfflineValidator(fixtures Fixtures) *Validator {
	return &Validator{offline: true, fixtures: fixtures, concurrency: 1, now: time.Now}
}

// WithClock overrides the time source for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate resolves every URL and returns the report. The guard runs first
// for every URL in both modes: an unsafe URL is rejected even when a fixture
// claims it resolves.
func (v *Validator) Validate(ctx context.Context, urls []string) (*types.CitationReport, error) {
	report := &types.CitationReport{
		Citations: make([]types.Citation, 0, len(urls)),
		CheckedAt: v.now().UTC(),
		Offline:   v.offline,
	}

	if v.offline {
		for _, u := range urls {
			report.Citations = append(report.Citations, v.resolveOffline(u))
		}
		return report, nil
	}

	// Each goroutine writes its own slot, so the report preserves input order.
	results := make([]types.Citation, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = v.resolveOnline(gctx, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Citations = results
	return report, nil
}

func (v *Validator) resolveOffline(u string) types.Citation {
	if err := Guard(u); err != nil {
		return types.Citation{URL: u, Status: types.CitationRejected, Method: "guard", Reason: err.Error()}
	}
	status, ok := v.fixtures[u]
	if !ok {
		return types.Citation{
			URL:    u,
			Status: types.CitationRejected,
			Method: "fixture",
			Reason: "no fixture recorded for this url in offline mode",
		}
	}
	return types.Citation{URL: u, Status: status, ResolvedURL: u, Method: "fixture"}
}

func (v *Validator) resolveOnline(ctx context.Context, u string) types.Citation {
	if err := Guard(u); err != nil {
		return types.Citation{URL: u, Status: types.CitationRejected, Method: "guard", Reason: err.Error()}
	}
	res, err := v.fetcher.Fetch(ctx, u)
	if err != nil {
		c := types.Citation{URL: u, Status: types.CitationUnreachable, Method: "http", Reason: err.Error()}
		if res != nil {
			c.Method = res.Method
			c.ResolvedURL = res.ResolvedURL
		}
		return c
	}
	return types.Citation{URL: u, Status: types.CitationOK, ResolvedURL: res.ResolvedURL, Method: res.Method}
}

// Summary renders per-status counts for logs and status output.
func Summary(report *types.CitationReport) string {
	counts := make(map[types.CitationStatus]int)
	for _, c := range report.Citations {
		counts[c.Status]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[types.CitationStatus(k)]))
	}
	if len(parts) == 0 {
		return "no citations"
	}
	return strings.Join(parts, " ")
}
