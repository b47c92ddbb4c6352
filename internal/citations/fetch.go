package citations

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
)

const (
	// DefaultTimeout bounds each resolution step, HTTP or browser.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies the validator to origin servers.
	DefaultUserAgent = "Mozilla/5.0 (compatible; ResearchOrchestrator/1.0)"
	// MaxBodyBytes caps how much of a response is read.
	MaxBodyBytes = 4 * 1024 * 1024
	// MaxRedirects caps the redirect chain; every hop re-passes the guard.
	MaxRedirects = 5
	// MinContentLength is the extracted-text threshold below which a page is
	// assumed to be script-rendered and escalated to the browser.
	MinContentLength = 500
)

// FetchResult is the outcome of resolving one URL.
type FetchResult struct {
	ResolvedURL string
	Text        string
	Method      string
	StatusCode  int
}

// Fetcher resolves one URL to rendered text. The production implementation
// escalates from plain HTTP to a headless browser; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// Resolver turns a host name into addresses. Tests substitute a static map;
// nil means net.DefaultResolver.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// HTTPFetcher implements the two-step resolution ladder.
type HTTPFetcher struct {
	Timeout   time.Duration
	UserAgent string
	// AllowBrowser enables the chromedp escalation. Requires a local
	// Chrome/Chromium install.
	AllowBrowser bool
	Resolver     Resolver
}

// NewFetcher returns a fetcher with defaults and browser escalation enabled.
func NewFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Timeout:      DefaultTimeout,
		UserAgent:    DefaultUserAgent,
		AllowBrowser: true,
	}
}

func (f *HTTPFetcher) resolver() Resolver {
	if f.Resolver != nil {
		return f.Resolver
	}
	return net.DefaultResolver
}

func (f *HTTPFetcher) client() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := f.resolver().LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if err := GuardResolved(ip); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}
	return &http.Client{
		Timeout:   f.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("more than %d redirects", MaxRedirects)
			}
			return Guard(req.URL.String())
		},
	}
}

// Fetch resolves a URL: plain HTTP first, then a headless browser when the
// extracted text is too thin to have been server-rendered. The URL must have
// already passed Guard.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &FetchResult{
			ResolvedURL: resp.Request.URL.String(),
			Method:      "http",
			StatusCode:  resp.StatusCode,
		}, fmt.Errorf("http status %d", resp.StatusCode)
	}

	text, err := extractText(string(body))
	if err != nil {
		return nil, err
	}
	result := &FetchResult{
		ResolvedURL: resp.Request.URL.String(),
		Text:        text,
		Method:      "http",
		StatusCode:  resp.StatusCode,
	}

	if f.AllowBrowser && len(strings.TrimSpace(text)) < MinContentLength {
		// The browser dials on its own, outside the guarded transport. The
		// host is re-resolved and re-guarded at escalation time so a DNS
		// answer that changed since the HTTP fetch cannot steer the browser
		// into private address space; a refused escalation keeps the HTTP
		// result.
		if gerr := f.guardEscalation(ctx, rawURL); gerr != nil {
			return result, nil
		}
		html, berr := f.renderWithBrowser(ctx, rawURL)
		if berr != nil {
			// The HTTP fetch succeeded; a browser failure downgrades the
			// result rather than voiding it.
			return result, nil
		}
		btext, perr := extractText(html)
		if perr == nil && len(strings.TrimSpace(btext)) > len(strings.TrimSpace(text)) {
			result.Text = btext
			result.Method = "browser"
		}
	}
	return result, nil
}

// guardEscalation re-runs the URL guard and checks every address the host
// currently resolves to, mirroring what the guarded dialer enforces on the
// HTTP rung.
func (f *HTTPFetcher) guardEscalation(ctx context.Context, rawURL string) error {
	if err := Guard(rawURL); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url for escalation: %w", err)
	}
	ips, err := f.resolver().LookupIP(ctx, "ip", u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve %s for escalation: %w", u.Hostname(), err)
	}
	for _, ip := range ips {
		if err := GuardResolved(ip); err != nil {
			return err
		}
	}
	return nil
}

func (f *HTTPFetcher) renderWithBrowser(ctx context.Context, url string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, f.Timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("browser rendering failed: %w", err)
	}
	return html, nil
}

// extractText parses HTML and returns the visible body text with chrome
// elements stripped.
func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("nav, footer, header, script, style, noscript, .ad, .sidebar, .cookie-banner").Remove()

	content := doc.Find("main, article")
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	var lines []string
	for _, line := range strings.Split(content.First().Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
