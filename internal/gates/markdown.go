package gates

import (
	"bufio"
	"regexp"
	"strings"
)

var linkPattern = regexp.MustCompile(`\[[^\]]*\]\((https?://[^)\s]+)\)`)
var bareURLPattern = regexp.MustCompile(`(?m)(?:^|\s|<)(https?://[^\s<>)\]]+)`)

// countWords counts whitespace-separated tokens.
func countWords(text string) int {
	return len(strings.Fields(text))
}

// sectionHeadings returns the text of every markdown heading, any level.
func sectionHeadings(text string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			out = append(out, strings.TrimSpace(strings.TrimLeft(line, "#")))
		}
	}
	return out
}

// hasSection reports whether a heading with the given title exists,
// case-insensitively.
func hasSection(text, title string) bool {
	for _, h := range sectionHeadings(text) {
		if strings.EqualFold(h, title) {
			return true
		}
	}
	return false
}

// sourceURLs extracts every unique http(s) URL from markdown, both link
// syntax and bare URLs, preserving first-seen order.
func sourceURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, m := range linkPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range bareURLPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}
