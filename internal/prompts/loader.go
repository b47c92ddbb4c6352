// Package prompts renders the delegated-work prompts for each stage.
// Templates are stored as JSON and embedded at compile time; a prompt file
// written for the operator is the exact text whose digest the sidecar
// records, so rendering must be deterministic.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

const templateFile = "research.json"

var (
	cache   map[string]string
	cacheMu sync.Mutex
)

// Get retrieves a prompt template by key.
func Get(key string) (string, error) {
	templates, err := load()
	if err != nil {
		return "", err
	}
	tmpl, ok := templates[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, templateFile)
	}
	return tmpl, nil
}

// MustGet retrieves a prompt template, panicking if absent. The templates
// are embedded, so a miss is a build defect.
func MustGet(key string) string {
	tmpl, err := Get(key)
	if err != nil {
		panic(err)
	}
	return tmpl
}

// Format replaces {{.Key}} placeholders with values from data.
func Format(template string, data map[string]string) string {
	result := template
	for key, value := range data {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{.%s}}", key), value)
	}
	return result
}

func load() (map[string]string, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}
	data, err := promptFiles.ReadFile(templateFile)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", templateFile, err)
	}
	var templates map[string]string
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", templateFile, err)
	}
	cache = templates
	return cache, nil
}
