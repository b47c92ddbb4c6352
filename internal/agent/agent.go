// Package agent provides the live-mode delegate: a blocking callable that
// turns a rendered prompt into delegated-work content. Fixture and task modes
// never construct one.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Delegate produces content for one unit of delegated work. Text answers
// come back as markdown; JSON answers are stripped of code-block wrappers.
type Delegate interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	Close() error
}

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-1.5-pro"

// GeminiDelegate implements Delegate over the Gemini API.
type GeminiDelegate struct {
	client *genai.Client
	model  string
}

// NewGemini builds a delegate. The API key is required; the model defaults
// to DefaultModel when empty.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiDelegate, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for live mode")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiDelegate{client: client, model: model}, nil
}

// GenerateText runs the prompt and returns the raw text answer.
func (d *GeminiDelegate) GenerateText(ctx context.Context, prompt string) (string, error) {
	model := d.client.GenerativeModel(d.model)
	model.SetTemperature(0.1)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return extractText(resp)
}

// GenerateJSON runs the prompt in JSON response mode and strips markdown
// code-block wrappers from the answer.
func (d *GeminiDelegate) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	model := d.client.GenerativeModel(d.model)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	return cleanJSONBlock(text), nil
}

// Close releases the underlying API client.
func (d *GeminiDelegate) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
