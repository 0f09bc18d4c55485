// Package oracle is the reasoning-model client used by the investigation
// engine. All prompting is centralized here; callers get typed results and
// typed errors, never raw completions.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const systemPrompt = `You are an SRE incident analyst. Be precise, cite the evidence you were given, and never invent data. When asked for JSON, reply with a single JSON object and nothing else.`

// Client wraps the Anthropic API for the engine's reasoning steps.
type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
	log       *zap.Logger
}

// New builds a client. model and maxTokens come from config.
func New(apiKey, model string, maxTokens int, log *zap.Logger) *Client {
	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		log:       log,
	}
}

// complete sends one user turn and returns the text content.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle request failed: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("oracle returned no text content")
	}
	return sb.String(), nil
}

// completeJSON sends a prompt and unmarshals the reply into out, tolerating
// markdown code fences around the JSON.
func (c *Client) completeJSON(ctx context.Context, prompt string, out interface{}) error {
	text, err := c.complete(ctx, prompt)
	if err != nil {
		return err
	}
	cleaned := stripFences(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		c.log.Warn("oracle reply was not valid JSON", zap.Error(err))
		return fmt.Errorf("oracle reply not parseable: %w", err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	// Models occasionally preface the object; recover the outermost braces.
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		if start := strings.Index(s, "{"); start >= 0 {
			if end := strings.LastIndex(s, "}"); end > start {
				s = s[start : end+1]
			}
		}
	}
	return strings.TrimSpace(s)
}
