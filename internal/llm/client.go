// Package llm wraps the completion provider used for planning, narrative
// synthesis and fact extraction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
)

// Completer returns a text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const defaultSystemPrompt = "You are the memory subsystem of a personal assistant. Be concise and factual. Never invent facts that are not in the provided memories."

// Client calls the Anthropic Messages API.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
	system    string
	logger    *log.Logger
}

// NewClient creates a client. An empty apiKey falls back to the SDK's
// environment lookup.
func NewClient(apiKey, model string, maxTokens int64, logger *log.Logger) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{
		api:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    defaultSystemPrompt,
		logger:    logger,
	}
}

// Complete sends prompt as a single user turn and joins the text blocks of
// the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("claude API returned no text")
	}
	c.logger.Debug("completion finished", "model", c.model, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return out, nil
}
