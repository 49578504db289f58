package summarize

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// implements Summarizer using Anthropic Claude
type AnthropicSummarizer struct {
	client  anthropic.Client
	model   anthropic.Model
	options Options
}

func NewAnthropicSummarizer(
	ctx context.Context,
	apiKey string,
	opts Options,
) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	model := anthropic.Model(opts.Model)
	if opts.Model == "" {
		model = anthropic.ModelClaudeHaiku4_5
	}

	return &AnthropicSummarizer{
		client:  client,
		model:   model,
		options: opts,
	}, nil
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, in Input) (string, error) {
	message, err := s.client.Messages.New(
		ctx,
		anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: 512,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(
					anthropic.NewTextBlock(BuildPrompt(s.options, in)),
				),
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("summary failed: %w", err)
	}

	return parseAnthropic(message)
}

func parseAnthropic(message *anthropic.Message) (string, error) {
	if message == nil || len(message.Content) == 0 {
		return "", fmt.Errorf("empty response from Anthropic")
	}

	var responseText string
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	responseText = cleanResponse(responseText)
	if responseText == "" {
		return "", fmt.Errorf("no text in Anthropic response")
	}
	return responseText, nil
}
