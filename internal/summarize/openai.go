package summarize

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// implements Summarizer using OpenAI Chat Completions
type OpenAISummarizer struct {
	client  openai.Client
	model   string
	options Options
}

func NewOpenAISummarizer(
	ctx context.Context,
	apiKey string,
	opts Options,
) (*OpenAISummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	model := opts.Model
	if model == "" {
		model = "gpt-5-mini"
	}

	return &OpenAISummarizer{
		client:  client,
		model:   model,
		options: opts,
	}, nil
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, in Input) (string, error) {
	completion, err := s.client.Chat.Completions.New(
		ctx,
		openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(BuildPrompt(s.options, in)),
			},
			Model: s.model,
		},
	)
	if err != nil {
		return "", fmt.Errorf("summary failed: %w", err)
	}

	return parseOpenAI(completion)
}

func parseOpenAI(completion *openai.ChatCompletion) (string, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}

	responseText := cleanResponse(completion.Choices[0].Message.Content)
	if responseText == "" {
		return "", fmt.Errorf("no text in OpenAI response")
	}
	return responseText, nil
}
