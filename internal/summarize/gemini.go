package summarize

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// implements Summarizer using Google Gemini
type GeminiSummarizer struct {
	client  *genai.Client
	model   string
	options Options
}

func NewGeminiSummarizer(
	ctx context.Context,
	apiKey string,
	opts Options,
) (*GeminiSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	return &GeminiSummarizer{
		client:  client,
		model:   model,
		options: opts,
	}, nil
}

func (s *GeminiSummarizer) Summarize(ctx context.Context, in Input) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(BuildPrompt(s.options, in)),
		}, genai.RoleUser),
	}

	result, err := s.client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("summary failed: %w", err)
	}

	return parseGemini(result)
}

func parseGemini(result *genai.GenerateContentResponse) (string, error) {
	if result == nil || len(result.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini")
	}

	var responseText string
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			responseText += part.Text
		}
		if responseText != "" {
			break
		}
	}

	responseText = cleanResponse(responseText)
	if responseText == "" {
		return "", fmt.Errorf("no text in Gemini response")
	}
	return responseText, nil
}
