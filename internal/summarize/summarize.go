// Package summarize turns a clip transcript into a short delivery caption.
package summarize

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxCaptionRunes is the caption limit of common messaging platforms.
const MaxCaptionRunes = 1024

// what the caption is written from
type Input struct {
	Title      string
	Transcript string
}

// interface for caption summarisation
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// summarisation service provider
type Provider string

const (
	ProviderNone      Provider = ""
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

type Options struct {
	// caption language; empty keeps the transcript language
	Language string
	Model    string
	Prompt   string
	// target length in words
	MaxWords int
}

// creates Summarizer based on provider
func Factory(
	ctx context.Context,
	provider Provider,
	apiKey string,
	opts Options,
) (Summarizer, error) {
	if opts.MaxWords <= 0 {
		opts.MaxWords = 40
	}

	switch provider {
	case ProviderGemini:
		return NewGeminiSummarizer(ctx, apiKey, opts)
	case ProviderOpenAI:
		return NewOpenAISummarizer(ctx, apiKey, opts)
	case ProviderAnthropic:
		return NewAnthropicSummarizer(ctx, apiKey, opts)
	default:
		return nil, fmt.Errorf("unsupported summary provider: %s", provider)
	}
}

// BuildPrompt creates the caption prompt for LLM providers
func BuildPrompt(opts Options, in Input) string {
	var sb strings.Builder

	sb.WriteString("Write a short social media caption for a video clip.\n\n")
	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString(fmt.Sprintf("1. At most %d words.\n", opts.MaxWords))
	sb.WriteString("2. Describe what is said in the clip; do not invent facts.\n")
	sb.WriteString("3. No hashtags, no quotation marks, no markdown.\n")
	if opts.Language != "" {
		sb.WriteString(fmt.Sprintf("4. Write the caption in %s.\n", opts.Language))
	}
	sb.WriteString("\n")

	if opts.Prompt != "" {
		sb.WriteString(fmt.Sprintf("Additional instructions: %s\n\n", opts.Prompt))
	}

	if in.Title != "" {
		sb.WriteString(fmt.Sprintf("Source video title: %s\n\n", in.Title))
	}
	sb.WriteString("Transcript:\n")
	sb.WriteString(Truncate(in.Transcript, 8000))
	sb.WriteString("\n\nOutput the caption only:")

	return sb.String()
}

// Caption builds the delivery caption: body (or title when body is empty)
// followed by the tag line, within limit runes. The body is shortened
// before the tags are.
func Caption(body, title, tagLine string, limit int) string {
	if limit <= 0 {
		limit = MaxCaptionRunes
	}
	body = strings.TrimSpace(body)
	if body == "" {
		body = strings.TrimSpace(title)
	}
	tagLine = strings.TrimSpace(tagLine)

	if tagLine == "" {
		return Truncate(body, limit)
	}
	if body == "" {
		return Truncate(tagLine, limit)
	}

	room := limit - utf8.RuneCountInString(tagLine) - 2
	if room <= 0 {
		return Truncate(tagLine, limit)
	}
	return Truncate(body, room) + "\n\n" + tagLine
}

// Truncate cuts s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n == 1 {
		return "…"
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

var fenceRegex = regexp.MustCompile("```[a-zA-Z]*\\s*")

// strips fences and wrapping quotes models add despite instructions
func cleanResponse(s string) string {
	s = strings.TrimSpace(s)
	s = fenceRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"“”`)
	return strings.TrimSpace(s)
}
