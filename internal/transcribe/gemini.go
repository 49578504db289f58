package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/mgpai22/klip/internal/audio"
	"github.com/mgpai22/klip/internal/subtitle"
)

// implements Handle using Google Gemini
type GeminiTranscriber struct {
	client     *genai.Client
	model      string
	ffmpegPath string
	options    Options
}

// segment from Gemini's JSON response
type transcriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func NewGeminiTranscriber(ctx context.Context, apiKey, ffmpegPath string, opts Options) (*GeminiTranscriber, error) {
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

	return &GeminiTranscriber{
		client:     client,
		model:      model,
		ffmpegPath: ffmpegPath,
		options:    opts,
	}, nil
}

// uploads a compressed audio track of mediaPath and asks for timed segments
func (t *GeminiTranscriber) Transcribe(ctx context.Context, mediaPath string) (*Result, error) {
	if t.client == nil {
		return nil, errors.New("speech model already released")
	}
	if _, err := os.Stat(mediaPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("media file not found: %s", mediaPath)
	}

	audioPath := scratchBase(mediaPath) + ".mp3"
	defer os.Remove(audioPath)
	if err := audio.Extract(ctx, t.ffmpegPath, mediaPath, audioPath, audio.UploadOptions()); err != nil {
		return nil, fmt.Errorf("failed to prepare audio: %w", err)
	}

	uploadedFile, err := t.client.Files.UploadFromPath(ctx, audioPath, &genai.UploadFileConfig{MIMEType: "audio/mpeg"})
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio file: %w", err)
	}

	defer func() {
		_, _ = t.client.Files.Delete(context.WithoutCancel(ctx), uploadedFile.Name, nil)
	}()

	parts := []*genai.Part{
		genai.NewPartFromText(t.buildTranscriptionPrompt()),
		genai.NewPartFromURI(uploadedFile.URI, uploadedFile.MIMEType),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := t.client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	segments, err := t.parseTranscriptionResponse(result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transcription: %w", err)
	}

	return &Result{
		Segments: segments,
		Language: t.options.Language,
	}, nil
}

// creates the prompt for transcription
func (t *GeminiTranscriber) buildTranscriptionPrompt() string {
	var sb strings.Builder

	sb.WriteString("Generate a detailed transcript of this audio. ")
	sb.WriteString("For each sentence or phrase, provide the start timestamp, end timestamp, and the exact text spoken. ")
	sb.WriteString("Format your response as a JSON array with objects containing 'start', 'end', and 'text' fields, ")
	sb.WriteString("where 'start' and 'end' are timestamps in seconds (as numbers). ")

	if t.options.Language != "" {
		sb.WriteString(fmt.Sprintf("The audio is in %s. ", t.options.Language))
	}

	if t.options.TranscriptLanguage != "" && t.options.TranscriptLanguage != "native" {
		sb.WriteString(fmt.Sprintf("Output the transcript in %s. ", t.options.TranscriptLanguage))
	}

	if t.options.Prompt != "" {
		sb.WriteString(t.options.Prompt)
		sb.WriteString(" ")
	}

	sb.WriteString("If nobody speaks, return an empty array. ")
	sb.WriteString("Return ONLY the JSON array, no other text or markdown formatting.")

	return sb.String()
}

// parses Gemini's response into segments
func (t *GeminiTranscriber) parseTranscriptionResponse(result *genai.GenerateContentResponse) ([]subtitle.Segment, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	var responseText string
	for _, candidate := range result.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					responseText += part.Text
				}
			}
		}
	}

	if responseText == "" {
		return nil, fmt.Errorf("no text in Gemini response")
	}

	if cleanJSONResponse(responseText) == "[]" {
		return nil, nil
	}

	transcriptSegments, err := extractTranscriptSegments(responseText)
	if err != nil {
		return nil, fmt.Errorf("%w (response: %s)", err, truncateString(responseText, 200))
	}

	// convert to subtitle segments
	segments := make([]subtitle.Segment, len(transcriptSegments))
	for i, ts := range transcriptSegments {
		segments[i] = subtitle.Segment{
			StartTime: time.Duration(ts.Start * float64(time.Second)),
			EndTime:   time.Duration(ts.End * float64(time.Second)),
			Text:      strings.TrimSpace(ts.Text),
		}
	}

	return segments, nil
}

// extractTranscriptSegments finds the first JSON value in s that holds
// transcript segments, tolerating prose around it and wrapper objects.
func extractTranscriptSegments(s string) ([]transcriptSegment, error) {
	s = cleanJSONResponse(s)

	for i := 0; i < len(s); i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if segs, ok := findSegments(v); ok {
			return segs, nil
		}
		i += int(dec.InputOffset()) - 1
	}

	return nil, errors.New("no transcript segments found in response")
}

// preferred wrapper keys, searched before any other key
var segmentKeys = []string{"segments", "transcript", "data"}

func findSegments(v any) ([]transcriptSegment, bool) {
	switch val := v.(type) {
	case []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		var segs []transcriptSegment
		if err := json.Unmarshal(b, &segs); err != nil || !validateSegments(segs) {
			return nil, false
		}
		return segs, true
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		order := append(append([]string{}, segmentKeys...), keys...)
		for _, k := range order {
			child, ok := val[k]
			if !ok {
				continue
			}
			if segs, ok := findSegments(child); ok {
				return segs, true
			}
		}
	}
	return nil, false
}

// reports whether at least one segment carries timing or text
func validateSegments(segments []transcriptSegment) bool {
	for _, s := range segments {
		if s.Text != "" || s.Start != 0 || s.End != 0 {
			return true
		}
	}
	return false
}

var jsonBlockRegex = regexp.MustCompile("```(?:json)?\\s*")

// removes markdown formatting from the response
func cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)

	// remove ```json and ``` markers
	s = jsonBlockRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")

	return strings.TrimSpace(s)
}

// truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// drops the client reference; genai has no explicit close
func (t *GeminiTranscriber) Close() error {
	t.client = nil
	return nil
}
