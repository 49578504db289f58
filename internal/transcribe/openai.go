package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mgpai22/klip/internal/audio"
	"github.com/mgpai22/klip/internal/subtitle"
)

// implements Handle using the OpenAI Audio API
type OpenAITranscriber struct {
	client     openai.Client
	model      string
	ffmpegPath string
	options    Options
}

// segment from OpenAI Whisper verbose_json response
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// verbose_json response structure from Whisper
type whisperVerboseResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
}

func NewOpenAITranscriber(
	ctx context.Context,
	apiKey string,
	ffmpegPath string,
	opts Options,
) (*OpenAITranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	model := opts.Model
	if model == "" {
		model = "whisper-1"
	}

	return &OpenAITranscriber{
		client:     client,
		model:      model,
		ffmpegPath: ffmpegPath,
		options:    opts,
	}, nil
}

// uploads a compressed audio track of mediaPath
func (t *OpenAITranscriber) Transcribe(
	ctx context.Context,
	mediaPath string,
) (*Result, error) {
	if _, err := os.Stat(mediaPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("media file not found: %s", mediaPath)
	}

	audioPath := scratchBase(mediaPath) + ".mp3"
	defer os.Remove(audioPath)
	if err := audio.Extract(ctx, t.ffmpegPath, mediaPath, audioPath, audio.UploadOptions()); err != nil {
		return nil, fmt.Errorf("failed to prepare audio: %w", err)
	}

	file, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	if t.shouldUseTranslation() {
		return t.transcribeWithTranslation(ctx, file)
	}

	return t.transcribeWithTimestamps(ctx, file)
}

func (t *OpenAITranscriber) shouldUseTranslation() bool {
	return isEnglish(t.options.TranscriptLanguage)
}

func (t *OpenAITranscriber) transcribeWithTranslation(
	ctx context.Context,
	file io.Reader,
) (*Result, error) {
	params := openai.AudioTranslationNewParams{
		File:           file,
		Model:          openai.AudioModel(t.model),
		ResponseFormat: openai.AudioTranslationNewParamsResponseFormatVerboseJSON,
	}

	if t.options.Prompt != "" {
		params.Prompt = openai.String(t.options.Prompt)
	}

	resp, err := t.client.Audio.Translations.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("translation failed: %w", err)
	}

	return t.result(resp.RawJSON(), resp.Text, "en")
}

func (t *OpenAITranscriber) transcribeWithTimestamps(
	ctx context.Context,
	file io.Reader,
) (*Result, error) {
	params := openai.AudioTranscriptionNewParams{
		File:                   file,
		Model:                  openai.AudioModel(t.model),
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}

	if t.options.Language != "" {
		params.Language = openai.String(t.options.Language)
	}

	if t.options.Prompt != "" {
		params.Prompt = openai.String(t.options.Prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	return t.result(resp.RawJSON(), resp.Text, t.options.Language)
}

func (t *OpenAITranscriber) result(rawJSON, text, lang string) (*Result, error) {
	segments, duration, err := parseVerboseJSONResponse(rawJSON)
	if err != nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, err
		}
		segments = []subtitle.Segment{{Text: text}}
	}
	return &Result{
		Segments: segments,
		Text:     strings.TrimSpace(text),
		Language: lang,
		Duration: duration,
	}, nil
}

func parseVerboseJSONResponse(rawJSON string) ([]subtitle.Segment, time.Duration, error) {
	if rawJSON == "" {
		return nil, 0, fmt.Errorf("empty response")
	}

	var verboseResp whisperVerboseResponse
	if err := json.Unmarshal([]byte(rawJSON), &verboseResp); err != nil {
		return nil, 0, fmt.Errorf("failed to parse verbose_json response: %w", err)
	}

	duration := time.Duration(verboseResp.Duration * float64(time.Second))

	if len(verboseResp.Segments) == 0 {
		if strings.TrimSpace(verboseResp.Text) == "" {
			return nil, 0, fmt.Errorf("no segments or text in response")
		}
		return []subtitle.Segment{{
			StartTime: 0,
			EndTime:   duration,
			Text:      strings.TrimSpace(verboseResp.Text),
		}}, duration, nil
	}

	segments := make([]subtitle.Segment, 0, len(verboseResp.Segments))
	for _, seg := range verboseResp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, subtitle.Segment{
			StartTime: time.Duration(seg.Start * float64(time.Second)),
			EndTime:   time.Duration(seg.End * float64(time.Second)),
			Text:      text,
		})
	}

	return segments, duration, nil
}

func (t *OpenAITranscriber) Close() error {
	t.client = openai.Client{}
	return nil
}
