package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// settings for the audio track handed to a speech model
type Options struct {
	Format     string // wav, mp3, aac, flac
	SampleRate int
	Channels   int
	Bitrate    string // lossy formats only, e.g. "64k"
}

// 16 kHz mono PCM, the input whisper.cpp expects
func SpeechOptions() Options {
	return Options{
		Format:     "wav",
		SampleRate: 16000,
		Channels:   1,
	}
}

// small mp3 for upload to remote speech APIs
func UploadOptions() Options {
	return Options{
		Format:     "mp3",
		SampleRate: 16000,
		Channels:   1,
		Bitrate:    "64k",
	}
}

// Extract writes the audio track of inputPath to outputPath.
func Extract(
	ctx context.Context,
	ffmpegPath, inputPath, outputPath string,
	opts Options,
) error {
	if _, err := os.Stat(inputPath); os.IsNotExist(err) {
		return fmt.Errorf("input file not found: %s", inputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	var stderr bytes.Buffer
	err := ffmpeg.Input(inputPath).
		Output(outputPath, Kwargs(opts)).
		OverWriteOutput().
		SetFfmpegPath(ffmpegPath).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		return fmt.Errorf("audio extraction failed: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// ExtractForSpeech writes a 16 kHz mono WAV of inputPath for local models.
func ExtractForSpeech(ctx context.Context, ffmpegPath, inputPath, outputPath string) error {
	return Extract(ctx, ffmpegPath, inputPath, outputPath, SpeechOptions())
}

// Kwargs translates opts into ffmpeg output arguments.
func Kwargs(opts Options) ffmpeg.KwArgs {
	kwargs := ffmpeg.KwArgs{
		"vn": "",
		"ar": opts.SampleRate,
		"ac": opts.Channels,
	}

	switch opts.Format {
	case "mp3":
		kwargs["acodec"] = "libmp3lame"
	case "aac":
		kwargs["acodec"] = "aac"
	case "flac":
		kwargs["acodec"] = "flac"
	default:
		kwargs["acodec"] = "pcm_s16le"
		kwargs["f"] = "wav"
	}
	if opts.Bitrate != "" && (opts.Format == "mp3" || opts.Format == "aac") {
		kwargs["b:a"] = opts.Bitrate
	}
	return kwargs
}

func lastLine(s string) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if i := bytes.LastIndexByte([]byte(s), '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
