// Package tools locates the external binaries the pipeline shells out to.
package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	EnvFFmpeg  = "KLIP_FFMPEG_PATH"
	EnvFFprobe = "KLIP_FFPROBE_PATH"
	EnvYtDlp   = "KLIP_YTDLP_PATH"
	EnvWhisper = "KLIP_WHISPER_PATH"
)

type Paths struct {
	FFmpeg  string
	FFprobe string
	YtDlp   string
	// optional; only required by the local whisper.cpp transcriber
	Whisper string
}

var whisperCandidates = []string{"whisper-cli", "whisper-cpp", "whisper"}

// Resolve fills every empty field of configured, in order: environment
// override, PATH lookup, and for ffmpeg/ffprobe a cached static bundle.
func Resolve(configured Paths) (Paths, error) {
	p := configured

	p.FFmpeg = firstNonEmpty(p.FFmpeg, os.Getenv(EnvFFmpeg), lookPath("ffmpeg"))
	p.FFprobe = firstNonEmpty(p.FFprobe, os.Getenv(EnvFFprobe), lookPath("ffprobe"))
	p.YtDlp = firstNonEmpty(p.YtDlp, os.Getenv(EnvYtDlp), lookPath("yt-dlp"))
	p.Whisper = firstNonEmpty(p.Whisper, os.Getenv(EnvWhisper), lookPath(whisperCandidates...))

	if p.FFmpeg == "" || p.FFprobe == "" {
		bundled, err := ensureBundle()
		if err != nil {
			return p, fmt.Errorf("ffmpeg not found and bundle unavailable: %w", err)
		}
		p.FFmpeg = firstNonEmpty(p.FFmpeg, bundled.FFmpeg)
		p.FFprobe = firstNonEmpty(p.FFprobe, bundled.FFprobe)
	}

	if p.YtDlp == "" {
		return p, errors.New("yt-dlp not found: install it or set " + EnvYtDlp)
	}

	return p, nil
}

func lookPath(names ...string) string {
	for _, name := range names {
		if found, err := exec.LookPath(name); err == nil {
			return found
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
