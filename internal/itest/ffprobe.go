//go:build integration

// Package itest holds tests that shell out to a real ffmpeg/ffprobe.
package itest

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"testing"
)

func probeDurationSeconds(mp4Path string) (float64, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mp4Path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

// makeSource renders a seconds-long test pattern with a tone.
func makeSource(t *testing.T, path string, seconds int) {
	t.Helper()
	d := strconv.Itoa(seconds)
	ff := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi", "-i", "testsrc=size=640x360:rate=24:duration="+d,
		"-f", "lavfi", "-i", "sine=frequency=440:duration="+d,
		"-shortest",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		path,
	)
	if b, err := ff.CombinedOutput(); err != nil {
		t.Fatalf("ffmpeg fixture failed: %v\n%s", err, string(b))
	}
}
