package subtitle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SubRip format
type SRTWriter struct{}

// Advanced SubStation Alpha format with a single bottom-centred style
type ASSWriter struct {
	Title    string
	FontName string
	FontSize int
	// distance of the bottom line from the frame edge, in script pixels
	MarginV int
	// script resolution; the renderer scales to the video frame
	PlayResX int
	PlayResY int
}

// NewASSWriter sizes the style for a width x height frame. Zero dimensions
// fall back to a 1080x1920 portrait frame.
func NewASSWriter(width, height int) *ASSWriter {
	if width <= 0 || height <= 0 {
		width, height = 1080, 1920
	}
	short := min(width, height)
	return &ASSWriter{
		Title:    "klip captions",
		FontName: "Arial",
		FontSize: max(short/16, 18),
		MarginV:  max(height/12, 20),
		PlayResX: width,
		PlayResY: height,
	}
}

func NewWriter(format Format) (Writer, error) {
	switch format {
	case FormatSRT:
		return &SRTWriter{}, nil
	case FormatASS:
		return NewASSWriter(0, 0), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// writes the subtitle to an SRT file
func (w *SRTWriter) Write(sub *Subtitle, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var sb strings.Builder
	for i, entry := range sub.Entries {
		// index (1-based)
		sb.WriteString(fmt.Sprintf("%d\n", i+1))

		// timestamps: 00:00:00,000 --> 00:00:00,000
		sb.WriteString(fmt.Sprintf("%s --> %s\n",
			formatSRTTime(entry.StartTime),
			formatSRTTime(entry.EndTime)))

		sb.WriteString(entry.Text)
		sb.WriteString("\n\n")
	}

	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// writes the subtitle to an ASS file
func (w *ASSWriter) Write(sub *Subtitle, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(w.Render(sub)), 0o644)
}

// Render returns the ASS script for sub.
func (w *ASSWriter) Render(sub *Subtitle) string {
	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString(fmt.Sprintf("Title: %s\n", w.Title))
	sb.WriteString("ScriptType: v4.00+\n")
	sb.WriteString(fmt.Sprintf("PlayResX: %d\n", w.PlayResX))
	sb.WriteString(fmt.Sprintf("PlayResY: %d\n", w.PlayResY))
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n\n")

	// white text, black outline, alignment 2 (bottom centre)
	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	sb.WriteString(fmt.Sprintf("Style: Default,%s,%d,&H00FFFFFF,&H000000FF,&H00000000,&H64000000,1,0,0,0,100,100,0,0,1,3,1,2,40,40,%d,1\n\n",
		w.FontName, w.FontSize, w.MarginV))

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, entry := range sub.Entries {
		sb.WriteString(fmt.Sprintf("Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			formatASSTime(entry.StartTime),
			formatASSTime(entry.EndTime),
			escapeASSText(entry.Text)))
	}

	return sb.String()
}

func formatSRTTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	millis := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

func formatASSTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	centis := (int(d.Milliseconds()) % 1000) / 10

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, seconds, centis)
}

// override blocks and backslashes would be interpreted by libass
func escapeASSText(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "{", "(")
	text = strings.ReplaceAll(text, "}", ")")
	text = strings.ReplaceAll(text, "\n", "\\N")
	return strings.TrimSpace(text)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
