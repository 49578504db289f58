package subtitle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGenerateSplitsLongSegments(t *testing.T) {
	g := NewDefaultGenerator()
	long := strings.Repeat("word ", 40)

	sub, err := g.Generate([]Segment{
		{StartTime: 0, EndTime: 2 * time.Second, Text: "short line"},
		{StartTime: 2 * time.Second, EndTime: 14 * time.Second, Text: long},
		{StartTime: 14 * time.Second, EndTime: 15 * time.Second, Text: "   "},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(sub.Entries) < 3 {
		t.Fatalf("got %d entries, want the long segment split", len(sub.Entries))
	}

	for i, e := range sub.Entries {
		if e.Index != i+1 {
			t.Errorf("entry %d has index %d", i, e.Index)
		}
		if e.EndTime-e.StartTime > g.MaxDuration {
			t.Errorf("entry %d lasts %v, over %v", i, e.EndTime-e.StartTime, g.MaxDuration)
		}
		for _, line := range strings.Split(e.Text, "\n") {
			if len([]rune(line)) > g.MaxCharsPerLine*g.MaxLinesPerSub {
				t.Errorf("entry %d line too long: %q", i, line)
			}
		}
		if i > 0 && e.StartTime < sub.Entries[i-1].EndTime {
			t.Errorf("entry %d overlaps its predecessor", i)
		}
	}
	if last := sub.Entries[len(sub.Entries)-1]; last.EndTime != 14*time.Second {
		t.Errorf("last entry ends at %v, want 14s", last.EndTime)
	}
}

func TestGenerateEmpty(t *testing.T) {
	sub, err := NewDefaultGenerator().Generate(nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if sub.Entries == nil || len(sub.Entries) != 0 {
		t.Errorf("Entries = %v, want empty non-nil", sub.Entries)
	}
}

func TestGenerateMinDurationAndClipEnd(t *testing.T) {
	g := NewDefaultGenerator()
	g.ClipEnd = 10 * time.Second

	sub, err := g.Generate([]Segment{
		{StartTime: 0, EndTime: 200 * time.Millisecond, Text: "quick"},
		{StartTime: 500 * time.Millisecond, EndTime: 2 * time.Second, Text: "next"},
		{StartTime: 9 * time.Second, EndTime: 12 * time.Second, Text: "tail"},
		{StartTime: 11 * time.Second, EndTime: 13 * time.Second, Text: "gone"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(sub.Entries))
	}
	if sub.Entries[0].EndTime != 500*time.Millisecond {
		t.Errorf("short cue should stretch up to the next cue, ends %v", sub.Entries[0].EndTime)
	}
	if sub.Entries[2].EndTime != 10*time.Second {
		t.Errorf("cue should be cut at clip end, ends %v", sub.Entries[2].EndTime)
	}
}

func TestFormatTextWrapsAtMiddle(t *testing.T) {
	g := NewDefaultGenerator()
	got := g.formatText("the quick brown fox jumps over the lazy dog")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("formatText() = %q, want two lines", got)
	}
	if got := g.formatText("short"); got != "short" {
		t.Errorf("formatText(short) = %q", got)
	}
}

func TestASSRender(t *testing.T) {
	w := NewASSWriter(1280, 720)
	out := w.Render(&Subtitle{Entries: []Entry{
		{Index: 1, StartTime: 1500 * time.Millisecond, EndTime: 3 * time.Second, Text: "line one\n{bold} line two"},
	}})

	for _, want := range []string{
		"PlayResX: 1280",
		"PlayResY: 720",
		"Style: Default,Arial,45,",
		",1,3,1,2,40,40,60,1",
		"Dialogue: 0,0:00:01.50,0:00:03.00,Default,,0,0,0,,line one\\N(bold) line two",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered ASS missing %q:\n%s", want, out)
		}
	}
}

func TestNewASSWriterDefaults(t *testing.T) {
	w := NewASSWriter(0, 0)
	if w.PlayResX != 1080 || w.PlayResY != 1920 {
		t.Errorf("default frame = %dx%d, want 1080x1920", w.PlayResX, w.PlayResY)
	}
	if w.FontSize < 18 || w.MarginV < 20 {
		t.Errorf("font/margin too small: %d/%d", w.FontSize, w.MarginV)
	}
}

func TestSRTWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.srt")
	sub := &Subtitle{Entries: []Entry{
		{StartTime: 0, EndTime: 1250 * time.Millisecond, Text: "hello"},
		{StartTime: time.Hour + 2*time.Second, EndTime: time.Hour + 3*time.Second, Text: "later"},
	}}
	if err := (&SRTWriter{}).Write(sub, path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,250\nhello\n\n2\n01:00:02,000 --> 01:00:03,000\nlater\n\n"
	if string(data) != want {
		t.Errorf("SRT = %q, want %q", data, want)
	}
}

func TestFormatASSTime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00.00"},
		{-time.Second, "0:00:00.00"},
		{61*time.Second + 234*time.Millisecond, "0:01:01.23"},
		{2*time.Hour + 5*time.Minute, "2:05:00.00"},
	}
	for _, tt := range tests {
		if got := formatASSTime(tt.d); got != tt.want {
			t.Errorf("formatASSTime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestNewWriter(t *testing.T) {
	if _, err := NewWriter(FormatASS); err != nil {
		t.Error(err)
	}
	if _, err := NewWriter(FormatSRT); err != nil {
		t.Error(err)
	}
	if _, err := NewWriter("vtt"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
