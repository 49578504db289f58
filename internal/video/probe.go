package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mgpai22/klip/internal/executor"
)

// video file information
type Info struct {
	Path      string
	Duration  time.Duration
	Width     int
	Height    int
	FrameRate float64
	Codec     string
	HasVideo  bool
	HasAudio  bool
	Size      int64
}

type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

// FFprobe implements Prober by shelling out to ffprobe.
type FFprobe struct {
	bin  string
	exec executor.Executor
}

func NewFFprobe(bin string, exec executor.Executor) *FFprobe {
	if bin == "" {
		bin = "ffprobe"
	}
	if exec == nil {
		exec = executor.New()
	}
	return &FFprobe{bin: bin, exec: exec}
}

// JSON output from ffprobe
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	out, err := p.exec.Execute(ctx, p.bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := parseProbe([]byte(out.Stdout))
	if err != nil {
		return nil, err
	}
	info.Path = path
	if info.Size == 0 {
		info.Size = st.Size()
	}
	return info, nil
}

func parseProbe(data []byte) (*Info, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &Info{}
	info.Duration = parseSeconds(probe.Format.Duration)
	info.Size, _ = strconv.ParseInt(probe.Format.Size, 10, 64)

	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Codec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = parseRate(s.AvgFrameRate)
			if info.Duration == 0 {
				info.Duration = parseSeconds(s.Duration)
			}
		case "audio":
			info.HasAudio = true
			if info.Duration == 0 {
				info.Duration = parseSeconds(s.Duration)
			}
		}
	}

	if info.Duration <= 0 {
		return nil, fmt.Errorf("ffprobe reported no duration")
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// parses "30000/1001" style rates
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
