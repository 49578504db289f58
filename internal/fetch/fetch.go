// Package fetch downloads remote media with yt-dlp under a byte ceiling.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/executor"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/timerange"
)

const (
	DefaultMaxBytes = 500 * 1024 * 1024
	DefaultMargin   = 5 * time.Second

	// mp4 first so the trim step rarely has to remux
	formatSelector = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
)

type Options struct {
	YtDlpPath string
	Dir       string
	MaxBytes  int64
	// trailing time fetched past the requested end
	Margin time.Duration
}

// Request describes one download. A nil Interval fetches the whole source.
type Request struct {
	URL      string
	UserID   string
	Interval *timerange.Interval
}

// downloaded media, owned by the run that fetched it
type Media struct {
	Path     string
	Title    string
	SourceID string
	// full source duration as reported by the extractor
	Duration time.Duration
	// source time at which Path begins; 0 for a full download
	Offset time.Duration
	Margin time.Duration
	Size   int64
}

// source metadata from yt-dlp --dump-single-json
type Metadata struct {
	ID       string
	Title    string
	Duration time.Duration
	// best known size of the selected format, 0 when unknown
	ApproxSize int64
	IsLive     bool
}

type Fetcher struct {
	opts Options
	exec executor.Executor
	log  *logging.Logger
}

func New(opts Options, exec executor.Executor, log *logging.Logger) *Fetcher {
	if opts.YtDlpPath == "" {
		opts.YtDlpPath = "yt-dlp"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if exec == nil {
		exec = executor.New()
	}
	return &Fetcher{opts: opts, exec: exec, log: logging.OrNop(log)}
}

// Metadata resolves the source without downloading it.
func (f *Fetcher) Metadata(ctx context.Context, url string) (*Metadata, error) {
	out, err := f.exec.Execute(ctx, f.opts.YtDlpPath,
		"--dump-single-json",
		"--no-playlist",
		"--no-warnings",
		"-f", formatSelector,
		url,
	)
	if err != nil {
		return nil, classify("metadata", err, apperr.KindSourceUnavailable)
	}

	meta, err := parseMetadata([]byte(out.Stdout))
	if err != nil {
		return nil, apperr.New(apperr.KindSourceUnavailable, "metadata", err)
	}
	return meta, nil
}

// Fetch downloads req.URL (or the requested interval plus the margin) into
// the download directory as <user>_<sourceid>.<ext>.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Media, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, apperr.Errorf(apperr.KindSourceUnavailable, "fetch", "empty source url")
	}

	meta, err := f.Metadata(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if meta.IsLive {
		return nil, apperr.Errorf(apperr.KindSourceUnavailable, "fetch", "live streams are not supported")
	}

	log := f.log.With("source_id", meta.ID)

	if est := f.estimate(meta, req.Interval); est > f.opts.MaxBytes {
		log.Infow("Rejecting source over quota",
			"estimated", humanize.Bytes(uint64(est)),
			"limit", humanize.Bytes(uint64(f.opts.MaxBytes)),
		)
		return nil, apperr.Errorf(apperr.KindQuota, "fetch",
			"estimated size %s exceeds limit %s",
			humanize.Bytes(uint64(est)), humanize.Bytes(uint64(f.opts.MaxBytes)))
	}

	if err := os.MkdirAll(f.opts.Dir, 0o755); err != nil {
		return nil, apperr.New(apperr.KindProcessing, "fetch", fmt.Errorf("failed to create download directory: %w", err))
	}

	prefix := filepath.Join(f.opts.Dir, FilePrefix(req.UserID, meta.ID))
	args := f.downloadArgs(prefix, req.Interval)
	args = append(args, req.URL)

	log.Infow("Downloading", "title", meta.Title, "sections", req.Interval != nil)
	out, err := f.exec.Execute(ctx, f.opts.YtDlpPath, args...)
	if err != nil {
		removeMatching(prefix)
		return nil, classify("download", err, apperr.KindProcessing)
	}

	if overQuota(out.Stdout + out.Stderr) {
		removeMatching(prefix)
		return nil, apperr.Errorf(apperr.KindQuota, "download", "source is larger than %s", humanize.Bytes(uint64(f.opts.MaxBytes)))
	}

	path, err := findOutput(prefix)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "download", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "download", err)
	}
	if st.Size() > f.opts.MaxBytes {
		_ = os.Remove(path)
		return nil, apperr.Errorf(apperr.KindQuota, "download", "downloaded %s exceeds limit %s",
			humanize.Bytes(uint64(st.Size())), humanize.Bytes(uint64(f.opts.MaxBytes)))
	}

	media := &Media{
		Path:     path,
		Title:    meta.Title,
		SourceID: meta.ID,
		Duration: meta.Duration,
		Size:     st.Size(),
	}
	if req.Interval != nil {
		media.Offset = req.Interval.Start
		media.Margin = f.opts.Margin
	}

	log.Infow("Downloaded", "path", path, "size", humanize.Bytes(uint64(st.Size())))
	return media, nil
}

func (f *Fetcher) downloadArgs(prefix string, iv *timerange.Interval) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"--newline",
		"-f", formatSelector,
		"--merge-output-format", "mp4",
		"--max-filesize", strconv.FormatInt(f.opts.MaxBytes, 10),
		"-o", prefix + ".%(ext)s",
	}
	if iv != nil {
		args = append(args,
			"--download-sections", fmt.Sprintf("*%s-%s",
				timerange.Seconds(iv.Start), timerange.Seconds(iv.End+f.opts.Margin)),
			"--force-keyframes-at-cuts",
		)
	}
	return args
}

// estimate scales the known source size by the fraction being fetched.
func (f *Fetcher) estimate(meta *Metadata, iv *timerange.Interval) int64 {
	if meta.ApproxSize <= 0 {
		return 0
	}
	if iv == nil || meta.Duration <= 0 {
		return meta.ApproxSize
	}
	fetched := iv.Duration() + f.opts.Margin
	if fetched >= meta.Duration {
		return meta.ApproxSize
	}
	return int64(float64(meta.ApproxSize) * float64(fetched) / float64(meta.Duration))
}

type ytdlpFormat struct {
	Filesize       *int64 `json:"filesize"`
	FilesizeApprox *int64 `json:"filesize_approx"`
}

func (fm ytdlpFormat) size() int64 {
	if fm.Filesize != nil && *fm.Filesize > 0 {
		return *fm.Filesize
	}
	if fm.FilesizeApprox != nil && *fm.FilesizeApprox > 0 {
		return *fm.FilesizeApprox
	}
	return 0
}

type ytdlpInfo struct {
	ytdlpFormat
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Duration         *float64      `json:"duration"`
	IsLive           bool          `json:"is_live"`
	RequestedFormats []ytdlpFormat `json:"requested_formats"`
}

func parseMetadata(data []byte) (*Metadata, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse yt-dlp metadata: %w", err)
	}
	if info.ID == "" {
		return nil, errors.New("yt-dlp metadata has no id")
	}

	meta := &Metadata{
		ID:     info.ID,
		Title:  info.Title,
		IsLive: info.IsLive,
	}
	if info.Duration != nil && *info.Duration > 0 {
		meta.Duration = time.Duration(*info.Duration * float64(time.Second))
	}

	var total int64
	for _, fm := range info.RequestedFormats {
		total += fm.size()
	}
	if total == 0 {
		total = info.size()
	}
	meta.ApproxSize = total
	return meta, nil
}

// findOutput locates the finished file for prefix, ignoring partials.
func findOutput(prefix string) (string, error) {
	matches, err := filepath.Glob(globEscape(prefix) + ".*")
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if isPartial(m) {
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("yt-dlp produced no file for %s", filepath.Base(prefix))
}

func removeMatching(prefix string) {
	matches, _ := filepath.Glob(globEscape(prefix) + ".*")
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func isPartial(path string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return strings.Contains(filepath.Base(path), ".part-")
}

func globEscape(s string) string {
	r := strings.NewReplacer("[", "\\[", "]", "\\]", "*", "\\*", "?", "\\?")
	return r.Replace(s)
}

var (
	unavailableMarkers = []string{
		"Private video",
		"Video unavailable",
		"Unsupported URL",
		"is not a valid URL",
		"This video has been removed",
		"This video is not available",
		"HTTP Error 404",
		"HTTP Error 403",
		"Unable to download webpage",
		"Sign in to confirm",
		"members-only",
	}
	formatMarkers = []string{"Requested format is not available"}
	quotaMarkers  = []string{"larger than max-filesize"}
)

func overQuota(output string) bool {
	return containsAny(output, quotaMarkers)
}

// classify maps a yt-dlp failure onto an error kind from its output.
func classify(op string, err error, fallback apperr.Kind) error {
	if errors.Is(err, exec.ErrNotFound) {
		return apperr.New(apperr.KindProcessing, op, fmt.Errorf("yt-dlp not available: %w", err))
	}

	var output string
	if ee, ok := executor.AsExitError(err); ok {
		output = ee.Stdout + "\n" + ee.Stderr
	}

	kind := fallback
	switch {
	case containsAny(output, quotaMarkers):
		kind = apperr.KindQuota
	case containsAny(output, formatMarkers):
		kind = apperr.KindFormat
	case containsAny(output, unavailableMarkers):
		kind = apperr.KindSourceUnavailable
	}
	return apperr.New(kind, op, err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
