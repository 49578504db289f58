package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/pipeline"
	"github.com/mgpai22/klip/internal/subtitle"
)

var clipCmd = &cobra.Command{
	Use:   "clip [url] [range]",
	Short: "Cut one clip from an online video",
	Long: `Download only the requested part of a video, trim it to the exact range
and print the clip path, caption and hashtags.

The range is START-END with each side written as SS, MM:SS or HH:MM:SS,
optionally with a fractional part.

Examples:
  klip clip https://www.youtube.com/watch?v=abc 1:00-1:30
  klip clip https://youtu.be/abc 0:10.5-0:25 --captions
  klip clip https://youtu.be/abc 1:02:03-1:02:45 -o highlight.mp4`,
	Args: cobra.ExactArgs(2),
	RunE: runClip,
}

var multiCmd = &cobra.Command{
	Use:   "multi [url]",
	Short: "Cut several random clips from an online video",
	Long: `Download the whole video and cut COUNT clips of the given length from
random, non-overlapping positions.

Examples:
  klip multi https://youtu.be/abc --count 3 --duration 15
  klip multi https://youtu.be/abc -n 5 -d 20 --captions`,
	Args: cobra.ExactArgs(1),
	RunE: runMulti,
}

func init() {
	rootCmd.AddCommand(clipCmd)
	rootCmd.AddCommand(multiCmd)

	for _, c := range []*cobra.Command{clipCmd, multiCmd} {
		c.Flags().String("user", "cli", "User the clip is produced for (scopes file names)")
		c.Flags().Bool("captions", false, "Burn transcript captions into the clip")
	}
	clipCmd.Flags().StringP("output", "o", "", "Move the finished clip to this path")
	clipCmd.Flags().Bool("srt", false, "Also write the transcript as an .srt file next to the clip")

	multiCmd.Flags().IntP("count", "n", 3, fmt.Sprintf("Number of clips (1-%d)", pipeline.MaxClips))
	multiCmd.Flags().Float64P("duration", "d", 15, "Length of each clip in seconds")
	multiCmd.Flags().StringP("output-dir", "o", "", "Move the finished clips to this directory")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runClip(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	user, _ := cmd.Flags().GetString("user")
	captions, _ := cmd.Flags().GetBool("captions")
	output, _ := cmd.Flags().GetString("output")
	srt, _ := cmd.Flags().GetBool("srt")

	req := pipeline.Request{Source: args[0], Range: args[1], UserID: user, Captions: captions}
	if _, err := pipeline.Validate(req); err != nil {
		return userError(err)
	}

	pipe, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, err := pipe.Clip(ctx, req)
	if err != nil {
		return userError(err)
	}

	path := res.ArtifactPath
	if output != "" {
		if path, err = moveFile(path, output); err != nil {
			return err
		}
	}
	printResult(cmd, path, res)

	if srt {
		if res.Transcript == nil || len(res.Transcript.Segments) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transcript available, .srt not written")
			return nil
		}
		subPath, err := writeSRT(path, res.Transcript.Segments)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subtitles: %s\n", subPath)
	}
	return nil
}

// writeSRT stores segments as <clip>.srt.
func writeSRT(clipPath string, segments []subtitle.Segment) (string, error) {
	subs, err := subtitle.NewDefaultGenerator().Generate(segments)
	if err != nil {
		return "", fmt.Errorf("failed to generate subtitles: %w", err)
	}
	writer, err := subtitle.NewWriter(subtitle.FormatSRT)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + ".srt"
	if err := writer.Write(subs, out); err != nil {
		return "", fmt.Errorf("failed to write subtitles: %w", err)
	}
	return out, nil
}

func runMulti(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	user, _ := cmd.Flags().GetString("user")
	captions, _ := cmd.Flags().GetBool("captions")
	count, _ := cmd.Flags().GetInt("count")
	seconds, _ := cmd.Flags().GetFloat64("duration")
	outDir, _ := cmd.Flags().GetString("output-dir")

	req := pipeline.Request{
		Source:       args[0],
		UserID:       user,
		Captions:     captions,
		Count:        count,
		ClipDuration: time.Duration(seconds * float64(time.Second)),
	}
	if _, err := pipeline.Validate(req); err != nil {
		return userError(err)
	}

	pipe, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	results, err := pipe.Multi(ctx, req)
	if err != nil {
		return userError(err)
	}

	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}
	for _, res := range results {
		path := res.ArtifactPath
		if outDir != "" {
			if path, err = moveFile(path, filepath.Join(outDir, filepath.Base(path))); err != nil {
				return err
			}
		}
		printResult(cmd, path, res)
	}
	return nil
}

func printResult(cmd *cobra.Command, path string, res *pipeline.Result) {
	out := cmd.OutOrStdout()
	abs, _ := filepath.Abs(path)
	fmt.Fprintf(out, "Clip: %s\n", abs)
	if res.Clip != nil {
		fmt.Fprintf(out, "  Range: %s\n", res.Clip.Interval)
		fmt.Fprintf(out, "  Size: %s\n", humanize.Bytes(uint64(res.Clip.Size)))
		if res.Clip.CaptionBurned {
			fmt.Fprintln(out, "  Captions: burned in")
		}
	}
	fmt.Fprintf(out, "  Caption:\n%s\n\n", res.Caption)
}

// userError turns a pipeline error into the message an end user sees. The
// details stay in the log.
func userError(err error) error {
	if apperr.KindOf(err) == apperr.KindUnknown {
		return err
	}
	logging.OrNop(logger).Debugw("Request failed", "kind", apperr.KindOf(err).String(), "error", err)
	return fmt.Errorf("%s", apperr.UserMessage(err))
}

func moveFile(src, dst string) (string, error) {
	if err := os.Rename(src, dst); err != nil {
		return src, fmt.Errorf("failed to move clip to %s: %w", dst, err)
	}
	return dst, nil
}
