// Package media assembles uploaded recording fragments into a single playable
// video file and extracts derived metadata (duration, thumbnail) with ffmpeg.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MuxResult describes the assembled output.
type MuxResult struct {
	OutputPath    string
	ThumbnailPath string
	Duration      time.Duration
	Reencoded     bool
}

// Muxer concatenates ordered fragment files into one output video.
type Muxer interface {
	Mux(ctx context.Context, fragmentPaths []string, outDir string) (MuxResult, error)
}

// FFmpegMuxer shells out to ffmpeg/ffprobe. Concatenation first tries the
// stream-copy concat demuxer; when the fragments disagree on codec parameters
// that fails, and we fall back to a full re-encode.
type FFmpegMuxer struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpegMuxer(ffmpegPath, ffprobePath string) *FFmpegMuxer {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegMuxer{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

func (m *FFmpegMuxer) Mux(ctx context.Context, fragmentPaths []string, outDir string) (MuxResult, error) {
	if len(fragmentPaths) == 0 {
		return MuxResult{}, fmt.Errorf("no fragments to mux")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return MuxResult{}, err
	}

	listPath := filepath.Join(outDir, "fragments.txt")
	if err := writeConcatList(listPath, fragmentPaths); err != nil {
		return MuxResult{}, err
	}
	outPath := filepath.Join(outDir, "recording.mp4")

	reencoded := false
	copyArgs := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outPath,
	}
	if err := m.runFFmpeg(ctx, copyArgs); err != nil {
		if ctx.Err() != nil {
			return MuxResult{}, ctx.Err()
		}
		// Stream copy rejects fragments with mismatched codec parameters.
		reencodeArgs := []string{
			"-y",
			"-f", "concat",
			"-safe", "0",
			"-i", listPath,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-c:a", "aac",
			"-movflags", "+faststart",
			outPath,
		}
		if reErr := m.runFFmpeg(ctx, reencodeArgs); reErr != nil {
			return MuxResult{}, fmt.Errorf("mux failed (copy: %v): %w", err, reErr)
		}
		reencoded = true
	}

	dur, err := m.probeDuration(ctx, outPath)
	if err != nil {
		return MuxResult{}, err
	}

	thumbPath := filepath.Join(outDir, "thumbnail.jpg")
	if err := m.extractThumbnail(ctx, outPath, thumbPath, dur); err != nil {
		// Thumbnail is best-effort; a finished recording without one is still usable.
		thumbPath = ""
	}

	return MuxResult{
		OutputPath:    outPath,
		ThumbnailPath: thumbPath,
		Duration:      dur,
		Reencoded:     reencoded,
	}, nil
}

func (m *FFmpegMuxer) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	cmd := exec.CommandContext(ctx, m.FFprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, context.Canceled
		}
		return 0, fmt.Errorf("ffprobe failed: %s", execDetail(err, &stderr))
	}
	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", raw, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (m *FFmpegMuxer) extractThumbnail(ctx context.Context, videoPath, thumbPath string, dur time.Duration) error {
	// Grab a frame from just inside the recording so we do not land on an
	// all-black lead-in frame.
	seek := dur / 10
	if seek > time.Second {
		seek = time.Second
	}
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(seek.Seconds(), 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "4",
		thumbPath,
	}
	return m.runFFmpeg(ctx, args)
}

func (m *FFmpegMuxer) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, m.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("ffmpeg failed: %s", execDetail(err, &stderr))
	}
	return nil
}

// execDetail keeps tool stderr readable in error messages; ffmpeg can be
// extremely chatty.
func execDetail(err error, stderr *bytes.Buffer) string {
	detail := strings.TrimSpace(stderr.String())
	if len(detail) > 4<<10 {
		detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
	}
	if detail == "" {
		detail = err.Error()
	}
	return detail
}

func writeConcatList(listPath string, fragmentPaths []string) error {
	var b strings.Builder
	for _, p := range fragmentPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		// concat demuxer single-quote escaping.
		abs = strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	return os.WriteFile(listPath, []byte(b.String()), 0o644)
}
