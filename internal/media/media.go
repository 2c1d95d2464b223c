package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

const statusURL = "https://twitter.com/i/status/"

// networkFailures are yt-dlp output fragments that indicate a failed
// connection rather than a missing video.
var networkFailures = []string{
	"connection reset",
	"connection refused",
	"connection aborted",
	"timed out",
	"temporary failure in name resolution",
	"network is unreachable",
	"remote end closed connection",
	"http error 429",
	"http error 500",
	"http error 502",
	"http error 503",
	"http error 504",
}

// Tools names the external binaries used for downloading and sampling.
type Tools struct {
	YTDLP   string
	FFprobe string
	FFmpeg  string
}

// DefaultTools resolves the binaries from PATH.
func DefaultTools() Tools {
	return Tools{YTDLP: "yt-dlp", FFprobe: "ffprobe", FFmpeg: "ffmpeg"}
}

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Downloader fetches post videos with yt-dlp.
type Downloader struct {
	tools   Tools
	timeout time.Duration
	logger  *slog.Logger
	run     runFunc
}

var _ domain.VideoSource = (*Downloader)(nil)

// NewDownloader creates a Downloader. Each download is cancelled after
// timeout; zero disables the limit.
func NewDownloader(tools Tools, timeout time.Duration, logger *slog.Logger) *Downloader {
	return &Downloader{tools: tools, timeout: timeout, logger: logger, run: execRun}
}

// Download saves the video of postID as <dir>/<postID>.mp4 and returns its
// path. Any failure wraps domain.ErrVideoUnavailable; network failures are
// also transient.
func (d *Downloader) Download(ctx context.Context, postID, dir string) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	out := filepath.Join(dir, postID+".mp4")
	start := time.Now()
	output, err := d.run(ctx, d.tools.YTDLP,
		"--quiet",
		"--no-playlist",
		"--no-part",
		"--format", "best[ext=mp4]/best",
		"--merge-output-format", "mp4",
		"--output", out,
		statusURL+postID,
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("download %s: timed out after %s: %w", postID, d.timeout, domain.ErrVideoUnavailable)
		}
		msg := strings.TrimSpace(string(output))
		err = fmt.Errorf("download %s: %v: %s: %w", postID, err, msg, domain.ErrVideoUnavailable)
		if isNetworkFailure(msg) {
			return "", domain.NewTransientError(err)
		}
		return "", err
	}

	size, err := fileSize(out)
	if err != nil {
		return "", fmt.Errorf("download %s: %v: %w", postID, err, domain.ErrVideoUnavailable)
	}
	d.logger.Debug("downloaded video", "post_id", postID, "size", humanize.Bytes(uint64(size)), "took", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func isNetworkFailure(output string) bool {
	output = strings.ToLower(output)
	for _, f := range networkFailures {
		if strings.Contains(output, f) {
			return true
		}
	}
	return false
}

// Sampler probes and samples videos with ffprobe and ffmpeg.
type Sampler struct {
	tools Tools
	run   runFunc
}

var _ domain.FrameSampler = (*Sampler)(nil)

// NewSampler creates a Sampler.
func NewSampler(tools Tools) *Sampler {
	return &Sampler{tools: tools, run: execRun}
}

// Duration returns the container duration of the video.
func (s *Sampler) Duration(ctx context.Context, videoPath string) (time.Duration, error) {
	output, err := s.run(ctx, s.tools.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w: %s", videoPath, err, strings.TrimSpace(string(output)))
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration of %s: %w", videoPath, err)
	}
	return time.Duration(math.Round(secs*1000)) * time.Millisecond, nil
}

// Sample writes frames of the video at fps into dir as JPEG files and returns
// them in playback order.
func (s *Sampler) Sample(ctx context.Context, videoPath string, fps float64, dir string) ([]domain.Frame, error) {
	pattern := filepath.Join(dir, "frame_%06d.jpg")
	output, err := s.run(ctx, s.tools.FFmpeg,
		"-v", "error",
		"-i", videoPath,
		"-vf", "fps="+strconv.FormatFloat(fps, 'f', -1, 64),
		"-q:v", "3",
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w: %s", videoPath, err, strings.TrimSpace(string(output)))
	}

	paths, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	sort.Strings(paths)

	frames := make([]domain.Frame, len(paths))
	for i, p := range paths {
		frames[i] = domain.Frame{Index: i, Path: p}
	}
	return frames, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%s is empty", path)
	}
	return info.Size(), nil
}
