package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// argAfter returns the argument following flag.
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestDownloaderDownload(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(DefaultTools(), time.Minute, discardLogger())

	var gotName string
	var gotArgs []string
	d.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, os.WriteFile(argAfter(args, "--output"), []byte("video-bytes"), 0o644)
	}

	path, err := d.Download(context.Background(), "123", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "123.mp4"), path)
	assert.Equal(t, "yt-dlp", gotName)
	assert.Equal(t, "https://twitter.com/i/status/123", gotArgs[len(gotArgs)-1])
}

func TestDownloaderFailures(t *testing.T) {
	tests := []struct {
		name string
		run  runFunc
	}{
		{"tool error", func(context.Context, string, ...string) ([]byte, error) {
			return []byte("ERROR: No video could be found in this tweet"), errors.New("exit status 1")
		}},
		{"no file written", func(context.Context, string, ...string) ([]byte, error) {
			return nil, nil
		}},
		{"empty file", func(_ context.Context, _ string, args ...string) ([]byte, error) {
			return nil, os.WriteFile(argAfter(args, "--output"), nil, 0o644)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDownloader(DefaultTools(), time.Minute, discardLogger())
			d.run = tt.run

			_, err := d.Download(context.Background(), "123", t.TempDir())
			assert.ErrorIs(t, err, domain.ErrVideoUnavailable)
			assert.False(t, domain.IsTransient(err))
		})
	}
}

func TestDownloaderNetworkFailureIsTransient(t *testing.T) {
	outputs := []string{
		"ERROR: [twitter] 123: Unable to download JSON metadata: <urlopen error [Errno 104] Connection reset by peer>",
		"ERROR: unable to download video data: HTTP Error 503: Service Unavailable",
		"ERROR: [twitter] 123: Unable to download webpage: <urlopen error [Errno -3] Temporary failure in name resolution>",
	}
	for _, out := range outputs {
		d := NewDownloader(DefaultTools(), time.Minute, discardLogger())
		d.run = func(context.Context, string, ...string) ([]byte, error) {
			return []byte(out), errors.New("exit status 1")
		}

		_, err := d.Download(context.Background(), "123", t.TempDir())
		assert.True(t, domain.IsTransient(err), out)
		assert.ErrorIs(t, err, domain.ErrVideoUnavailable)
	}
}

func TestDownloaderTimeout(t *testing.T) {
	d := NewDownloader(DefaultTools(), 10*time.Millisecond, discardLogger())
	d.run = func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := d.Download(context.Background(), "123", t.TempDir())
	require.ErrorIs(t, err, domain.ErrVideoUnavailable)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSamplerDuration(t *testing.T) {
	s := NewSampler(DefaultTools())
	s.run = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		assert.Equal(t, "ffprobe", name)
		return []byte("61.480000\n"), nil
	}

	got, err := s.Duration(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, 61480*time.Millisecond, got)
}

func TestSamplerDurationGarbage(t *testing.T) {
	s := NewSampler(DefaultTools())
	s.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("N/A"), nil
	}

	_, err := s.Duration(context.Background(), "clip.mp4")
	require.Error(t, err)
}

func TestSamplerSample(t *testing.T) {
	dir := t.TempDir()
	s := NewSampler(DefaultTools())

	var vf string
	s.run = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		vf = argAfter(args, "-vf")
		pattern := args[len(args)-1]
		for i := 3; i >= 1; i-- {
			if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte{0xff}, 0o644); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	frames, err := s.Sample(context.Background(), "clip.mp4", 0.5, dir)
	require.NoError(t, err)
	assert.Equal(t, "fps=0.5", vf)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i+1)), f.Path)
	}
}
