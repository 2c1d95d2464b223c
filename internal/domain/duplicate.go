package domain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/dustin/go-humanize"
)

// DuplicateMatcher decides whether a candidate is content the bot already
// retweeted.
type DuplicateMatcher interface {
	Match(ctx context.Context, c *Candidate) (bool, error)
}

// MediaDuplicateDetector matches candidates by media key or id, falling back
// to comparing file sizes of videos with the same duration.
type MediaDuplicateDetector struct {
	store     PostStore
	videos    VideoSource
	caller    Caller
	tolerance float64
	workRoot  string
	logger    *slog.Logger
}

// NewMediaDuplicateDetector creates a detector. tolerance is the maximum size
// difference, in percent, for two same-duration videos to count as one.
// Downloads go through caller, which may be nil, into temporary directories
// under workRoot (os.TempDir if empty).
func NewMediaDuplicateDetector(store PostStore, videos VideoSource, caller Caller, tolerance float64, workRoot string, logger *slog.Logger) *MediaDuplicateDetector {
	if caller == nil {
		caller = directCaller{}
	}
	return &MediaDuplicateDetector{
		store:     store,
		videos:    videos,
		caller:    caller,
		tolerance: tolerance,
		workRoot:  workRoot,
		logger:    logger,
	}
}

// Match returns true on an exact fingerprint hit, or when a stored video of
// the same duration is within the size tolerance. Download problems make the
// comparison inconclusive and never block the candidate.
func (d *MediaDuplicateDetector) Match(ctx context.Context, c *Candidate) (bool, error) {
	exact, err := d.store.FindByFingerprint(ctx, c.MediaKey, c.ID)
	if err != nil {
		return false, fmt.Errorf("find by fingerprint: %w", err)
	}
	if len(exact) > 0 {
		d.logger.Info("found fingerprint match", "post_id", c.ID, "match_id", exact[0].ID)
		return true, nil
	}

	if c.DurationMS <= 0 {
		return false, nil
	}
	sameDuration, err := d.store.FindByDuration(ctx, c.DurationMS)
	if err != nil {
		return false, fmt.Errorf("find by duration: %w", err)
	}
	if len(sameDuration) == 0 {
		return false, nil
	}

	old := sameDuration[0]
	d.logger.Info("matched duration", "post_id", c.ID, "match_id", old.ID, "duration_ms", c.DurationMS)

	sizeErr, ok := d.compareSizes(ctx, c.ID, old.ID)
	if !ok {
		return false, nil
	}
	return sizeErr < d.tolerance, nil
}

// compareSizes downloads both videos and returns |new-old|/new*100. ok is
// false when the comparison is inconclusive.
func (d *MediaDuplicateDetector) compareSizes(ctx context.Context, newID, oldID string) (float64, bool) {
	dir, err := os.MkdirTemp(d.workRoot, "dupe-")
	if err != nil {
		d.logger.Warn("create download dir failed", "error", err)
		return 0, false
	}
	defer os.RemoveAll(dir)

	newSize, err := d.download(ctx, newID, dir)
	if err != nil {
		d.logger.Warn("download failed, skipping size comparison", "post_id", newID, "error", err)
		return 0, false
	}
	oldSize, err := d.download(ctx, oldID, dir)
	if err != nil {
		d.logger.Warn("download failed, skipping size comparison", "post_id", oldID, "error", err)
		return 0, false
	}
	if newSize == 0 || oldSize == 0 {
		return 0, false
	}

	sizeErr := math.Abs(float64(newSize-oldSize)) / float64(newSize) * 100
	d.logger.Info("file size comparison",
		"new_size", humanize.Bytes(uint64(newSize)),
		"old_size", humanize.Bytes(uint64(oldSize)),
		"error_pct", int(sizeErr),
	)
	return sizeErr, true
}

func (d *MediaDuplicateDetector) download(ctx context.Context, postID, dir string) (int64, error) {
	var path string
	err := d.caller.Do(ctx, "download", func(ctx context.Context) error {
		var err error
		path, err = d.videos.Download(ctx, postID, dir)
		return err
	})
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat video: %w", err)
	}
	return info.Size(), nil
}
