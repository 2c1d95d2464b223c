package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// DefaultKeep is the number of snapshots retained by default.
const DefaultKeep = 7

// Snapshotter writes a consistent copy of a store to a file.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Rotator writes dated snapshots of a store into a directory and prunes the
// oldest ones beyond a retention count.
type Rotator struct {
	store  Snapshotter
	dir    string
	base   string
	keep   int
	logger *slog.Logger

	now func() time.Time
}

// NewRotator creates a Rotator writing <dir>/<base>_<date>.bak files and
// keeping the newest keep of them.
func NewRotator(store Snapshotter, dir, base string, keep int, logger *slog.Logger) *Rotator {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Rotator{
		store:  store,
		dir:    dir,
		base:   base,
		keep:   keep,
		logger: logger,
		now:    time.Now,
	}
}

// Backup writes today's snapshot, replacing an earlier one from the same
// day, then prunes old snapshots. Returns the snapshot path.
func (r *Rotator) Backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s.bak", r.base, r.now().Format("2006-01-02")))
	if err := r.store.Snapshot(ctx, path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		r.logger.Info("backup written", "path", path, "size", humanize.Bytes(uint64(info.Size())))
	}

	if err := r.prune(); err != nil {
		return path, fmt.Errorf("prune backups: %w", err)
	}
	return path, nil
}

func (r *Rotator) prune() error {
	paths, err := filepath.Glob(filepath.Join(r.dir, r.base+"_*.bak"))
	if err != nil {
		return err
	}
	if len(paths) <= r.keep {
		return nil
	}

	type snapshot struct {
		path    string
		modTime time.Time
	}
	snaps := make([]snapshot, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		snaps = append(snaps, snapshot{path: p, modTime: info.ModTime()})
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].modTime.Equal(snaps[j].modTime) {
			return snaps[i].path > snaps[j].path
		}
		return snaps[i].modTime.After(snaps[j].modTime)
	})

	for _, s := range snaps[r.keep:] {
		if err := os.Remove(s.path); err != nil {
			return err
		}
		r.logger.Info("pruned backup", "path", s.path)
	}
	return nil
}

// Schedule runs Backup on the cron spec (for example "0 4 * * *") and calls
// onDone with the result of every run. The returned scheduler is already
// started; stop it with Stop.
func (r *Rotator) Schedule(ctx context.Context, spec string, onDone func(err error)) (*cron.Cron, error) {
	logger := cronLogger{r.logger}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := c.AddFunc(spec, func() {
		_, err := r.Backup(ctx)
		if err != nil {
			r.logger.Error("scheduled backup failed", "error", err)
		}
		if onDone != nil {
			onDone(err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule backup %q: %w", spec, err)
	}

	c.Start()
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
