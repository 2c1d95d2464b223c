package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/blackmichael/retweet-curator/internal/backup"
	"github.com/blackmichael/retweet-curator/internal/config"
	"github.com/blackmichael/retweet-curator/internal/domain"
	"github.com/blackmichael/retweet-curator/internal/retry"
	"github.com/blackmichael/retweet-curator/internal/sqlite"
	"github.com/blackmichael/retweet-curator/internal/twitter"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		ids     string
		promote bool
	)
	fs := flag.NewFlagSet("deletechecker", flag.ContinueOnError)
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "SQLite store path")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Directory for the pre-run backup")
	fs.StringVar(&ids, "ids", "", "Comma-separated post ids to check instead of every pending post")
	fs.BoolVar(&promote, "promote", false, "Replace the store with the reconciled copy when done")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})).With("run_id", uuid.NewString())

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	base := strings.TrimSuffix(filepath.Base(cfg.StorePath), filepath.Ext(cfg.StorePath))
	if _, err := backup.NewRotator(store, cfg.BackupDir, base, cfg.BackupKeep, logger).Backup(ctx); err != nil {
		return fmt.Errorf("backup store: %w", err)
	}

	workPath := cfg.StorePath + ".delete"
	if err := store.Snapshot(ctx, workPath); err != nil {
		return fmt.Errorf("copy store: %w", err)
	}
	work, err := sqlite.Open(workPath)
	if err != nil {
		return fmt.Errorf("open working copy: %w", err)
	}
	defer work.Close()
	logger.Info("reconciling working copy", "store", cfg.StorePath, "copy", workPath)

	client := twitter.NewClient(twitter.Config{
		APIBase:      cfg.APIBase,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	}, logger)
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	account := client.Account()
	if account.Username == "" {
		account.Username = cfg.BotUsername
	}

	// A failed lookup waits as long as the pause between lookups before
	// re-authenticating.
	retrier := retry.New(retry.Config{
		MaxRetries: policy.Retry.MaxRetries,
		Wait:       policy.ReconcileDelay,
	}, client, logger)
	reconciler := domain.NewReconciler(work, client, retrier, account, policy.ReconcileDelay, nil, logger)

	var summary domain.ReconcileSummary
	if ids != "" {
		summary, err = reconciler.CheckAll(ctx, splitIDs(ids))
	} else {
		summary, err = reconciler.Run(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("reconciliation interrupted, working copy left in place", "copy", workPath)
		}
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation finished",
		"pending", summary.Pending,
		"processed", summary.Processed,
		"checked", summary.Checked,
		"deleted", summary.Deleted,
		"skipped", summary.Skipped,
	)

	// Pick up posts the retweeter stored while reconciliation ran.
	if _, err := reconciler.Backfill(ctx, store); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	if !promote {
		logger.Info("working copy ready, replace the store with it to apply", "copy", workPath, "store", cfg.StorePath)
		return nil
	}

	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(cfg.StorePath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", cfg.StorePath+suffix, err)
		}
	}
	if err := work.Snapshot(ctx, cfg.StorePath); err != nil {
		return fmt.Errorf("promote working copy: %w", err)
	}
	logger.Info("promoted working copy", "store", cfg.StorePath)
	return nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
